package review_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/access-review/review"
)

func table(records ...[]string) review.Table {
	return review.Table{
		Source:  "master.csv",
		Header:  []string{"User_ID", "system", "role", "granted_on", "reviewer_id", "Department"},
		Records: records,
	}
}

func testRoster(t *testing.T, reviewers ...review.Reviewer) *review.Roster {
	t.Helper()
	if len(reviewers) == 0 {
		reviewers = []review.Reviewer{
			{ID: "bob", Name: "Bob", Email: "b@x.test"},
			{ID: "dan", Name: "Dan", Email: "d@x.test"},
		}
	}
	r, err := review.NewRoster(reviewers)
	require.NoError(t, err)
	return r
}

// =============================================================================
// ENTITLEMENT SET
// =============================================================================

func TestNewEntitlementSet_NormalizesAndSorts(t *testing.T) {
	// GIVEN: A master export with padding, mixed case and a spreadsheet date
	// WHEN: Building the entitlement set
	// THEN: Rows are normalized, extra columns kept, and in partition order

	set, err := review.NewEntitlementSet(table(
		[]string{" Carol", "ERP", "user", "45306", "DAN", "Sales"},
		[]string{"alice", "ERP", "admin", "01/15/2024", "bob", "Finance"},
		[]string{"", "", "", "", "", ""},
		[]string{"alice", "CRM", "user", "2024-02-01", "bob", " Finance "},
	), testRoster(t))
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())

	assert.Equal(t, []string{"department"}, set.Columns)
	assert.Equal(t, "CRM", set.Rows[0].System)
	assert.Equal(t, "admin", set.Rows[1].Role)
	assert.Equal(t, "carol", set.Rows[2].UserID)
	assert.Equal(t, "dan", set.Rows[2].ReviewerID)
	assert.Equal(t, "2024-01-15", set.Rows[1].GrantedOn)
	assert.Equal(t, "2024-01-15", set.Rows[2].GrantedOn, "spreadsheet serial date")
	assert.Equal(t, "Finance", set.Rows[0].Extra["department"])

	_, fp, ok := set.Lookup(review.RowKey{UserID: "alice", System: "erp", Role: "admin"})
	assert.True(t, ok)
	assert.Equal(t, set.Fingerprints[1], fp)
}

func TestNewEntitlementSet_Errors(t *testing.T) {
	tests := []struct {
		name    string
		table   review.Table
		wantErr error
	}{
		{
			name:    "duplicate key differing only in case",
			table:   table([]string{"alice", "ERP", "admin", "", "bob", ""}, []string{"ALICE", "erp", "Admin", "", "dan", ""}),
			wantErr: review.ErrDuplicateEntitlement,
		},
		{
			name:    "unknown reviewer",
			table:   table([]string{"alice", "ERP", "admin", "", "zed", ""}),
			wantErr: review.ErrUnknownReviewer,
		},
		{
			name:    "missing user",
			table:   table([]string{"", "ERP", "admin", "", "bob", ""}),
			wantErr: review.ErrMalformedRow,
		},
		{
			name:    "bad date",
			table:   table([]string{"alice", "ERP", "admin", "someday", "bob", ""}),
			wantErr: review.ErrMalformedRow,
		},
		{
			name:    "bare year as date",
			table:   table([]string{"alice", "ERP", "admin", "2024", "bob", ""}),
			wantErr: review.ErrMalformedRow,
		},
		{
			name: "column named like a reviewer answer",
			table: review.Table{
				Source:  "m.csv",
				Header:  []string{"user_id", "system", "role", "reviewer_id", " Justification "},
				Records: [][]string{{"alice", "ERP", "admin", "bob", "ticket 42"}},
			},
			wantErr: review.ErrMalformedRow,
		},
		{
			name:    "missing column",
			table:   review.Table{Source: "m.csv", Header: []string{"user_id", "system", "role"}},
			wantErr: review.ErrMalformedRow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := review.NewEntitlementSet(tt.table, testRoster(t))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, review.IsInputError(err))
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	for in, want := range map[string]string{
		"":                     "",
		"2024-01-15":           "2024-01-15",
		"2024-01-15T08:00:00Z": "2024-01-15",
		"1/5/2024":             "2024-01-05",
		"15-Jan-2024":          "2024-01-15",
		"January 15, 2024":     "2024-01-15",
		"45306":                "2024-01-15",
	} {
		got, err := review.NormalizeDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizeDate_RejectsImplausibleSerials(t *testing.T) {
	// A bare year must not turn into a 1905 date.
	for _, in := range []string{"2024", "1", "9999", "3000000"} {
		_, err := review.NormalizeDate(in)
		assert.Error(t, err, in)
	}

	got, err := review.NormalizeDate("10000")
	require.NoError(t, err)
	assert.Equal(t, "1927-05-18", got)
}

// =============================================================================
// DRIFT
// =============================================================================

func TestDiff(t *testing.T) {
	// GIVEN: A previous export and a new one that adds, changes and removes a grant
	// WHEN: Diffing them
	// THEN: Each row lands in exactly one bucket

	prev, err := review.SetFromRows([]review.EntitlementRow{
		row("alice", "ERP", "admin", "bob"),
		row("alice", "CRM", "user", "bob"),
		row("carol", "ERP", "user", "dan"),
	}, nil)
	require.NoError(t, err)

	changed := row("carol", "ERP", "user", "dan")
	changed.GrantedOn = "2025-01-01"
	cur, err := review.SetFromRows([]review.EntitlementRow{
		row("alice", "ERP", "admin", "bob"),
		changed,
		row("frank", "HR", "viewer", "dan"),
	}, nil)
	require.NoError(t, err)

	d := review.Diff(prev, cur)
	assert.Equal(t, []review.EntitlementRow{row("frank", "HR", "viewer", "dan")}, d.Added)
	assert.Equal(t, []review.EntitlementRow{changed}, d.Changed)
	assert.Equal(t, []review.EntitlementRow{row("alice", "CRM", "user", "bob")}, d.Removed)
	assert.False(t, d.Empty())

	assert.True(t, review.Diff(cur, cur).Empty())
}
