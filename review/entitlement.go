/*
entitlement.go - Master entitlement snapshot: normalization, validation, drift

PURPOSE:
  Turns the raw table of a master export into an EntitlementSet that the
  rest of the engine can trust:
  - every required column is present, and none shadows a reviewer
    answer column
  - whitespace trimmed, identifiers lowercased, dates in ISO-8601
  - (user_id, system, role) unique
  - every reviewer_id resolves in the roster

  Reading the file itself is the job of the sheet package; this file only
  sees rows of strings.

DRIFT:
  Diff compares two sets by row fingerprint so a supplementary cycle can
  cover only what changed since the cycle it supersedes.
*/
package review

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// RAW TABLE
// =============================================================================

// Table is a header row plus records, as read from a CSV or spreadsheet.
type Table struct {
	Source  string
	Header  []string
	Records [][]string
}

// =============================================================================
// ENTITLEMENT SET
// =============================================================================

// EntitlementSet is immutable after construction. Rows are in partition order.
type EntitlementSet struct {
	Rows         []EntitlementRow
	Fingerprints []string
	Columns      []string // extra column names in source order
	byKey        map[RowKey]int
}

// Len returns the number of rows.
func (s *EntitlementSet) Len() int { return len(s.Rows) }

// Lookup returns the row for a key.
func (s *EntitlementSet) Lookup(key RowKey) (EntitlementRow, string, bool) {
	i, ok := s.byKey[key]
	if !ok {
		return EntitlementRow{}, "", false
	}
	return s.Rows[i], s.Fingerprints[i], true
}

// NewEntitlementSet validates and normalizes a master export table.
// Fails with MalformedRow, DuplicateEntitlement or UnknownReviewer.
func NewEntitlementSet(t Table, roster *Roster) (*EntitlementSet, error) {
	cols, extras, err := mapColumns(t)
	if err != nil {
		return nil, err
	}

	rows := make([]EntitlementRow, 0, len(t.Records))
	seen := make(map[RowKey]int, len(t.Records))
	for i, rec := range t.Records {
		line := i + 2 // header is line 1
		if blankRecord(rec) {
			continue
		}
		row := EntitlementRow{
			UserID:     cell(rec, cols[ColUserID]),
			System:     cell(rec, cols[ColSystem]),
			Role:       cell(rec, cols[ColRole]),
			GrantedOn:  cell(rec, cols[ColGrantedOn]),
			ReviewerID: cell(rec, cols[ColReviewerID]),
		}
		for _, name := range extras {
			if row.Extra == nil {
				row.Extra = make(map[string]string, len(extras))
			}
			row.Extra[name] = cell(rec, cols[name])
		}

		row, err = NormalizeRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", t.Source, line, err)
		}

		key := row.Key()
		if prev, dup := seen[key]; dup {
			return nil, NewError(ErrDuplicateEntitlement, key.String(),
				"%s lines %d and %d share the same user, system and role", t.Source, prev, line)
		}
		seen[key] = line

		if roster != nil && !roster.Has(row.ReviewerID) {
			return nil, NewError(ErrUnknownReviewer, row.ReviewerID,
				"%s line %d: reviewer %q is not in the roster", t.Source, line, row.ReviewerID)
		}
		rows = append(rows, row)
	}

	return newSet(rows, extras)
}

// SetFromRows rebuilds a set from already-normalized rows (journal replay,
// supplementary cycles).
func SetFromRows(rows []EntitlementRow, columns []string) (*EntitlementSet, error) {
	cp := append([]EntitlementRow(nil), rows...)
	return newSet(cp, columns)
}

func newSet(rows []EntitlementRow, columns []string) (*EntitlementSet, error) {
	SortRows(rows)
	set := &EntitlementSet{
		Rows:         rows,
		Fingerprints: make([]string, len(rows)),
		Columns:      columns,
		byKey:        make(map[RowKey]int, len(rows)),
	}
	for i, row := range rows {
		fp, err := RowFingerprint(row)
		if err != nil {
			return nil, err
		}
		set.Fingerprints[i] = fp
		set.byKey[row.Key()] = i
	}
	return set, nil
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// NormalizeRow trims every value, lowercases user and reviewer ids and
// coerces granted_on to ISO-8601. Missing required values fail with
// MalformedRow.
func NormalizeRow(row EntitlementRow) (EntitlementRow, error) {
	row.UserID = strings.ToLower(strings.TrimSpace(row.UserID))
	row.System = strings.TrimSpace(row.System)
	row.Role = strings.TrimSpace(row.Role)
	row.ReviewerID = strings.ToLower(strings.TrimSpace(row.ReviewerID))
	for name, value := range row.Extra {
		row.Extra[name] = strings.TrimSpace(value)
	}

	for _, req := range []struct{ name, value string }{
		{ColUserID, row.UserID},
		{ColSystem, row.System},
		{ColRole, row.Role},
		{ColReviewerID, row.ReviewerID},
	} {
		if req.value == "" {
			return row, NewError(ErrMalformedRow, row.Key().String(), "missing required value %q", req.name)
		}
	}

	date, err := NormalizeDate(row.GrantedOn)
	if err != nil {
		return row, NewError(ErrMalformedRow, row.Key().String(), "granted_on: %v", err)
	}
	row.GrantedOn = date
	return row, nil
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-06",
	"1/2/06",
	"02-Jan-2006",
	"2-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// excelEpoch is day zero of spreadsheet serial dates.
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// Serial dates are only recognized in [minSerial, maxSerial): 1927-05-18
// through 9999-12-31. Smaller numbers are far more likely a bare year or
// a typo than a grant date.
const (
	minSerial = 10000
	maxSerial = 2958466
)

// NormalizeDate returns s as YYYY-MM-DD. Empty stays empty.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial >= minSerial && serial < maxSerial {
		return excelEpoch.AddDate(0, 0, int(serial)).Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}

func mapColumns(t Table) (map[string]int, []string, error) {
	cols := make(map[string]int, len(t.Header))
	var extras []string
	for i, h := range t.Header {
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		if _, dup := cols[name]; dup {
			return nil, nil, NewError(ErrMalformedRow, t.Source, "column %q appears twice", name)
		}
		if slices.Contains(ReservedColumns, name) {
			return nil, nil, NewError(ErrMalformedRow, t.Source, "column %q is reserved for reviewer answers", name)
		}
		cols[name] = i
		switch name {
		case ColUserID, ColSystem, ColRole, ColGrantedOn, ColReviewerID:
		default:
			extras = append(extras, name)
		}
	}
	for _, req := range RequiredColumns {
		if _, ok := cols[req]; !ok {
			return nil, nil, NewError(ErrMalformedRow, t.Source, "missing required column %q", req)
		}
	}
	if _, ok := cols[ColGrantedOn]; !ok {
		cols[ColGrantedOn] = -1
	}
	return cols, extras, nil
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func blankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// =============================================================================
// DRIFT
// =============================================================================

// Drift is the difference between two entitlement snapshots.
type Drift struct {
	Added   []EntitlementRow
	Removed []EntitlementRow
	Changed []EntitlementRow // current version of rows whose fingerprint moved
}

// Empty reports whether nothing needs review.
func (d Drift) Empty() bool { return len(d.Added) == 0 && len(d.Changed) == 0 }

// Diff computes set differences by row fingerprint.
func Diff(previous, current *EntitlementSet) Drift {
	prevFP := make(map[string]bool, len(previous.Fingerprints))
	for _, fp := range previous.Fingerprints {
		prevFP[fp] = true
	}
	curFP := make(map[string]bool, len(current.Fingerprints))
	for _, fp := range current.Fingerprints {
		curFP[fp] = true
	}

	var d Drift
	for i, row := range current.Rows {
		if prevFP[current.Fingerprints[i]] {
			continue
		}
		if _, _, existed := previous.Lookup(row.Key()); existed {
			d.Changed = append(d.Changed, row)
		} else {
			d.Added = append(d.Added, row)
		}
	}
	for i, row := range previous.Rows {
		if curFP[previous.Fingerprints[i]] {
			continue
		}
		if _, _, still := current.Lookup(row.Key()); !still {
			d.Removed = append(d.Removed, row)
		}
	}
	return d
}
