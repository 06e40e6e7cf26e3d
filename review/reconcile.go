package review

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILER - Pure function over a replayed Cycle
// =============================================================================

// RollupColumns is the artifact schema, in order.
var RollupColumns = []string{
	ColUserID, ColSystem, ColRole, ColReviewerID,
	"verdict", "justification", "received_at", "late", "tampered",
}

// RollupRow is one entitlement with its single verdict.
type RollupRow struct {
	UserID        string     `json:"user_id"`
	System        string     `json:"system"`
	Role          string     `json:"role"`
	ReviewerID    string     `json:"reviewer_id"`
	Verdict       Verdict    `json:"verdict"`
	Justification string     `json:"justification,omitempty"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
	Late          bool       `json:"late"`
	Tampered      bool       `json:"tampered"`

	// Attribution, not part of the artifact columns.
	RowFingerprint    string      `json:"row_fingerprint"`
	WorksheetID       WorksheetID `json:"worksheet_id"`
	DelegateID        string      `json:"delegate_id,omitempty"`
	ReviewerSignature string      `json:"reviewer_signature,omitempty"`
	Flags             []string    `json:"flags,omitempty"`
}

// Record renders the row in RollupColumns order.
func (r RollupRow) Record() []string {
	received := ""
	if r.ReceivedAt != nil {
		received = r.ReceivedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		r.UserID, r.System, r.Role, r.ReviewerID,
		string(r.Verdict), r.Justification, received,
		fmt.Sprint(r.Late), fmt.Sprint(r.Tampered),
	}
}

// WorksheetFailure lists a worksheet that ended in Failed.
type WorksheetFailure struct {
	WorksheetID WorksheetID `json:"worksheet_id"`
	ReviewerID  string      `json:"reviewer_id"`
	Kind        FailureKind `json:"kind"`
	Reason      string      `json:"reason"`
}

// Summary aggregates a rollup. Rates are percentages with two decimals.
type Summary struct {
	Rows         int                `json:"rows"`
	Worksheets   int                `json:"worksheets"`
	Verdicts     map[Verdict]int    `json:"verdicts"`
	Late         int                `json:"late"`
	Tampered     int                `json:"tampered"`
	ResponseRate decimal.Decimal    `json:"response_rate"`
	RevokeRate   decimal.Decimal    `json:"revoke_rate"`
	Awaiting     []WorksheetID      `json:"awaiting,omitempty"`
	Failures     []WorksheetFailure `json:"failures,omitempty"`
	NoAction     []string           `json:"no_action,omitempty"`
	Delegations  []Delegation       `json:"delegations,omitempty"`
}

type Rollup struct {
	CycleID      CycleID     `json:"cycle_id"`
	SupersedesID CycleID     `json:"supersedes_id,omitempty"`
	State        CycleState  `json:"state"`
	OpenedAt     time.Time   `json:"opened_at"`
	DueAt        time.Time   `json:"due_at"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	AsOfSeq      int64       `json:"as_of_seq"`
	Rows         []RollupRow `json:"rows"`
	Summary      Summary     `json:"summary"`
	Events       []Event     `json:"-"`
}

// Reconcile builds the rollup of a cycle snapshot. It never mutates c and
// may be run at any point in the cycle.
//
// GUARANTEES:
//   - one row per entitlement, each with exactly one verdict
//   - each verdict attributed to its worksheet
//   - rows of a tampered worksheet report Tampered instead of a verdict
func Reconcile(c *Cycle) (*Rollup, error) {
	owner := make(map[string]*Worksheet, len(c.Fingerprints))
	for _, w := range c.WorksheetList() {
		for _, fp := range w.RowFingerprints {
			owner[fp] = w
		}
	}

	r := &Rollup{
		CycleID:      c.ID,
		SupersedesID: c.SupersedesID,
		State:        c.State,
		OpenedAt:     c.OpenedAt,
		DueAt:        c.DueAt,
		ClosedAt:     c.ClosedAt,
		AsOfSeq:      c.LastSeq,
		Rows:         make([]RollupRow, 0, len(c.Rows)),
		Events:       c.Events,
	}

	for i, row := range c.Rows {
		fp := c.Fingerprints[i]
		w := owner[fp]
		if w == nil {
			return nil, NewError(ErrIllegalTransition, row.Key().String(), "row is not assigned to any worksheet")
		}
		out := RollupRow{
			UserID:         row.UserID,
			System:         row.System,
			Role:           row.Role,
			ReviewerID:     row.ReviewerID,
			Verdict:        VerdictNoResponse,
			RowFingerprint: fp,
			WorksheetID:    w.ID,
			DelegateID:     w.DelegateID,
		}

		switch {
		case w.State == WorksheetFailed && w.FailureKind == FailureTampered:
			out.Verdict = VerdictTampered
			out.Tampered = true
			if w.Response != nil {
				at := w.Response.ReceivedAt
				out.ReceivedAt = &at
				out.Late = w.Response.Late
			}
		case w.State == WorksheetReceived || w.State == WorksheetReconciled:
			if d, ok := c.Decisions[fp]; ok {
				at := d.ReceivedAt
				out.Verdict = d.Verdict
				out.Justification = d.Justification
				out.ReceivedAt = &at
				out.Late = w.Response.Late
				out.ReviewerSignature = d.ReviewerSignature
				out.Flags = d.Flags
			}
		}
		r.Rows = append(r.Rows, out)
	}

	r.Summary = summarize(c, r.Rows)
	return r, nil
}

// CheckWorksheet verifies that the active response of a Received worksheet
// decided exactly the rows recorded at partition time.
func CheckWorksheet(c *Cycle, w *Worksheet) error {
	if w.State != WorksheetReceived || w.Response == nil {
		return NewError(ErrIllegalTransition, string(w.ID), "worksheet is %s, not received", w.State)
	}
	var missing int
	for _, fp := range w.RowFingerprints {
		d, ok := c.Decisions[fp]
		if !ok || d.ResponseID != w.Response.ID {
			missing++
		}
	}
	if missing > 0 {
		return NewError(ErrIllegalTransition, string(w.ID), "%d of %d rows have no decision", missing, len(w.RowFingerprints))
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

func percent(n, of int) decimal.Decimal {
	if of == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(n)).Mul(hundred).Div(decimal.NewFromInt(int64(of))).Round(2)
}

func summarize(c *Cycle, rows []RollupRow) Summary {
	s := Summary{
		Rows:        len(rows),
		Worksheets:  len(c.Worksheets),
		Verdicts:    make(map[Verdict]int),
		NoAction:    c.NoAction,
		Delegations: c.Delegations,
	}
	for _, row := range rows {
		s.Verdicts[row.Verdict]++
		if row.Late {
			s.Late++
		}
		if row.Tampered {
			s.Tampered++
		}
	}
	decided := s.Verdicts[VerdictKeep] + s.Verdicts[VerdictRevoke] + s.Verdicts[VerdictModify]
	s.ResponseRate = percent(decided, s.Rows)
	s.RevokeRate = percent(s.Verdicts[VerdictRevoke], decided)

	for _, w := range c.WorksheetList() {
		switch {
		case w.Awaiting():
			s.Awaiting = append(s.Awaiting, w.ID)
		case w.State == WorksheetFailed:
			s.Failures = append(s.Failures, WorksheetFailure{
				WorksheetID: w.ID,
				ReviewerID:  w.ReviewerID,
				Kind:        w.FailureKind,
				Reason:      w.FailureReason,
			})
		}
	}
	return s
}

// VerdictOrder lists verdicts in the order reports print them.
func VerdictOrder(s Summary) []Verdict {
	known := []Verdict{VerdictKeep, VerdictRevoke, VerdictModify, VerdictNoResponse, VerdictTampered}
	seen := make(map[Verdict]bool, len(known))
	for _, v := range known {
		seen[v] = true
	}
	var extra []Verdict
	for v := range s.Verdicts {
		if !seen[v] {
			extra = append(extra, v)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(known, extra...)
}
