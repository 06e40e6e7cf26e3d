package sheet

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/warp/access-review/review"
)

// Sheet names of the rollup file.
const (
	SheetRollup  = "rollup"
	SheetJournal = "journal"
	SheetSummary = "summary"
)

var journalHeader = []string{"seq", "at", "type", "worksheet_id", "actor", "key", "summary"}

// WriteRollup renders the rollup artifact of a cycle to w.
func WriteRollup(w io.Writer, r *review.Rollup) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", SheetRollup)
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	// rollup
	if err := writeTable(f, SheetRollup, bold, review.RollupColumns, len(r.Rows), func(i int) []any {
		rec := r.Rows[i].Record()
		out := make([]any, len(rec))
		for j, v := range rec {
			out[j] = v
		}
		return out
	}); err != nil {
		return err
	}

	// journal
	if _, err := f.NewSheet(SheetJournal); err != nil {
		return err
	}
	if err := writeTable(f, SheetJournal, bold, journalHeader, len(r.Events), func(i int) []any {
		ev := r.Events[i]
		return []any{ev.Seq, ev.At.UTC().Format(time.RFC3339Nano), string(ev.Type), string(ev.WorksheetID), ev.Actor, ev.Key, ev.Summary()}
	}); err != nil {
		return err
	}

	// summary
	if _, err := f.NewSheet(SheetSummary); err != nil {
		return err
	}
	if err := writeSummary(f, bold, r); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write rollup of cycle %s: %w", r.CycleID, err)
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, headerStyle int, header []string, n int, row func(i int) []any) error {
	hdr := make([]any, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &hdr); err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", headerStyle); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		values := row(i)
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheet, "A", lastCol, 18)
}

func writeSummary(f *excelize.File, bold int, r *review.Rollup) error {
	s := r.Summary
	closed := ""
	if r.ClosedAt != nil {
		closed = r.ClosedAt.UTC().Format(time.RFC3339)
	}
	lines := [][]any{
		{"cycle_id", r.CycleID.String()},
		{"supersedes", supersedes(r.SupersedesID)},
		{"state", string(r.State)},
		{"opened_at", r.OpenedAt.UTC().Format(time.RFC3339)},
		{"due_at", r.DueAt.UTC().Format(time.RFC3339)},
		{"closed_at", closed},
		{"as_of_seq", r.AsOfSeq},
		{"rows", s.Rows},
		{"worksheets", s.Worksheets},
	}
	for _, v := range review.VerdictOrder(s) {
		lines = append(lines, []any{"verdict " + string(v), s.Verdicts[v]})
	}
	lines = append(lines,
		[]any{"late", s.Late},
		[]any{"tampered", s.Tampered},
		[]any{"response_rate_pct", s.ResponseRate.StringFixed(2)},
		[]any{"revoke_rate_pct", s.RevokeRate.StringFixed(2)},
	)
	for _, d := range s.Delegations {
		lines = append(lines, []any{"delegated", d.ReviewerID + " -> " + d.DelegateID})
	}
	for _, id := range s.NoAction {
		lines = append(lines, []any{"no_action", id})
	}
	for _, id := range s.Awaiting {
		lines = append(lines, []any{"awaiting", string(id)})
	}

	row := 1
	for _, l := range lines {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(SheetSummary, cell, &l); err != nil {
			return err
		}
		row++
	}

	if len(s.Failures) > 0 {
		row++
		header := []any{"failed_worksheet", "reviewer_id", "kind", "reason"}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(SheetSummary, cell, &header); err != nil {
			return err
		}
		end, _ := excelize.CoordinatesToCellName(len(header), row)
		if err := f.SetCellStyle(SheetSummary, cell, end, bold); err != nil {
			return err
		}
		for _, fail := range s.Failures {
			row++
			values := []any{string(fail.WorksheetID), fail.ReviewerID, string(fail.Kind), fail.Reason}
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := f.SetSheetRow(SheetSummary, cell, &values); err != nil {
				return err
			}
		}
	}
	return f.SetColWidth(SheetSummary, "A", "D", 22)
}

func supersedes(id review.CycleID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
