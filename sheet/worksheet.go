package sheet

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/warp/access-review/review"
)

// Sheet names of a worksheet file.
const (
	SheetMeta    = "_meta"
	SheetReview  = "review"
	SheetSignOff = "sign_off"
)

// Columns appended to the entitlement columns of the review sheet.
const (
	ColVerdict       = review.ColVerdict
	ColJustification = review.ColJustification
)

// Keys of the _meta sheet.
const (
	MetaFormat           = "format"
	MetaCycleID          = "cycle_id"
	MetaWorksheetID      = "worksheet_id"
	MetaReviewerID       = "reviewer_id"
	MetaDelegateID       = "delegate_id"
	MetaSheetFingerprint = "sheet_fingerprint"
	MetaDueAt            = "due_at"

	formatVersion = "access-review/1"
)

// ContentType is the MIME type of worksheet and rollup files.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Meta is what the hidden sheet of a worksheet file carries.
type Meta struct {
	CycleID          review.CycleID
	WorksheetID      review.WorksheetID
	ReviewerID       string
	DelegateID       string
	SheetFingerprint string
	DueAt            time.Time
}

// WorksheetFile is everything needed to materialize one worksheet.
type WorksheetFile struct {
	Meta       Meta
	Columns    []string // extra entitlement columns, in master order
	Rows       []review.EntitlementRow
	Vocabulary []review.Verdict
}

// Header is the header row of the review sheet.
func (w WorksheetFile) Header() []string {
	h := []string{review.ColUserID, review.ColSystem, review.ColRole, review.ColGrantedOn, review.ColReviewerID}
	h = append(h, w.Columns...)
	return append(h, ColVerdict, ColJustification)
}

// =============================================================================
// WRITE
// =============================================================================

// WriteWorksheet renders a worksheet file to w.
func WriteWorksheet(w io.Writer, ws WorksheetFile) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", SheetReview)
	if err := writeReview(f, ws); err != nil {
		return err
	}
	if err := writeSignOff(f); err != nil {
		return err
	}
	if err := writeMeta(f, ws.Meta); err != nil {
		return err
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write worksheet %s: %w", ws.Meta.WorksheetID, err)
	}
	return nil
}

func writeReview(f *excelize.File, ws WorksheetFile) error {
	header := ws.Header()
	if err := setRow(f, SheetReview, 1, header); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	if err := f.SetCellStyle(SheetReview, "A1", lastCol+"1", bold); err != nil {
		return err
	}

	for i, row := range ws.Rows {
		values := []string{row.UserID, row.System, row.Role, row.GrantedOn, row.ReviewerID}
		for _, name := range ws.Columns {
			values = append(values, row.Extra[name])
		}
		values = append(values, "", "")
		if err := setRow(f, SheetReview, i+2, values); err != nil {
			return err
		}
	}

	verdictCol, _ := excelize.ColumnNumberToName(len(header) - 1)
	justCol, _ := excelize.ColumnNumberToName(len(header))
	last := len(ws.Rows) + 1
	if len(ws.Rows) > 0 {
		unlocked, err := f.NewStyle(&excelize.Style{Protection: &excelize.Protection{Locked: false}})
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetReview, verdictCol+"2", fmt.Sprintf("%s%d", justCol, last), unlocked); err != nil {
			return err
		}

		vocab := ws.Vocabulary
		if len(vocab) == 0 {
			vocab = review.DefaultVocabulary
		}
		choices := make([]string, len(vocab))
		for i, v := range vocab {
			choices[i] = string(v)
		}
		dv := excelize.NewDataValidation(true)
		dv.Sqref = fmt.Sprintf("%s2:%s%d", verdictCol, verdictCol, last)
		if err := dv.SetDropList(choices); err != nil {
			return err
		}
		dv.SetError(excelize.DataValidationErrorStyleStop, "Verdict", "Choose one of: "+strings.Join(choices, ", "))
		if err := f.AddDataValidation(SheetReview, dv); err != nil {
			return err
		}
	}

	if err := f.SetColWidth(SheetReview, "A", lastCol, 18); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetReview, justCol, justCol, 48); err != nil {
		return err
	}
	return f.ProtectSheet(SheetReview, &excelize.SheetProtectionOptions{
		SelectLockedCells:   true,
		SelectUnlockedCells: true,
		FormatColumns:       true,
		AutoFilter:          true,
		Sort:                true,
	})
}

func writeSignOff(f *excelize.File) error {
	if _, err := f.NewSheet(SheetSignOff); err != nil {
		return err
	}
	if err := setRow(f, SheetSignOff, 1, []string{"Reviewed by", ""}); err != nil {
		return err
	}
	if err := setRow(f, SheetSignOff, 2, []string{"Date", ""}); err != nil {
		return err
	}
	unlocked, err := f.NewStyle(&excelize.Style{Protection: &excelize.Protection{Locked: false}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetSignOff, "B1", "B2", unlocked); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetSignOff, "A", "B", 28); err != nil {
		return err
	}
	return f.ProtectSheet(SheetSignOff, &excelize.SheetProtectionOptions{
		SelectLockedCells:   true,
		SelectUnlockedCells: true,
	})
}

func writeMeta(f *excelize.File, m Meta) error {
	if _, err := f.NewSheet(SheetMeta); err != nil {
		return err
	}
	pairs := [][]string{
		{MetaFormat, formatVersion},
		{MetaCycleID, m.CycleID.String()},
		{MetaWorksheetID, string(m.WorksheetID)},
		{MetaReviewerID, m.ReviewerID},
		{MetaDelegateID, m.DelegateID},
		{MetaSheetFingerprint, m.SheetFingerprint},
		{MetaDueAt, m.DueAt.UTC().Format(time.RFC3339)},
	}
	for i, p := range pairs {
		if err := setRow(f, SheetMeta, i+1, p); err != nil {
			return err
		}
	}
	if err := f.ProtectSheet(SheetMeta, &excelize.SheetProtectionOptions{}); err != nil {
		return err
	}
	return f.SetSheetVisible(SheetMeta, false)
}

// setRow writes values as text so spreadsheet applications do not coerce
// identifiers or dates.
func setRow(f *excelize.File, sheet string, row int, values []string) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellStr(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// READ
// =============================================================================

// ReturnedRow is one data row of a returned review sheet.
type ReturnedRow struct {
	Line          int
	Row           review.EntitlementRow
	Verdict       string
	Justification string
}

// Returned is the content of a returned worksheet file.
type Returned struct {
	Meta      Meta
	Format    string
	Header    []string
	Rows      []ReturnedRow
	Signature string
}

// ReadWorksheet parses a returned worksheet. A file that is not a
// spreadsheet, or whose _meta sheet is missing or unparseable, fails with
// UnidentifiedResponse.
func ReadWorksheet(source string, data []byte) (*Returned, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, review.NewError(review.ErrUnidentifiedResponse, source, "not a worksheet file: %v", err)
	}
	defer f.Close()

	meta, format, err := readMeta(f)
	if err != nil {
		return nil, review.NewError(review.ErrUnidentifiedResponse, source, "%v", err)
	}
	out := &Returned{Meta: meta, Format: format}

	rows, err := f.GetRows(SheetReview, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, review.NewError(review.ErrUnidentifiedResponse, source, "review sheet: %v", err)
	}
	if len(rows) > 0 {
		out.Header = rows[0]
		out.Rows = parseReviewRows(rows)
	}

	if sig, err := f.GetCellValue(SheetSignOff, "B1"); err == nil {
		out.Signature = strings.TrimSpace(sig)
	}
	return out, nil
}

func readMeta(f *excelize.File) (Meta, string, error) {
	rows, err := f.GetRows(SheetMeta)
	if err != nil {
		return Meta{}, "", fmt.Errorf("metadata sheet %q missing", SheetMeta)
	}
	kv := make(map[string]string, len(rows))
	for _, r := range rows {
		if len(r) >= 2 {
			kv[strings.TrimSpace(r[0])] = strings.TrimSpace(r[1])
		}
	}

	var m Meta
	if m.CycleID, err = review.ParseCycleID(kv[MetaCycleID]); err != nil {
		return Meta{}, "", fmt.Errorf("metadata: %w", err)
	}
	m.ReviewerID = strings.ToLower(kv[MetaReviewerID])
	m.DelegateID = strings.ToLower(kv[MetaDelegateID])
	m.SheetFingerprint = kv[MetaSheetFingerprint]
	m.WorksheetID = review.WorksheetID(kv[MetaWorksheetID])
	if m.ReviewerID == "" || m.SheetFingerprint == "" {
		return Meta{}, "", fmt.Errorf("metadata is missing %s or %s", MetaReviewerID, MetaSheetFingerprint)
	}
	if m.WorksheetID == "" {
		m.WorksheetID = review.NewWorksheetID(m.CycleID, m.ReviewerID)
	}
	if due := kv[MetaDueAt]; due != "" {
		if m.DueAt, err = time.Parse(time.RFC3339, due); err != nil {
			return Meta{}, "", fmt.Errorf("metadata due_at: %w", err)
		}
	}
	return m, kv[MetaFormat], nil
}

func parseReviewRows(rows [][]string) []ReturnedRow {
	cols := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, dup := cols[name]; !dup && name != "" {
			cols[name] = i
		}
	}
	get := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var out []ReturnedRow
	for i, rec := range rows[1:] {
		if blank(rec) {
			continue
		}
		r := ReturnedRow{
			Line: i + 2,
			Row: review.EntitlementRow{
				UserID:     get(rec, review.ColUserID),
				System:     get(rec, review.ColSystem),
				Role:       get(rec, review.ColRole),
				GrantedOn:  get(rec, review.ColGrantedOn),
				ReviewerID: get(rec, review.ColReviewerID),
			},
			Verdict:       get(rec, ColVerdict),
			Justification: get(rec, ColJustification),
		}
		for name := range cols {
			switch name {
			case review.ColUserID, review.ColSystem, review.ColRole, review.ColGrantedOn,
				review.ColReviewerID, ColVerdict, ColJustification:
				continue
			}
			if r.Row.Extra == nil {
				r.Row.Extra = make(map[string]string)
			}
			r.Row.Extra[name] = get(rec, name)
		}
		out = append(out, r)
	}
	return out
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
