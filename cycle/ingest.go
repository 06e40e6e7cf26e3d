package cycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/access-review/review"
	"github.com/warp/access-review/sheet"
)

// =============================================================================
// RESPONSE INGESTOR
// =============================================================================
//
// Files are parsed in parallel, each within its own time budget, and then
// applied one at a time in received order so that the latest response of a
// worksheet is decided the same way on every run.

// Outcome is what happened to one returned file.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeTampered   Outcome = "tampered"
	OutcomeRejected   Outcome = "rejected"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeDuplicate  Outcome = "duplicate"  // already journaled, nothing written
	OutcomeTimeout    Outcome = "timeout"    // journaled, may be retried
	OutcomeUnreadable Outcome = "unreadable" // I/O error, nothing written
)

// Incoming is one returned file and the instant it arrived.
type Incoming struct {
	Path       string
	ReceivedAt time.Time
}

type FileResult struct {
	Path            string             `json:"path"`
	Outcome         Outcome            `json:"outcome"`
	WorksheetID     review.WorksheetID `json:"worksheet_id,omitempty"`
	ResponseID      string             `json:"response_id,omitempty"`
	Code            review.Code        `json:"code,omitempty"`
	Message         string             `json:"message,omitempty"`
	Seq             int64              `json:"seq,omitempty"`
	Late            bool               `json:"late,omitempty"`
	InvalidVerdicts int                `json:"invalid_verdicts,omitempty"`
	Truncated       int                `json:"truncated,omitempty"`
	Err             error              `json:"-"`
}

type IngestResult struct {
	CycleID review.CycleID `json:"cycle_id"`
	Files   []FileResult   `json:"files"`
}

// Count returns how many files ended with outcome o.
func (r *IngestResult) Count(o Outcome) int {
	n := 0
	for _, f := range r.Files {
		if f.Outcome == o {
			n++
		}
	}
	return n
}

// IngestInbox ingests every file in the cycle's inbox. A file's arrival
// time is its modification time.
func (s *Service) IngestInbox(ctx context.Context, id review.CycleID, progress Progress) (*IngestResult, error) {
	files, err := s.layout.InboxFiles(id)
	if err != nil {
		return nil, fmt.Errorf("list inbox of cycle %s: %w", id, err)
	}
	in := make([]Incoming, len(files))
	for i, f := range files {
		in[i] = Incoming{Path: f.Path, ReceivedAt: f.ModTime}
	}
	return s.Ingest(ctx, id, in, progress)
}

// IngestFiles ingests files outside the inbox.
func (s *Service) IngestFiles(ctx context.Context, id review.CycleID, paths []string, progress Progress) (*IngestResult, error) {
	in := make([]Incoming, len(paths))
	for i, p := range paths {
		in[i] = Incoming{Path: p, ReceivedAt: s.now()}
		if info, err := os.Stat(p); err == nil {
			in[i].ReceivedAt = info.ModTime()
		}
	}
	return s.Ingest(ctx, id, in, progress)
}

// Ingest verifies returned worksheets and journals them. Per-file problems
// are journaled and reported in the result; the error is only set when the
// run itself could not continue.
func (s *Service) Ingest(ctx context.Context, id review.CycleID, files []Incoming, progress Progress) (*IngestResult, error) {
	defer s.lock(id)()

	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.State.AcceptsResponses() {
		if c.State.Terminal() {
			return nil, review.NewError(review.ErrCycleNotOpen, id.String(), "cycle %s is %s", id, c.State)
		}
		return nil, review.NewError(review.ErrIllegalTransition, id.String(), "responses not accepted while cycle is %s", c.State)
	}

	files = append([]Incoming(nil), files...)
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ReceivedAt.Equal(files[j].ReceivedAt) {
			return files[i].ReceivedAt.Before(files[j].ReceivedAt)
		}
		return files[i].Path < files[j].Path
	})

	parsed := s.parseAll(ctx, files)

	res := &IngestResult{CycleID: id}
	for i, p := range parsed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		progress.report(i, len(parsed), "ingesting "+p.in.Path)

		fr, err := s.apply(ctx, c, p)
		if err != nil {
			return res, err
		}
		res.Files = append(res.Files, fr)
		if fr.Seq > 0 {
			if c, err = s.journal.Replay(ctx, id); err != nil {
				return res, err
			}
		}
	}
	progress.report(len(parsed), len(parsed), "ingest finished")
	return res, nil
}

// =============================================================================
// PARSE
// =============================================================================

type parsed struct {
	in         Incoming
	responseID string
	returned   *sheet.Returned
	err        error
	timedOut   bool
}

func (s *Service) parseAll(ctx context.Context, files []Incoming) []parsed {
	out := make([]parsed, len(files))
	var g errgroup.Group
	g.SetLimit(s.settings.IngestWorkers)
	for i, f := range files {
		g.Go(func() error {
			out[i] = s.parseOne(ctx, f)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// parseOne reads and parses a file within the ingest budget. A file that
// takes longer is abandoned; its goroutine finishes in the background.
func (s *Service) parseOne(ctx context.Context, in Incoming) parsed {
	ctx, cancel := context.WithTimeout(ctx, s.settings.IngestTimeout)
	defer cancel()

	read := s.readFile
	done := make(chan parsed, 1)
	go func() {
		p := parsed{in: in}
		data, err := read(in.Path)
		if err != nil {
			p.err = err
			done <- p
			return
		}
		p.responseID = review.DigestBytes(data)
		p.returned, p.err = sheet.ReadWorksheet(in.Path, data)
		done <- p
	}()

	select {
	case p := <-done:
		return p
	case <-ctx.Done():
		return parsed{in: in, err: ctx.Err(), timedOut: errors.Is(ctx.Err(), context.DeadlineExceeded)}
	}
}

// =============================================================================
// APPLY
// =============================================================================

func (s *Service) apply(ctx context.Context, c *review.Cycle, p parsed) (FileResult, error) {
	fr := FileResult{Path: p.in.Path, ResponseID: p.responseID}
	resp := review.ResponseData{
		ResponseID: p.responseID,
		FilePath:   p.in.Path,
		ReceivedAt: p.in.ReceivedAt.UTC(),
		Late:       p.in.ReceivedAt.After(c.LateAfter),
	}
	fr.Late = resp.Late

	if p.timedOut {
		resp.Code = review.CodeIngestTimeout
		resp.Message = fmt.Sprintf("not parsed within %s", s.settings.IngestTimeout)
		return s.reject(ctx, c, "", resp, fr, OutcomeTimeout)
	}
	if p.err != nil && p.responseID == "" {
		if ctx.Err() != nil {
			return fr, ctx.Err()
		}
		fr.Outcome = OutcomeUnreadable
		fr.Message = p.err.Error()
		fr.Err = p.err
		s.logger.Warn("returned file unreadable", zap.Stringer("cycle_id", c.ID), zap.String("path", p.in.Path), zap.Error(p.err))
		return fr, nil
	}
	if c.HasKey(review.ResponseKey(p.responseID)) {
		fr.Outcome = OutcomeDuplicate
		return fr, nil
	}
	if p.err != nil {
		resp.Code = review.CodeOf(p.err)
		if resp.Code == "" {
			resp.Code = review.CodeUnidentifiedResponse
		}
		resp.Message = p.err.Error()
		return s.reject(ctx, c, "", resp, fr, OutcomeRejected)
	}

	meta := p.returned.Meta
	w := c.Worksheet(meta.WorksheetID)
	switch {
	case meta.CycleID != c.ID:
		resp.Code = review.CodeUnidentifiedResponse
		resp.Message = fmt.Sprintf("worksheet belongs to cycle %s, not %s", meta.CycleID, c.ID)
		return s.reject(ctx, c, "", resp, fr, OutcomeRejected)
	case w == nil:
		resp.Code = review.CodeUnidentifiedResponse
		resp.Message = fmt.Sprintf("worksheet %s is not part of cycle %s", meta.WorksheetID, c.ID)
		return s.reject(ctx, c, "", resp, fr, OutcomeRejected)
	case w.ReviewerID != meta.ReviewerID:
		resp.Code = review.CodeUnidentifiedResponse
		resp.Message = fmt.Sprintf("worksheet %s belongs to %s, file names %s", w.ID, w.ReviewerID, meta.ReviewerID)
		return s.reject(ctx, c, w.ID, resp, fr, OutcomeRejected)
	}
	fr.WorksheetID = w.ID

	switch {
	case w.State == review.WorksheetDraft || (w.State == review.WorksheetFailed && (w.FailureKind == review.FailureSend || w.FailureKind == review.FailureAborted)):
		resp.Code = review.CodeIllegalTransition
		resp.Message = fmt.Sprintf("worksheet %s was never delivered (%s)", w.ID, w.State)
		return s.reject(ctx, c, w.ID, resp, fr, OutcomeRejected)
	case w.State == review.WorksheetReconciled || w.State == review.WorksheetFailed:
		resp.Message = fmt.Sprintf("worksheet %s is already %s", w.ID, w.State)
		return s.supersede(ctx, c, w.ID, resp, fr)
	case w.Response != nil && newer(w.Response, resp):
		resp.SupersededBy = w.Response.ID
		resp.Message = "a later response is already applied"
		return s.supersede(ctx, c, w.ID, resp, fr)
	case w.Response != nil:
		resp.Supersedes = w.Response.ID
	}

	resp.Expected = w.SheetFingerprint
	decisions, actual, intact := verify(c, w, p.returned)
	resp.Actual = actual
	if intact && meta.SheetFingerprint != w.SheetFingerprint {
		resp.Actual, intact = meta.SheetFingerprint, false
	}
	if !intact {
		resp.Tampered = true
		resp.Code = review.CodeTamperedWorksheet
		resp.Message = "rows do not match the distributed worksheet"
		decisions = nil
	} else {
		for i := range decisions {
			s.decide(&decisions[i], resp, p.returned.Signature, &fr)
		}
	}

	seq, err := s.journal.RecordReceived(ctx, c.ID, w.ID, resp, decisions)
	if review.IsDuplicate(err) {
		fr.Outcome = OutcomeDuplicate
		return fr, nil
	}
	if err != nil {
		return fr, err
	}
	fr.Seq = seq
	if resp.Tampered {
		fr.Outcome = OutcomeTampered
		fr.Code = resp.Code
		fr.Message = resp.Message
		fr.Err = review.NewError(review.ErrTamperedWorksheet, string(w.ID), "expected sheet fingerprint %s, got %s", resp.Expected, resp.Actual).WithSeq(seq)
		s.logger.Warn("tampered worksheet",
			zap.Stringer("cycle_id", c.ID),
			zap.Int64("seq", seq),
			zap.String("worksheet_id", string(w.ID)),
			zap.String("path", p.in.Path))
		return fr, nil
	}
	fr.Outcome = OutcomeAccepted
	s.logged(c.ID, seq, review.EventResponseReceived, w.ID,
		zap.String("path", p.in.Path),
		zap.Int("decisions", len(decisions)),
		zap.Bool("late", resp.Late))
	return fr, nil
}

// newer reports whether the active response arrived after the incoming one.
func newer(active *review.Response, incoming review.ResponseData) bool {
	if !active.ReceivedAt.Equal(incoming.ReceivedAt) {
		return active.ReceivedAt.After(incoming.ReceivedAt)
	}
	return active.FilePath > incoming.FilePath
}

// verify recomputes the sheet fingerprint of the returned rows. Rows are put
// back into partition order first, so sorting the sheet is not tampering.
func verify(c *review.Cycle, w *review.Worksheet, ret *sheet.Returned) ([]review.Decision, string, bool) {
	type returned struct {
		row           review.EntitlementRow
		verdict       string
		justification string
	}
	rows := make([]returned, 0, len(ret.Rows))
	for _, r := range ret.Rows {
		row, err := review.NormalizeRow(r.Row)
		if err != nil {
			return nil, "", false
		}
		rows = append(rows, returned{row: row, verdict: r.Verdict, justification: r.Justification})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].row.Less(rows[j].row) })

	fps := make([]string, len(rows))
	decisions := make([]review.Decision, len(rows))
	for i, r := range rows {
		fp, err := review.RowFingerprint(r.row)
		if err != nil {
			return nil, "", false
		}
		fps[i] = fp
		decisions[i] = review.Decision{
			RowFingerprint: fp,
			RawVerdict:     r.verdict,
			Justification:  r.justification,
		}
	}
	actual := review.SheetFingerprint(c.ID, w.ReviewerID, fps)
	return decisions, actual, actual == w.SheetFingerprint
}

func (s *Service) decide(d *review.Decision, resp review.ResponseData, signature string, fr *FileResult) {
	raw := d.RawVerdict
	v, valid := review.ParseVerdict(raw, s.settings.Vocabulary)
	d.Verdict = v
	d.ReceivedAt = resp.ReceivedAt
	d.ResponseID = resp.ResponseID
	d.ReviewerSignature = signature
	if valid {
		d.RawVerdict = ""
	} else {
		d.Flags = append(d.Flags, review.FlagInvalidVerdict)
		fr.InvalidVerdicts++
	}
	if runes := []rune(d.Justification); len(runes) > s.settings.MaxJustificationChars {
		d.Justification = string(runes[:s.settings.MaxJustificationChars])
		d.Flags = append(d.Flags, review.FlagTruncated)
		fr.Truncated++
	}
}

func (s *Service) reject(ctx context.Context, c *review.Cycle, wid review.WorksheetID, resp review.ResponseData, fr FileResult, outcome Outcome) (FileResult, error) {
	seq, err := s.journal.RecordRejected(ctx, c.ID, wid, resp)
	if review.IsDuplicate(err) {
		fr.Outcome = OutcomeDuplicate
		return fr, nil
	}
	if err != nil {
		return fr, err
	}
	fr.Outcome = outcome
	fr.Code = resp.Code
	fr.Message = resp.Message
	fr.Seq = seq
	fr.WorksheetID = wid
	kind := review.ErrUnidentifiedResponse
	switch resp.Code {
	case review.CodeIngestTimeout:
		kind = review.ErrIngestTimeout
	case review.CodeIllegalTransition:
		kind = review.ErrIllegalTransition
	}
	fr.Err = review.NewError(kind, resp.FilePath, "%s", resp.Message).WithSeq(seq)
	s.logger.Warn("response rejected",
		zap.Stringer("cycle_id", c.ID),
		zap.Int64("seq", seq),
		zap.String("path", resp.FilePath),
		zap.String("code", string(resp.Code)),
		zap.String("reason", resp.Message))
	return fr, nil
}

func (s *Service) supersede(ctx context.Context, c *review.Cycle, wid review.WorksheetID, resp review.ResponseData, fr FileResult) (FileResult, error) {
	seq, err := s.journal.RecordSuperseded(ctx, c.ID, wid, resp)
	if review.IsDuplicate(err) {
		fr.Outcome = OutcomeDuplicate
		return fr, nil
	}
	if err != nil {
		return fr, err
	}
	fr.Outcome = OutcomeSuperseded
	fr.Message = resp.Message
	fr.Seq = seq
	s.logged(c.ID, seq, review.EventResponseSuperseded, wid, zap.String("path", resp.FilePath), zap.String("reason", resp.Message))
	return fr, nil
}
