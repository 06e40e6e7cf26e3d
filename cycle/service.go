/*
Package cycle drives review cycles: it is the only code that advances a
cycle, and it does so exclusively by appending to the journal.

RESPONSIBILITIES:
  - Open: snapshot the master export, validate and journal the cycle
  - Distribute: materialize worksheets and hand them to the mail transport
  - Ingest: verify returned worksheets and journal their decisions
  - Reconcile and Close: settle received worksheets, write the rollup

SINGLE WRITER:
  Every state-advancing call takes a per-cycle lock for its whole
  duration. Reads (Status, Rollup, Events) replay the journal and need no
  lock.

RESUMING:
  Nothing is kept in memory between calls. A Service started after a crash
  replays the journal and continues with what is still Draft, so a
  worksheet that was journaled as sent is never sent again.
*/
package cycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/mail"
	"github.com/warp/access-review/review"
	"github.com/warp/access-review/sheet"
)

// Options configures a Service.
type Options struct {
	Journal   *review.DefaultJournal
	Layout    layout.Layout
	Transport mail.Transport
	Settings  Settings
	Logger    *zap.Logger
	Now       func() time.Time
}

// Service runs cycle operations against one journal and one filesystem root.
type Service struct {
	journal   *review.DefaultJournal
	layout    layout.Layout
	transport mail.Transport
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
	templates *templates

	// readFile is swapped in tests to simulate slow files.
	readFile func(string) ([]byte, error)

	mu    sync.Mutex
	locks map[review.CycleID]*sync.Mutex
}

func NewService(opts Options) (*Service, error) {
	if opts.Journal == nil {
		return nil, errors.New("cycle: journal is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("cycle: mail transport is required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := parseTemplates(opts.Settings.SubjectTemplate, opts.Settings.BodyTemplate)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	} else {
		opts.Journal.Now = now
	}
	return &Service{
		journal:   opts.Journal,
		layout:    opts.Layout,
		transport: opts.Transport,
		settings:  opts.Settings,
		logger:    logger,
		now:       now,
		templates: tmpl,
		readFile:  os.ReadFile,
		locks:     make(map[review.CycleID]*sync.Mutex),
	}, nil
}

// Settings returns the settings the service was built with.
func (s *Service) Settings() Settings { return s.settings }

// Layout returns the filesystem layout of the service.
func (s *Service) Layout() layout.Layout { return s.layout }

func (s *Service) lock(id review.CycleID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Service) logged(id review.CycleID, seq int64, typ review.EventType, wid review.WorksheetID, fields ...zap.Field) {
	fields = append([]zap.Field{
		zap.Stringer("cycle_id", id),
		zap.Int64("seq", seq),
		zap.String("type", string(typ)),
	}, fields...)
	if wid != "" {
		fields = append(fields, zap.String("worksheet_id", string(wid)))
	}
	s.logger.Info("journaled", fields...)
}

// =============================================================================
// OPEN
// =============================================================================

// OpenRequest describes a new cycle.
type OpenRequest struct {
	MasterPath string
	Supersedes review.CycleID // zero for a full cycle
	Actor      string
}

// Open validates the master export against the roster, journals the new
// cycle and its partition. Input errors leave the journal untouched.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*review.Cycle, error) {
	roster, err := s.loadRoster()
	if err != nil {
		return nil, err
	}
	set, err := sheet.LoadMaster(req.MasterPath, roster)
	if err != nil {
		return nil, err
	}
	if req.Supersedes != 0 {
		drift, err := s.drift(ctx, req.Supersedes, set)
		if err != nil {
			return nil, err
		}
		rows := append(append([]review.EntitlementRow(nil), drift.Added...), drift.Changed...)
		if set, err = review.SetFromRows(rows, set.Columns); err != nil {
			return nil, err
		}
	}

	opened := s.now()
	prepare := func(id review.CycleID) (*review.OpenedData, error) {
		// Partition failures are input errors and must surface before
		// anything is written.
		if _, err := review.PartitionRows(review.PartitionInput{
			CycleID:     id,
			Set:         set,
			Roster:      roster,
			DelegateMap: s.settings.DelegateMap,
		}); err != nil {
			return nil, err
		}
		if err := s.layout.Ensure(id); err != nil {
			return nil, err
		}
		digest, err := s.layout.SnapshotMaster(id, req.MasterPath)
		if err != nil {
			return nil, fmt.Errorf("snapshot master export: %w", err)
		}
		due := s.settings.DueAt(opened)
		return &review.OpenedData{
			SupersedesID: req.Supersedes,
			DueAt:        due,
			LateAfter:    s.settings.LateAfter(due),
			MasterPath:   req.MasterPath,
			MasterDigest: digest,
			Columns:      set.Columns,
			Rows:         set.Rows,
			Fingerprints: set.Fingerprints,
			Roster:       roster.Reviewers(),
			DelegateMap:  s.settings.DelegateMap,
		}, nil
	}

	id, err := s.journal.OpenCycle(ctx, req.Actor, prepare)
	if err != nil {
		return nil, err
	}
	s.logged(id, 1, review.EventCycleOpened, "", zap.Int("rows", set.Len()), zap.String("master", req.MasterPath))

	defer s.lock(id)()
	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.partition(ctx, c, req.Actor); err != nil {
		return nil, err
	}
	return s.journal.Replay(ctx, id)
}

// Diff reports what changed in masterPath since cycle supersedes.
func (s *Service) Diff(ctx context.Context, supersedes review.CycleID, masterPath string) (review.Drift, error) {
	roster, err := s.loadRoster()
	if err != nil {
		return review.Drift{}, err
	}
	set, err := sheet.LoadMaster(masterPath, roster)
	if err != nil {
		return review.Drift{}, err
	}
	prev, err := s.journal.Replay(ctx, supersedes)
	if err != nil {
		return review.Drift{}, err
	}
	prevSet, err := prev.EntitlementSet()
	if err != nil {
		return review.Drift{}, err
	}
	return review.Diff(prevSet, set), nil
}

func (s *Service) drift(ctx context.Context, supersedes review.CycleID, set *review.EntitlementSet) (review.Drift, error) {
	prev, err := s.journal.Replay(ctx, supersedes)
	if err != nil {
		return review.Drift{}, err
	}
	prevSet, err := prev.EntitlementSet()
	if err != nil {
		return review.Drift{}, err
	}
	d := review.Diff(prevSet, set)
	if d.Empty() {
		return d, review.NewError(review.ErrNoDrift, supersedes.String(), "nothing was added or changed since cycle %s", supersedes)
	}
	return d, nil
}

func (s *Service) loadRoster() (*review.Roster, error) {
	data, err := os.ReadFile(s.layout.Roster())
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return review.ParseRoster(data)
}

// partition journals the partition of an Open cycle. The partition is
// recomputed from the journaled inputs so a cycle opened before a crash
// partitions the same way after it.
func (s *Service) partition(ctx context.Context, c *review.Cycle, actor string) error {
	p, err := c.Partition()
	if err != nil {
		return err
	}
	seq, err := s.journal.RecordPartition(ctx, c.ID, p, actor)
	if err != nil {
		return err
	}
	s.logged(c.ID, seq, review.EventPartitionRecorded, "",
		zap.Int("worksheets", len(p.Worksheets)),
		zap.Int("no_action", len(p.NoAction)),
		zap.Int("delegations", len(p.Delegations)))
	return nil
}

// =============================================================================
// DISTRIBUTE
// =============================================================================

// SendOutcome is the result of one send attempt.
type SendOutcome struct {
	WorksheetID review.WorksheetID `json:"worksheet_id"`
	Recipient   string             `json:"recipient"`
	MessageID   string             `json:"message_id,omitempty"`
	Code        string             `json:"code,omitempty"`
	Message     string             `json:"message,omitempty"`
	Seq         int64              `json:"seq"`
}

// Failed reports whether the transport refused the worksheet.
func (o SendOutcome) Failed() bool { return o.Code != "" }

type DistributeResult struct {
	CycleID   review.CycleID    `json:"cycle_id"`
	Sent      []SendOutcome     `json:"sent"`
	Failed    []SendOutcome     `json:"failed,omitempty"`
	Remaining int               `json:"remaining"`
	State     review.CycleState `json:"state"`
}

// Distribute sends every Draft worksheet of the cycle, and with
// resend_requires_operator off also retries send failures once. A
// cancelled context stops after the current worksheet; worksheets not
// reached stay Draft and are sent by the next call.
func (s *Service) Distribute(ctx context.Context, id review.CycleID, actor string, progress Progress) (*DistributeResult, error) {
	defer s.lock(id)()

	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State == review.CycleOpen {
		if err := s.partition(ctx, c, actor); err != nil {
			return nil, err
		}
		if c, err = s.journal.Replay(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := requireSending(c); err != nil {
		return nil, err
	}

	targets := c.WorksheetsIn(review.WorksheetDraft)
	if !s.settings.ResendRequiresOperator {
		for _, w := range c.WorksheetsIn(review.WorksheetFailed) {
			if w.Resendable() {
				targets = append(targets, w)
			}
		}
	}

	res := &DistributeResult{CycleID: id}
	for i, w := range targets {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(targets) - i
			res.State = c.State
			return res, err
		}
		progress.report(i, len(targets), "sending "+string(w.ID))

		out, err := s.sendOne(ctx, c, w, actor, w.State == review.WorksheetFailed)
		if err != nil {
			res.Remaining = len(targets) - i
			res.State = c.State
			return res, err
		}
		if out.Failed() {
			res.Failed = append(res.Failed, out)
		} else {
			res.Sent = append(res.Sent, out)
		}
	}
	progress.report(len(targets), len(targets), "distribution finished")

	state, err := s.settle(ctx, id, actor)
	if err != nil {
		return res, err
	}
	res.State = state
	return res, nil
}

// Resend retries one worksheet whose send failed.
func (s *Service) Resend(ctx context.Context, id review.CycleID, wid review.WorksheetID, actor string) (*SendOutcome, error) {
	defer s.lock(id)()

	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireSending(c); err != nil {
		return nil, err
	}
	w := c.Worksheet(wid)
	if w == nil {
		return nil, review.NewError(review.ErrIllegalTransition, string(wid), "worksheet %s is not part of cycle %s", wid, id)
	}
	if !w.Resendable() {
		return nil, review.NewError(review.ErrIllegalTransition, string(wid), "worksheet is %s; only failed sends can be re-sent", w.State)
	}

	out, err := s.sendOne(ctx, c, w, actor, true)
	if err != nil {
		return nil, err
	}
	if _, err := s.settle(ctx, id, actor); err != nil {
		return &out, err
	}
	return &out, nil
}

func requireSending(c *review.Cycle) error {
	switch c.State {
	case review.CycleDistributing, review.CycleCollecting:
		return nil
	case review.CycleClosed, review.CycleAborted:
		return review.NewError(review.ErrCycleNotOpen, c.ID.String(), "cycle %s is %s", c.ID, c.State)
	default:
		return review.NewError(review.ErrIllegalTransition, c.ID.String(), "worksheets cannot be sent while cycle is %s", c.State)
	}
}

// settle moves a distributing cycle to collecting once no Draft is left.
func (s *Service) settle(ctx context.Context, id review.CycleID, actor string) (review.CycleState, error) {
	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return "", err
	}
	if c.State != review.CycleDistributing || len(c.WorksheetsIn(review.WorksheetDraft)) > 0 {
		return c.State, nil
	}
	seq, err := s.journal.Transition(ctx, id, review.CycleCollecting, actor)
	if err != nil {
		return c.State, err
	}
	s.logged(id, seq, review.EventCycleState, "", zap.String("state", string(review.CycleCollecting)))
	return review.CycleCollecting, nil
}

// sendOne materializes w if needed and hands it to the transport. Transport
// failures are journaled and reported in the outcome; the returned error is
// only set for cancellation and journal failures.
func (s *Service) sendOne(ctx context.Context, c *review.Cycle, w *review.Worksheet, actor string, resend bool) (SendOutcome, error) {
	out := SendOutcome{WorksheetID: w.ID, Recipient: w.RecipientEmail}

	path, err := s.materialize(ctx, c, w)
	if err != nil {
		return out, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read worksheet %s: %w", w.ID, err)
	}

	send := review.SendData{Recipient: w.RecipientEmail, Resend: resend}
	msg, err := s.message(c, w, filepath.Base(path), data)
	if err == nil {
		out.MessageID, err = s.transport.Send(ctx, msg)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Never acknowledged: the worksheet stays as it was and the
			// next distribution picks it up again.
			s.logger.Warn("send cancelled", zap.Stringer("cycle_id", c.ID), zap.String("worksheet_id", string(w.ID)), zap.Error(err))
			return out, err
		}
		send.Code = mail.ErrorCode(err)
		send.Message = err.Error()
		seq, jerr := s.journal.RecordSendFailure(ctx, c.ID, w.ID, send, actor)
		if jerr != nil {
			return out, jerr
		}
		s.logger.Warn("send failed",
			zap.Stringer("cycle_id", c.ID),
			zap.Int64("seq", seq),
			zap.String("worksheet_id", string(w.ID)),
			zap.String("code", send.Code),
			zap.Error(err))
		out.Code, out.Message, out.Seq = send.Code, send.Message, seq
		return out, nil
	}

	// The transport accepted the message; record it even if the caller
	// gave up meanwhile.
	send.MessageID = out.MessageID
	seq, err := s.journal.RecordSent(context.WithoutCancel(ctx), c.ID, w.ID, send, actor)
	if err != nil {
		return out, err
	}
	s.logged(c.ID, seq, review.EventWorksheetSent, w.ID, zap.String("recipient", w.RecipientEmail), zap.String("message_id", out.MessageID))
	out.Seq = seq
	return out, nil
}

// materialize writes the worksheet file unless it already exists and
// journals its path the first time.
func (s *Service) materialize(ctx context.Context, c *review.Cycle, w *review.Worksheet) (string, error) {
	path := s.layout.Worksheet(c.ID, w.ID)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		file, err := s.worksheetFile(c, w)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := layout.WriteFileAtomic(path, 0o644, func(out io.Writer) error {
			return sheet.WriteWorksheet(out, file)
		}); err != nil {
			return "", fmt.Errorf("materialize worksheet %s: %w", w.ID, err)
		}
	} else if err != nil {
		return "", err
	}

	if w.FilePath == "" {
		seq, err := s.journal.RecordMaterialized(ctx, c.ID, w.ID, path)
		if err != nil {
			return "", err
		}
		w.FilePath = path
		s.logged(c.ID, seq, review.EventWorksheetMaterialized, w.ID, zap.String("path", path))
	}
	return path, nil
}

func (s *Service) worksheetFile(c *review.Cycle, w *review.Worksheet) (sheet.WorksheetFile, error) {
	rows := make([]review.EntitlementRow, 0, len(w.RowFingerprints))
	for _, fp := range w.RowFingerprints {
		row, ok := c.Row(fp)
		if !ok {
			return sheet.WorksheetFile{}, review.NewError(review.ErrIllegalTransition, string(w.ID), "row %s is not in the cycle", fp)
		}
		rows = append(rows, row)
	}
	return sheet.WorksheetFile{
		Meta: sheet.Meta{
			CycleID:          c.ID,
			WorksheetID:      w.ID,
			ReviewerID:       w.ReviewerID,
			DelegateID:       w.DelegateID,
			SheetFingerprint: w.SheetFingerprint,
			DueAt:            c.DueAt,
		},
		Columns:    c.Columns,
		Rows:       rows,
		Vocabulary: s.settings.Vocabulary,
	}, nil
}

func (s *Service) message(c *review.Cycle, w *review.Worksheet, name string, data []byte) (mail.Message, error) {
	vocab := make([]string, len(s.settings.Vocabulary))
	for i, v := range s.settings.Vocabulary {
		vocab[i] = string(v)
	}
	due := c.DueAt.In(s.settings.Location)
	subject, body, err := s.templates.render(MailData{
		CycleID:       c.ID,
		WorksheetID:   w.ID,
		ReviewerID:    w.ReviewerID,
		DelegateID:    w.DelegateID,
		Delegated:     w.DelegateID != "",
		RecipientName: w.RecipientName,
		Rows:          len(w.RowFingerprints),
		DueAt:         due,
		DueDate:       due.Format("Monday 2 January 2006"),
		TimeZone:      s.settings.Location.String(),
		Vocabulary:    strings.Join(vocab, ", "),
	})
	if err != nil {
		return mail.Message{}, &mail.SendError{Code: mail.CodeInvalid, Message: "render mail template", Err: err}
	}
	return mail.Message{
		To:      w.RecipientEmail,
		ToName:  w.RecipientName,
		Subject: subject,
		Body:    body,
		Attachments: []mail.Attachment{{
			Name:        name,
			ContentType: sheet.ContentType,
			Data:        data,
		}},
	}, nil
}

// =============================================================================
// RECONCILE & CLOSE
// =============================================================================

// Reconcile moves the cycle to Reconciling, settles every Received
// worksheet and returns the rollup. On a terminal cycle it only computes
// the rollup.
func (s *Service) Reconcile(ctx context.Context, id review.CycleID, actor string) (*review.Rollup, error) {
	defer s.lock(id)()
	c, err := s.reconcileLocked(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return review.Reconcile(c)
}

func (s *Service) reconcileLocked(ctx context.Context, id review.CycleID, actor string) (*review.Cycle, error) {
	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.State {
	case review.CycleClosed, review.CycleAborted:
		return c, nil
	case review.CycleOpen:
		return nil, review.NewError(review.ErrIllegalTransition, id.String(), "cycle %s has not been distributed", id)
	case review.CycleDistributing, review.CycleCollecting:
		seq, err := s.journal.Transition(ctx, id, review.CycleReconciling, actor)
		if err != nil {
			return nil, err
		}
		s.logged(id, seq, review.EventCycleState, "", zap.String("state", string(review.CycleReconciling)))
		if c, err = s.journal.Replay(ctx, id); err != nil {
			return nil, err
		}
	}

	for _, w := range c.WorksheetsIn(review.WorksheetReceived) {
		if err := review.CheckWorksheet(c, w); err != nil {
			seq, jerr := s.journal.RecordReconcileFailure(ctx, id, w.ID, err.Error())
			if jerr != nil {
				return nil, jerr
			}
			s.logger.Warn("worksheet failed reconciliation",
				zap.Stringer("cycle_id", id),
				zap.Int64("seq", seq),
				zap.String("worksheet_id", string(w.ID)),
				zap.Error(err))
			continue
		}
		seq, err := s.journal.RecordReconciled(ctx, id, w.ID)
		if err != nil {
			return nil, err
		}
		s.logged(id, seq, review.EventWorksheetReconciled, w.ID)
	}
	return s.journal.Replay(ctx, id)
}

type CloseResult struct {
	Rollup *review.Rollup
	Path   string
}

// Close reconciles what is left, journals cycle_closed and writes
// rollup.xlsx.
func (s *Service) Close(ctx context.Context, id review.CycleID, actor string) (*CloseResult, error) {
	defer s.lock(id)()

	c, err := s.reconcileLocked(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if c.State.Terminal() {
		return nil, review.NewError(review.ErrCycleNotOpen, id.String(), "cycle %s is already %s", id, c.State)
	}
	seq, err := s.journal.CloseCycle(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	s.logged(id, seq, review.EventCycleClosed, "")

	path, rollup, err := s.exportRollup(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CloseResult{Rollup: rollup, Path: path}, nil
}

// Abort ends a cycle without a rollup. Draft worksheets become Failed.
func (s *Service) Abort(ctx context.Context, id review.CycleID, actor, reason string) error {
	defer s.lock(id)()
	seq, err := s.journal.AbortCycle(ctx, id, actor, reason)
	if err != nil {
		return err
	}
	s.logged(id, seq, review.EventCycleAborted, "", zap.String("reason", reason))
	return nil
}

// Rollup computes the rollup of the cycle as journaled right now.
func (s *Service) Rollup(ctx context.Context, id review.CycleID) (*review.Rollup, error) {
	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	return review.Reconcile(c)
}

// WriteRollup renders the current rollup as a spreadsheet to w.
func (s *Service) WriteRollup(ctx context.Context, id review.CycleID, w io.Writer) error {
	r, err := s.Rollup(ctx, id)
	if err != nil {
		return err
	}
	return sheet.WriteRollup(w, r)
}

// ExportRollup rewrites rollup.xlsx of the cycle from the journal.
func (s *Service) ExportRollup(ctx context.Context, id review.CycleID) (string, *review.Rollup, error) {
	defer s.lock(id)()
	return s.exportRollup(ctx, id)
}

func (s *Service) exportRollup(ctx context.Context, id review.CycleID) (string, *review.Rollup, error) {
	r, err := s.Rollup(ctx, id)
	if err != nil {
		return "", nil, err
	}
	path := s.layout.Rollup(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, err
	}
	if err := layout.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		return sheet.WriteRollup(w, r)
	}); err != nil {
		return "", nil, fmt.Errorf("write rollup of cycle %s: %w", id, err)
	}

	if exports, ok := s.journal.Store.(review.ExportLog); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, err
		}
		if err := exports.RecordExport(ctx, review.Export{
			CycleID: id,
			AsOfSeq: r.AsOfSeq,
			Path:    path,
			Digest:  review.DigestBytes(data),
			At:      s.now().UTC(),
		}); err != nil {
			return "", nil, fmt.Errorf("record rollup export: %w", err)
		}
	}
	s.logger.Info("rollup written",
		zap.Stringer("cycle_id", id),
		zap.Int64("as_of_seq", r.AsOfSeq),
		zap.String("path", path),
		zap.Int("rows", len(r.Rows)))
	return path, r, nil
}

// =============================================================================
// STATUS
// =============================================================================

type WorksheetStatus struct {
	ID            review.WorksheetID    `json:"id"`
	ReviewerID    string                `json:"reviewer_id"`
	DelegateID    string                `json:"delegate_id,omitempty"`
	Recipient     string                `json:"recipient"`
	Rows          int                   `json:"rows"`
	State         review.WorksheetState `json:"state"`
	FailureKind   review.FailureKind    `json:"failure_kind,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
	SendAttempts  int                   `json:"send_attempts"`
	SentAt        *time.Time            `json:"sent_at,omitempty"`
	ReceivedAt    *time.Time            `json:"received_at,omitempty"`
	Late          bool                  `json:"late,omitempty"`
}

type Status struct {
	CycleID      review.CycleID                `json:"cycle_id"`
	SupersedesID review.CycleID                `json:"supersedes_id,omitempty"`
	State        review.CycleState             `json:"state"`
	OpenedAt     time.Time                     `json:"opened_at"`
	DueAt        time.Time                     `json:"due_at"`
	ClosedAt     *time.Time                    `json:"closed_at,omitempty"`
	LastSeq      int64                         `json:"last_seq"`
	Rows         int                           `json:"rows"`
	Counts       map[review.WorksheetState]int `json:"counts"`
	Awaiting     []review.WorksheetID          `json:"awaiting,omitempty"`
	Drafts       []review.WorksheetID          `json:"drafts,omitempty"`
	NoAction     []string                      `json:"no_action,omitempty"`
	Worksheets   []WorksheetStatus             `json:"worksheets"`
}

func (s *Service) Status(ctx context.Context, id review.CycleID) (*Status, error) {
	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	return StatusOf(c), nil
}

// StatusOf summarizes a replayed cycle.
func StatusOf(c *review.Cycle) *Status {
	st := &Status{
		CycleID:      c.ID,
		SupersedesID: c.SupersedesID,
		State:        c.State,
		OpenedAt:     c.OpenedAt,
		DueAt:        c.DueAt,
		ClosedAt:     c.ClosedAt,
		LastSeq:      c.LastSeq,
		Rows:         len(c.Rows),
		Counts:       make(map[review.WorksheetState]int),
		NoAction:     c.NoAction,
		Worksheets:   make([]WorksheetStatus, 0, len(c.Order)),
	}
	for _, w := range c.WorksheetList() {
		ws := WorksheetStatus{
			ID:            w.ID,
			ReviewerID:    w.ReviewerID,
			DelegateID:    w.DelegateID,
			Recipient:     w.RecipientEmail,
			Rows:          len(w.RowFingerprints),
			State:         w.State,
			FailureKind:   w.FailureKind,
			FailureReason: w.FailureReason,
			SendAttempts:  w.SendAttempts,
			SentAt:        w.SentAt,
		}
		if w.Response != nil {
			at := w.Response.ReceivedAt
			ws.ReceivedAt = &at
			ws.Late = w.Response.Late
		}
		st.Counts[w.State]++
		switch {
		case w.Awaiting():
			st.Awaiting = append(st.Awaiting, w.ID)
		case w.State == review.WorksheetDraft:
			st.Drafts = append(st.Drafts, w.ID)
		}
		st.Worksheets = append(st.Worksheets, ws)
	}
	return st
}

// Cycles lists the status of every journaled cycle, oldest first.
func (s *Service) Cycles(ctx context.Context) ([]*Status, error) {
	ids, err := s.journal.Cycles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(ids))
	for _, id := range ids {
		st, err := s.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Current returns the cycle that is not terminal, or CycleNotOpen.
func (s *Service) Current(ctx context.Context) (*review.Cycle, error) {
	return s.journal.Current(ctx)
}

// Cycle replays one cycle.
func (s *Service) Cycle(ctx context.Context, id review.CycleID) (*review.Cycle, error) {
	return s.journal.Replay(ctx, id)
}

// Events returns the journal of a cycle.
func (s *Service) Events(ctx context.Context, id review.CycleID) ([]review.Event, error) {
	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Events, nil
}

// Resume replays every cycle that is not terminal, finishes a partition
// interrupted by a crash, and reports what is still outstanding.
func (s *Service) Resume(ctx context.Context) ([]*Status, error) {
	ids, err := s.journal.Cycles(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Status
	for _, id := range ids {
		st, err := s.resume(ctx, id)
		if err != nil {
			return out, err
		}
		if st != nil {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Service) resume(ctx context.Context, id review.CycleID) (*Status, error) {
	defer s.lock(id)()

	c, err := s.journal.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State.Terminal() {
		return nil, nil
	}
	if c.State == review.CycleOpen {
		if err := s.partition(ctx, c, "resume"); err != nil {
			return nil, err
		}
		if c, err = s.journal.Replay(ctx, id); err != nil {
			return nil, err
		}
	}
	st := StatusOf(c)
	s.logger.Info("cycle resumed",
		zap.Stringer("cycle_id", id),
		zap.String("state", string(c.State)),
		zap.Int64("last_seq", c.LastSeq),
		zap.Int("awaiting", len(st.Awaiting)),
		zap.Int("drafts", len(st.Drafts)))
	return st, nil
}
