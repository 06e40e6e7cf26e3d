/*
journal.go - Append-only cycle journal

PURPOSE:
  The Journal is the single source of truth for a review cycle. Every
  transition, materialization, send attempt, response and reconciliation
  result is an Event with a monotonic sequence number and a wall-clock
  timestamp. The current Cycle is always the fold of its events.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. TOTALLY ORDERED: seq is 1, 2, 3... per cycle, with no gaps
  3. VALIDATED: an event is folded into the cached cycle before it is
     written, so an illegal transition never reaches the store
  4. IDEMPOTENT: an event key already in the cycle is rejected with
     ErrDuplicateKey (returned files are keyed by content digest)
  5. DURABLE: Store.AppendBatch returns only after the events are flushed

SINGLE WRITER:
  DefaultJournal serializes every append behind one mutex. It keeps a
  folded copy of each cycle it has touched; any failed append evicts
  that copy so the next call replays from the store.

SEE ALSO:
  - replay.go: Folding events into a Cycle
  - store/logfile: journal.log backend
  - store/sqlite: sqlite backend
*/
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// STORE - Persistence of journal events (append-only)
// =============================================================================

// Store persists journal events.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// Append persists one event. Returns ErrDuplicateKey if its key exists.
	Append(ctx context.Context, ev Event) error

	// AppendBatch persists events of one cycle atomically and durably.
	// Either all are written or none are.
	AppendBatch(ctx context.Context, events []Event) error

	// Load returns every event of a cycle ordered by seq.
	Load(ctx context.Context, cycleID CycleID) ([]Event, error)

	// Exists checks whether an idempotency key was journaled in a cycle.
	Exists(ctx context.Context, cycleID CycleID, key string) (bool, error)

	// Cycles returns the ids of every cycle with at least one event, ascending.
	Cycles(ctx context.Context) ([]CycleID, error)
}

// Export records one rollup artifact written for a cycle.
type Export struct {
	CycleID CycleID   `json:"cycle_id"`
	AsOfSeq int64     `json:"as_of_seq"`
	Path    string    `json:"path"`
	Digest  string    `json:"digest"`
	At      time.Time `json:"at"`
}

// ExportLog is implemented by stores that also keep the history of rollup
// exports. It is optional.
type ExportLog interface {
	RecordExport(ctx context.Context, e Export) error
	Exports(ctx context.Context, cycleID CycleID) ([]Export, error)
}

// =============================================================================
// JOURNAL
// =============================================================================

// Journal is the operation set of the cycle journal.
type Journal interface {
	OpenCycle(ctx context.Context, actor string, prepare PrepareFunc) (CycleID, error)
	RecordPartition(ctx context.Context, id CycleID, p *Partition, actor string) (int64, error)
	RecordMaterialized(ctx context.Context, id CycleID, wid WorksheetID, path string) (int64, error)
	RecordSent(ctx context.Context, id CycleID, wid WorksheetID, send SendData, actor string) (int64, error)
	RecordSendFailure(ctx context.Context, id CycleID, wid WorksheetID, send SendData, actor string) (int64, error)
	RecordReceived(ctx context.Context, id CycleID, wid WorksheetID, resp ResponseData, decisions []Decision) (int64, error)
	RecordRejected(ctx context.Context, id CycleID, wid WorksheetID, resp ResponseData) (int64, error)
	RecordSuperseded(ctx context.Context, id CycleID, wid WorksheetID, resp ResponseData) (int64, error)
	Transition(ctx context.Context, id CycleID, to CycleState, actor string) (int64, error)
	RecordReconciled(ctx context.Context, id CycleID, wid WorksheetID) (int64, error)
	RecordReconcileFailure(ctx context.Context, id CycleID, wid WorksheetID, reason string) (int64, error)
	CloseCycle(ctx context.Context, id CycleID, actor string) (int64, error)
	AbortCycle(ctx context.Context, id CycleID, actor, reason string) (int64, error)
	Replay(ctx context.Context, id CycleID) (*Cycle, error)
	Cycles(ctx context.Context) ([]CycleID, error)
}

// PrepareFunc produces the frozen inputs of a new cycle once its id is
// known (for example after copying the master snapshot into place).
type PrepareFunc func(id CycleID) (*OpenedData, error)

// ResponseKey is the idempotency key of a returned file.
func ResponseKey(responseID string) string { return "response:" + responseID }

type DefaultJournal struct {
	Store Store
	Now   func() time.Time

	mu     sync.Mutex
	cycles map[CycleID]*Cycle
}

func NewJournal(store Store) *DefaultJournal {
	return &DefaultJournal{
		Store:  store,
		Now:    time.Now,
		cycles: make(map[CycleID]*Cycle),
	}
}

var _ Journal = (*DefaultJournal)(nil)

// OpenCycle allocates the next cycle id and journals cycle_opened.
// Fails with CycleAlreadyOpen while any other cycle is not terminal.
func (j *DefaultJournal) OpenCycle(ctx context.Context, actor string, prepare PrepareFunc) (CycleID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ids, err := j.Store.Cycles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cycles: %w", err)
	}
	var next CycleID = 1
	for _, id := range ids {
		c, err := j.loadLocked(ctx, id)
		if err != nil {
			return 0, err
		}
		if !c.State.Terminal() {
			return 0, NewError(ErrCycleAlreadyOpen, id.String(), "cycle %s is still %s", id, c.State)
		}
		if id >= next {
			next = id + 1
		}
	}

	opened, err := prepare(next)
	if err != nil {
		return 0, err
	}
	ev := Event{CycleID: next, Type: EventCycleOpened, Actor: actor, Opened: opened}
	if _, err := j.appendLocked(ctx, next, []Event{ev}); err != nil {
		return 0, err
	}
	return next, nil
}

func (j *DefaultJournal) RecordPartition(ctx context.Context, id CycleID, p *Partition, actor string) (int64, error) {
	return j.append(ctx, id, Event{Type: EventPartitionRecorded, Actor: actor, Partition: p})
}

func (j *DefaultJournal) RecordMaterialized(ctx context.Context, id CycleID, wid WorksheetID, path string) (int64, error) {
	return j.append(ctx, id, Event{Type: EventWorksheetMaterialized, WorksheetID: wid, FilePath: path})
}

func (j *DefaultJournal) RecordSent(ctx context.Context, id CycleID, wid WorksheetID, send SendData, actor string) (int64, error) {
	return j.append(ctx, id, Event{Type: EventWorksheetSent, WorksheetID: wid, Actor: actor, Send: &send})
}

func (j *DefaultJournal) RecordSendFailure(ctx context.Context, id CycleID, wid WorksheetID, send SendData, actor string) (int64, error) {
	return j.append(ctx, id, Event{Type: EventSendFailed, WorksheetID: wid, Actor: actor, Send: &send, Reason: send.Message})
}

// RecordReceived journals a response and its decisions as one batch, so a
// crash never leaves a Received worksheet with half of its decisions.
func (j *DefaultJournal) RecordReceived(ctx context.Context, id CycleID, wid WorksheetID, resp ResponseData, decisions []Decision) (int64, error) {
	events := make([]Event, 0, len(decisions)+1)
	events = append(events, Event{
		Type:        EventResponseReceived,
		WorksheetID: wid,
		Key:         ResponseKey(resp.ResponseID),
		Response:    &resp,
	})
	for i := range decisions {
		d := decisions[i]
		events = append(events, Event{Type: EventDecisionRecorded, WorksheetID: wid, Decision: &d})
	}
	return j.append(ctx, id, events...)
}

// RecordRejected journals a response that could not be applied. Responses
// without an id (files that could not be read in time) are not keyed, so
// the same file may be tried again.
func (j *DefaultJournal) RecordRejected(ctx context.Context, id CycleID, wid WorksheetID, resp ResponseData) (int64, error) {
	ev := Event{
		Type:        EventResponseRejected,
		WorksheetID: wid,
		Response:    &resp,
		Reason:      resp.Message,
	}
	if resp.ResponseID != "" {
		ev.Key = ResponseKey(resp.ResponseID)
	}
	return j.append(ctx, id, ev)
}

func (j *DefaultJournal) RecordSuperseded(ctx context.Context, id CycleID, wid WorksheetID, resp ResponseData) (int64, error) {
	return j.append(ctx, id, Event{
		Type:        EventResponseSuperseded,
		WorksheetID: wid,
		Key:         ResponseKey(resp.ResponseID),
		Response:    &resp,
	})
}

func (j *DefaultJournal) Transition(ctx context.Context, id CycleID, to CycleState, actor string) (int64, error) {
	return j.append(ctx, id, Event{Type: EventCycleState, State: to, Actor: actor})
}

func (j *DefaultJournal) RecordReconciled(ctx context.Context, id CycleID, wid WorksheetID) (int64, error) {
	return j.append(ctx, id, Event{Type: EventWorksheetReconciled, WorksheetID: wid})
}

func (j *DefaultJournal) RecordReconcileFailure(ctx context.Context, id CycleID, wid WorksheetID, reason string) (int64, error) {
	return j.append(ctx, id, Event{Type: EventWorksheetFailed, WorksheetID: wid, Reason: reason})
}

func (j *DefaultJournal) CloseCycle(ctx context.Context, id CycleID, actor string) (int64, error) {
	return j.append(ctx, id, Event{Type: EventCycleClosed, State: CycleClosed, Actor: actor})
}

func (j *DefaultJournal) AbortCycle(ctx context.Context, id CycleID, actor, reason string) (int64, error) {
	return j.append(ctx, id, Event{Type: EventCycleAborted, State: CycleAborted, Actor: actor, Reason: reason})
}

// Replay folds the stored events of a cycle into a fresh Cycle. The result
// is owned by the caller.
func (j *DefaultJournal) Replay(ctx context.Context, id CycleID) (*Cycle, error) {
	events, err := j.Store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load cycle %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoSuchCycle, NewError(ErrCycleNotOpen, id.String(), "cycle %s does not exist", id))
	}
	return Fold(events)
}

func (j *DefaultJournal) Cycles(ctx context.Context) ([]CycleID, error) {
	return j.Store.Cycles(ctx)
}

// Current returns the one non-terminal cycle, or CycleNotOpen.
func (j *DefaultJournal) Current(ctx context.Context) (*Cycle, error) {
	ids, err := j.Store.Cycles(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		c, err := j.Replay(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if !c.State.Terminal() {
			return c, nil
		}
	}
	return nil, NewError(ErrCycleNotOpen, "", "no cycle is open")
}

// =============================================================================
// WRITE PATH
// =============================================================================

func (j *DefaultJournal) append(ctx context.Context, id CycleID, events ...Event) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(ctx, id, events)
}

func (j *DefaultJournal) appendLocked(ctx context.Context, id CycleID, events []Event) (int64, error) {
	c := j.cycles[id]
	if c == nil {
		if events[0].Type == EventCycleOpened {
			c = &Cycle{}
		} else {
			var err error
			if c, err = j.loadLocked(ctx, id); err != nil {
				return 0, err
			}
		}
	}

	now := j.now()
	for i := range events {
		ev := &events[i]
		ev.CycleID = id
		ev.Seq = c.LastSeq + int64(i) + 1
		ev.At = now
		if ev.Key == "" {
			continue
		}
		if c.HasKey(ev.Key) {
			return 0, NewError(ErrDuplicateKey, ev.Key, "already journaled in cycle %s", id)
		}
		exists, err := j.Store.Exists(ctx, id, ev.Key)
		if err != nil {
			return 0, err
		}
		if exists {
			delete(j.cycles, id)
			return 0, NewError(ErrDuplicateKey, ev.Key, "already journaled in cycle %s", id)
		}
	}

	// Fold first: the cached cycle is only kept if every event applies and
	// the store accepts the batch.
	for _, ev := range events {
		if err := c.apply(ev); err != nil {
			delete(j.cycles, id)
			return 0, err
		}
	}
	if err := j.Store.AppendBatch(ctx, events); err != nil {
		delete(j.cycles, id)
		return 0, fmt.Errorf("append to journal of cycle %s: %w", id, err)
	}
	j.cycles[id] = c
	return c.LastSeq, nil
}

func (j *DefaultJournal) loadLocked(ctx context.Context, id CycleID) (*Cycle, error) {
	if c, ok := j.cycles[id]; ok {
		return c, nil
	}
	events, err := j.Store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load cycle %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, NewError(ErrCycleNotOpen, id.String(), "cycle %s does not exist", id)
	}
	c, err := Fold(events)
	if err != nil {
		return nil, err
	}
	j.cycles[id] = c
	return c, nil
}

func (j *DefaultJournal) now() time.Time {
	if j.Now == nil {
		return time.Now().UTC()
	}
	return j.Now().UTC()
}

// IsDuplicate reports whether err is an idempotency rejection.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateKey) }
