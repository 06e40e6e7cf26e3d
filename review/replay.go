/*
replay.go - Folding journal events into a Cycle

PURPOSE:
  The current state of a cycle is never stored; it is the fold of its
  events. The same apply function validates new events before they are
  appended and rebuilds the cycle on replay, so a journal that was
  accepted once always replays to the same state.

STATE MACHINE (per worksheet):

  Draft --materialize--> Sent --receive--> Received --reconcile--> Reconciled
    |                     |                   |
    |                     +--send-fail--> Failed <--reconcile-fail--+
    +--abort--> Failed

  Send failures are recorded against Draft worksheets (the transport
  never accepted them) and only those may be re-sent by an operator.

STATE MACHINE (per cycle):

  Open -> Distributing -> Collecting -> Reconciling -> Closed
    any non-terminal state -> Aborted

REPLAY DETERMINISM:
  apply only reads the event, never the clock or the process, so
  Replay(id) yields the same Cycle regardless of when or where it runs.
*/
package review

import "fmt"

// Fold rebuilds a cycle from its events in sequence order.
func Fold(events []Event) (*Cycle, error) {
	c := &Cycle{}
	for _, ev := range events {
		if err := c.apply(ev); err != nil {
			return nil, fmt.Errorf("replay cycle %s at seq %d: %w", ev.CycleID, ev.Seq, err)
		}
	}
	if c.LastSeq == 0 {
		return nil, NewError(ErrCycleNotOpen, "", "journal is empty")
	}
	return c, nil
}

func (c *Cycle) apply(ev Event) error {
	if ev.Seq != c.LastSeq+1 {
		return NewError(ErrIllegalTransition, ev.CycleID.String(), "sequence gap: expected %d, got %d", c.LastSeq+1, ev.Seq)
	}
	if ev.Type != EventCycleOpened {
		if c.LastSeq == 0 {
			return NewError(ErrCycleNotOpen, ev.CycleID.String(), "cycle %s was never opened", ev.CycleID)
		}
		if ev.CycleID != c.ID {
			return NewError(ErrIllegalTransition, ev.CycleID.String(), "event belongs to cycle %s, not %s", ev.CycleID, c.ID)
		}
		if c.State.Terminal() {
			return NewError(ErrCycleNotOpen, c.ID.String(), "cycle %s is %s", c.ID, c.State)
		}
	}

	var err error
	switch ev.Type {
	case EventCycleOpened:
		err = c.applyOpened(ev)
	case EventCycleState:
		err = c.applyState(ev)
	case EventPartitionRecorded:
		err = c.applyPartition(ev)
	case EventWorksheetMaterialized:
		err = c.applyMaterialized(ev)
	case EventWorksheetSent, EventSendFailed:
		err = c.applySend(ev)
	case EventResponseReceived:
		err = c.applyReceived(ev)
	case EventDecisionRecorded:
		err = c.applyDecision(ev)
	case EventResponseRejected, EventResponseSuperseded:
		err = c.applyNotApplied(ev)
	case EventWorksheetReconciled, EventWorksheetFailed:
		err = c.applyReconciled(ev)
	case EventCycleClosed:
		err = c.requireState(ev, CycleReconciling)
		if err == nil {
			at := ev.At
			c.ClosedAt = &at
			c.State = CycleClosed
		}
	case EventCycleAborted:
		for _, w := range c.Worksheets {
			if w.State == WorksheetDraft {
				w.State = WorksheetFailed
				w.FailureKind = FailureAborted
				w.FailureReason = ev.Reason
			}
		}
		at := ev.At
		c.ClosedAt = &at
		c.State = CycleAborted
	default:
		err = NewError(ErrIllegalTransition, string(ev.Type), "unknown event type %q", ev.Type)
	}
	if err != nil {
		return err
	}

	c.LastSeq = ev.Seq
	c.Events = append(c.Events, ev)
	if ev.Key != "" {
		c.keys[ev.Key] = ev.Seq
	}
	return nil
}

// =============================================================================
// CYCLE-LEVEL EVENTS
// =============================================================================

func (c *Cycle) applyOpened(ev Event) error {
	if c.LastSeq != 0 || ev.Opened == nil {
		return NewError(ErrIllegalTransition, ev.CycleID.String(), "cycle_opened must be the first event")
	}
	o := ev.Opened
	if len(o.Rows) != len(o.Fingerprints) {
		return NewError(ErrIllegalTransition, ev.CycleID.String(), "%d rows but %d fingerprints", len(o.Rows), len(o.Fingerprints))
	}
	c.ID = ev.CycleID
	c.SupersedesID = o.SupersedesID
	c.OpenedAt = ev.At
	c.DueAt = o.DueAt
	c.LateAfter = o.LateAfter
	c.State = CycleOpen
	c.MasterPath = o.MasterPath
	c.MasterDigest = o.MasterDigest
	c.Columns = o.Columns
	c.Rows = o.Rows
	c.Fingerprints = o.Fingerprints
	c.Roster = o.Roster
	c.DelegateMap = o.DelegateMap
	c.rowIndex = make(map[string]int, len(o.Rows))
	for i, fp := range o.Fingerprints {
		c.rowIndex[fp] = i
	}
	c.Worksheets = make(map[WorksheetID]*Worksheet)
	c.Decisions = make(map[string]Decision)
	c.keys = make(map[string]int64)
	return nil
}

var cycleTransitions = map[CycleState][]CycleState{
	CycleDistributing: {CycleCollecting, CycleReconciling},
	CycleCollecting:   {CycleReconciling},
}

func (c *Cycle) applyState(ev Event) error {
	for _, to := range cycleTransitions[c.State] {
		if to == ev.State {
			c.State = ev.State
			return nil
		}
	}
	return NewError(ErrIllegalTransition, c.ID.String(), "cycle cannot move from %s to %s", c.State, ev.State)
}

func (c *Cycle) requireState(ev Event, allowed ...CycleState) error {
	for _, s := range allowed {
		if c.State == s {
			return nil
		}
	}
	return NewError(ErrIllegalTransition, c.ID.String(), "%s not allowed while cycle is %s", ev.Type, c.State)
}

// applyPartition checks both partition invariants before accepting:
// every row in exactly one worksheet, and every sheet fingerprint
// recomputable from its row fingerprints.
func (c *Cycle) applyPartition(ev Event) error {
	if err := c.requireState(ev, CycleOpen); err != nil {
		return err
	}
	if ev.Partition == nil {
		return NewError(ErrIllegalTransition, c.ID.String(), "partition payload missing")
	}

	owner := make(map[string]WorksheetID, len(c.Fingerprints))
	for _, w := range ev.Partition.Worksheets {
		if w.SheetFingerprint != w.Fingerprint() {
			return NewError(ErrIllegalTransition, string(w.ID), "sheet fingerprint does not match its rows")
		}
		for _, fp := range w.RowFingerprints {
			if _, known := c.rowIndex[fp]; !known {
				return NewError(ErrIllegalTransition, string(w.ID), "row %s is not in the cycle", fp)
			}
			if other, dup := owner[fp]; dup {
				return NewError(ErrIllegalTransition, string(w.ID), "row %s already assigned to %s", fp, other)
			}
			owner[fp] = w.ID
		}
	}
	if len(owner) != len(c.Fingerprints) {
		return NewError(ErrIllegalTransition, c.ID.String(), "partition covers %d of %d rows", len(owner), len(c.Fingerprints))
	}

	for _, w := range ev.Partition.Worksheets {
		w := w
		w.RowFingerprints = append([]string(nil), w.RowFingerprints...)
		w.State = WorksheetDraft
		c.Worksheets[w.ID] = &w
		c.Order = append(c.Order, w.ID)
	}
	c.NoAction = ev.Partition.NoAction
	c.Delegations = ev.Partition.Delegations
	c.State = CycleDistributing
	return nil
}

// =============================================================================
// WORKSHEET-LEVEL EVENTS
// =============================================================================

func (c *Cycle) worksheetFor(ev Event) (*Worksheet, error) {
	w := c.Worksheets[ev.WorksheetID]
	if w == nil {
		return nil, NewError(ErrUnidentifiedResponse, string(ev.WorksheetID), "worksheet %s is not part of cycle %s", ev.WorksheetID, c.ID)
	}
	return w, nil
}

func illegal(w *Worksheet, ev Event) error {
	return NewError(ErrIllegalTransition, string(w.ID), "%s not allowed while worksheet is %s", ev.Type, w.State)
}

func (c *Cycle) applyMaterialized(ev Event) error {
	if err := c.requireState(ev, CycleDistributing, CycleCollecting); err != nil {
		return err
	}
	w, err := c.worksheetFor(ev)
	if err != nil {
		return err
	}
	if w.State != WorksheetDraft && !w.Resendable() {
		return illegal(w, ev)
	}
	w.FilePath = ev.FilePath
	return nil
}

func (c *Cycle) applySend(ev Event) error {
	if err := c.requireState(ev, CycleDistributing, CycleCollecting); err != nil {
		return err
	}
	w, err := c.worksheetFor(ev)
	if err != nil {
		return err
	}
	if ev.Send == nil {
		return NewError(ErrIllegalTransition, string(w.ID), "send payload missing")
	}
	if w.State != WorksheetDraft && !w.Resendable() {
		return illegal(w, ev)
	}

	w.SendAttempts++
	if ev.Type == EventWorksheetSent {
		at := ev.At
		w.State = WorksheetSent
		w.SentAt = &at
		w.MessageID = ev.Send.MessageID
		w.FailureKind = ""
		w.FailureReason = ""
		return nil
	}
	w.State = WorksheetFailed
	w.FailureKind = FailureSend
	w.FailureReason = ev.Send.Code + ": " + ev.Send.Message
	return nil
}

func (c *Cycle) applyReceived(ev Event) error {
	if !c.State.AcceptsResponses() {
		return NewError(ErrIllegalTransition, c.ID.String(), "responses not accepted while cycle is %s", c.State)
	}
	w, err := c.worksheetFor(ev)
	if err != nil {
		return err
	}
	if ev.Response == nil {
		return NewError(ErrIllegalTransition, string(w.ID), "response payload missing")
	}
	if w.State != WorksheetSent && w.State != WorksheetReceived {
		return illegal(w, ev)
	}

	if w.Response != nil {
		w.Superseded = append(w.Superseded, w.Response.ID)
		c.dropDecisions(w)
	}
	r := ev.Response
	w.Response = &Response{
		ID:         r.ResponseID,
		FilePath:   r.FilePath,
		ReceivedAt: r.ReceivedAt,
		Late:       r.Late,
		Tampered:   r.Tampered,
	}
	if r.Tampered {
		w.State = WorksheetFailed
		w.FailureKind = FailureTampered
		w.FailureReason = fmt.Sprintf("expected sheet fingerprint %s, got %s", r.Expected, r.Actual)
		return nil
	}
	w.State = WorksheetReceived
	return nil
}

func (c *Cycle) applyDecision(ev Event) error {
	w, err := c.worksheetFor(ev)
	if err != nil {
		return err
	}
	d := ev.Decision
	if d == nil {
		return NewError(ErrIllegalTransition, string(w.ID), "decision payload missing")
	}
	if w.State != WorksheetReceived || w.Response == nil || w.Response.ID != d.ResponseID {
		return NewError(ErrIllegalTransition, string(w.ID), "decision does not belong to the active response")
	}
	if !containsString(w.RowFingerprints, d.RowFingerprint) {
		return NewError(ErrIllegalTransition, string(w.ID), "row %s is not on this worksheet", d.RowFingerprint)
	}
	c.Decisions[d.RowFingerprint] = *d
	return nil
}

func (c *Cycle) applyNotApplied(ev Event) error {
	if !c.State.AcceptsResponses() {
		return NewError(ErrIllegalTransition, c.ID.String(), "responses not accepted while cycle is %s", c.State)
	}
	if ev.Response == nil {
		return NewError(ErrIllegalTransition, c.ID.String(), "response payload missing")
	}
	if ev.Type == EventResponseSuperseded && ev.WorksheetID != "" {
		w, err := c.worksheetFor(ev)
		if err != nil {
			return err
		}
		w.Superseded = append(w.Superseded, ev.Response.ResponseID)
	}
	return nil
}

func (c *Cycle) applyReconciled(ev Event) error {
	if err := c.requireState(ev, CycleReconciling); err != nil {
		return err
	}
	w, err := c.worksheetFor(ev)
	if err != nil {
		return err
	}
	if w.State != WorksheetReceived {
		return illegal(w, ev)
	}
	if ev.Type == EventWorksheetReconciled {
		w.State = WorksheetReconciled
		return nil
	}
	w.State = WorksheetFailed
	w.FailureKind = FailureReconcile
	w.FailureReason = ev.Reason
	c.dropDecisions(w)
	return nil
}

func (c *Cycle) dropDecisions(w *Worksheet) {
	for _, fp := range w.RowFingerprints {
		delete(c.Decisions, fp)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
