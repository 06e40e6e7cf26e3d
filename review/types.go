/*
Package review provides the core of the access-review cycle engine.

PURPOSE:
  This package contains the data model and the algorithms that tie a review
  cycle to its reviewers, worksheets and responses. It has no knowledge of
  spreadsheets, mail or HTTP - those live at the edges (sheet, mail, api).

KEY CONCEPTS IN THIS FILE (types.go):
  - EntitlementRow: One user/system/role line of the master export
  - Worksheet: The rows assigned to one reviewer within one cycle
  - Decision: A reviewer's verdict on one row
  - Cycle: The fold of a cycle's journaled events

DESIGN PRINCIPLES:
  1. The Journal is the single source of truth; Cycle is derived by replay
  2. Fingerprints are the identity of rows and worksheets
  3. Worksheets only move forward: Draft -> Sent -> Received -> Reconciled
  4. Every row belongs to exactly one worksheet

SEE ALSO:
  - journal.go: Append-only event log and replay
  - fingerprint.go: Row and sheet digests
  - reconcile.go: Rollup generation
*/
package review

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CycleID is monotonic: each new cycle gets the previous maximum plus one.
type CycleID int64

func (id CycleID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseCycleID parses the decimal form produced by String.
func ParseCycleID(s string) (CycleID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid cycle id %q", s)
	}
	return CycleID(n), nil
}

// WorksheetID identifies a worksheet within the whole system: "<cycle>-<reviewer>".
type WorksheetID string

func NewWorksheetID(cycleID CycleID, reviewerID string) WorksheetID {
	return WorksheetID(cycleID.String() + "-" + reviewerID)
}

// =============================================================================
// STATES
// =============================================================================

type CycleState string

const (
	CycleOpen         CycleState = "open"
	CycleDistributing CycleState = "distributing"
	CycleCollecting   CycleState = "collecting"
	CycleReconciling  CycleState = "reconciling"
	CycleClosed       CycleState = "closed"
	CycleAborted      CycleState = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s CycleState) Terminal() bool { return s == CycleClosed || s == CycleAborted }

// AcceptsResponses reports whether returned worksheets may be ingested.
func (s CycleState) AcceptsResponses() bool {
	return s == CycleDistributing || s == CycleCollecting || s == CycleReconciling
}

type WorksheetState string

const (
	WorksheetDraft      WorksheetState = "draft"
	WorksheetSent       WorksheetState = "sent"
	WorksheetReceived   WorksheetState = "received"
	WorksheetReconciled WorksheetState = "reconciled"
	WorksheetFailed     WorksheetState = "failed"
)

// FailureKind records why a worksheet ended in WorksheetFailed.
type FailureKind string

const (
	FailureSend      FailureKind = "send"
	FailureTampered  FailureKind = "tampered"
	FailureReconcile FailureKind = "reconcile"
	FailureAborted   FailureKind = "aborted"
)

// =============================================================================
// VERDICTS
// =============================================================================

type Verdict string

const (
	VerdictKeep       Verdict = "Keep"
	VerdictRevoke     Verdict = "Revoke"
	VerdictModify     Verdict = "Modify"
	VerdictNoResponse Verdict = "NoResponse"

	// VerdictTampered only appears in rollups, never in a Decision.
	VerdictTampered Verdict = "Tampered"
)

// DefaultVocabulary is the set of verdicts a reviewer may choose from.
var DefaultVocabulary = []Verdict{VerdictKeep, VerdictRevoke, VerdictModify}

// ParseVerdict matches raw against vocabulary case-insensitively.
// Blank input is NoResponse without a flag; anything else unknown is
// NoResponse and reported as invalid.
func ParseVerdict(raw string, vocabulary []Verdict) (v Verdict, valid bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return VerdictNoResponse, true
	}
	for _, candidate := range vocabulary {
		if strings.EqualFold(raw, string(candidate)) {
			return candidate, true
		}
	}
	return VerdictNoResponse, false
}

// =============================================================================
// ENTITLEMENT ROW
// =============================================================================

// Core column names of the master export.
const (
	ColUserID     = "user_id"
	ColSystem     = "system"
	ColRole       = "role"
	ColGrantedOn  = "granted_on"
	ColReviewerID = "reviewer_id"
)

// Reviewer answer columns. Worksheets append them after the export's
// columns, so an export may not carry columns of the same name.
const (
	ColVerdict       = "verdict"
	ColJustification = "justification"
)

// ReservedColumns may not appear in a master export.
var ReservedColumns = []string{ColVerdict, ColJustification}

// RequiredColumns must be present in every master export.
var RequiredColumns = []string{ColUserID, ColSystem, ColRole, ColReviewerID}

// EntitlementRow is one line of the master export after normalization.
type EntitlementRow struct {
	UserID     string            `json:"user_id"`
	System     string            `json:"system"`
	Role       string            `json:"role"`
	GrantedOn  string            `json:"granted_on,omitempty"` // ISO-8601 date or empty
	ReviewerID string            `json:"reviewer_id"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// RowKey is the uniqueness key of an entitlement within a cycle.
type RowKey struct {
	UserID string
	System string
	Role   string
}

func (k RowKey) String() string { return k.UserID + "/" + k.System + "/" + k.Role }

func (r EntitlementRow) Key() RowKey {
	return RowKey{
		UserID: strings.ToLower(strings.TrimSpace(r.UserID)),
		System: strings.ToLower(strings.TrimSpace(r.System)),
		Role:   strings.ToLower(strings.TrimSpace(r.Role)),
	}
}

// Less orders rows by (system, user_id, role), the partition order.
func (r EntitlementRow) Less(other EntitlementRow) bool {
	a, b := r.Key(), other.Key()
	if a.System != b.System {
		return a.System < b.System
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.Role < b.Role
}

// SortRows sorts in place into partition order.
func SortRows(rows []EntitlementRow) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Less(rows[j]) })
}

// =============================================================================
// DECISION
// =============================================================================

// Decision flags.
const (
	FlagInvalidVerdict = "invalid_verdict"
	FlagTruncated      = "truncated"
)

type Decision struct {
	RowFingerprint    string    `json:"row_fingerprint"`
	Verdict           Verdict   `json:"verdict"`
	Justification     string    `json:"justification,omitempty"`
	ReviewerSignature string    `json:"reviewer_signature,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
	ResponseID        string    `json:"response_id"`
	RawVerdict        string    `json:"raw_verdict,omitempty"`
	Flags             []string  `json:"flags,omitempty"`
}

// =============================================================================
// RESPONSE - one returned worksheet file
// =============================================================================

type Response struct {
	ID         string    `json:"id"` // SHA-256 of the file bytes
	FilePath   string    `json:"file_path"`
	ReceivedAt time.Time `json:"received_at"`
	Late       bool      `json:"late"`
	Tampered   bool      `json:"tampered"`
}

// =============================================================================
// WORKSHEET
// =============================================================================

type Worksheet struct {
	ID               WorksheetID    `json:"id"`
	CycleID          CycleID        `json:"cycle_id"`
	ReviewerID       string         `json:"reviewer_id"`
	DelegateID       string         `json:"delegate_id,omitempty"`
	RecipientName    string         `json:"recipient_name"`
	RecipientEmail   string         `json:"recipient_email"`
	RowFingerprints  []string       `json:"row_fingerprints"`
	SheetFingerprint string         `json:"sheet_fingerprint"`
	FilePath         string         `json:"file_path,omitempty"`
	State            WorksheetState `json:"state"`
	FailureKind      FailureKind    `json:"failure_kind,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	MessageID        string         `json:"message_id,omitempty"`
	SendAttempts     int            `json:"send_attempts"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	Response         *Response      `json:"response,omitempty"`
	Superseded       []string       `json:"superseded,omitempty"`
}

// Recipient is the reviewer who actually receives the worksheet.
func (w *Worksheet) Recipient() string {
	if w.DelegateID != "" {
		return w.DelegateID
	}
	return w.ReviewerID
}

// Resendable reports whether an operator may retry the send.
func (w *Worksheet) Resendable() bool {
	return w.State == WorksheetFailed && w.FailureKind == FailureSend
}

// Awaiting reports whether the worksheet was sent and no reply arrived yet.
func (w *Worksheet) Awaiting() bool { return w.State == WorksheetSent }

// =============================================================================
// CYCLE - Derived by folding journal events
// =============================================================================

// Delegation records a substitution made at partition time.
type Delegation struct {
	ReviewerID string `json:"reviewer_id"`
	DelegateID string `json:"delegate_id"`
}

type Cycle struct {
	ID           CycleID
	SupersedesID CycleID
	OpenedAt     time.Time
	DueAt        time.Time
	LateAfter    time.Time
	ClosedAt     *time.Time
	State        CycleState
	MasterPath   string
	MasterDigest string

	// Entitlement set, in partition order.
	Columns      []string
	Rows         []EntitlementRow
	Fingerprints []string
	rowIndex     map[string]int

	Roster      []Reviewer
	DelegateMap map[string]string
	Worksheets  map[WorksheetID]*Worksheet
	Order       []WorksheetID
	NoAction    []string
	Delegations []Delegation

	// Decisions of the active response of each worksheet, by row fingerprint.
	Decisions map[string]Decision

	Events  []Event
	LastSeq int64
	keys    map[string]int64
}

// Row returns the entitlement row with the given fingerprint.
func (c *Cycle) Row(fingerprint string) (EntitlementRow, bool) {
	i, ok := c.rowIndex[fingerprint]
	if !ok {
		return EntitlementRow{}, false
	}
	return c.Rows[i], true
}

// Worksheet returns the worksheet by id, or nil.
func (c *Cycle) Worksheet(id WorksheetID) *Worksheet { return c.Worksheets[id] }

// WorksheetList returns worksheets in partition order.
func (c *Cycle) WorksheetList() []*Worksheet {
	out := make([]*Worksheet, 0, len(c.Order))
	for _, id := range c.Order {
		out = append(out, c.Worksheets[id])
	}
	return out
}

// WorksheetsIn returns worksheets in any of the given states, in partition order.
func (c *Cycle) WorksheetsIn(states ...WorksheetState) []*Worksheet {
	var out []*Worksheet
	for _, id := range c.Order {
		w := c.Worksheets[id]
		for _, s := range states {
			if w.State == s {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// HasKey reports whether an event with the idempotency key was journaled.
func (c *Cycle) HasKey(key string) bool {
	_, ok := c.keys[key]
	return ok
}

// Reviewer looks up the roster snapshot taken when the cycle opened.
func (c *Cycle) Reviewer(id string) (Reviewer, bool) {
	for _, r := range c.Roster {
		if r.ID == id {
			return r, true
		}
	}
	return Reviewer{}, false
}

// EntitlementSet rebuilds the frozen entitlement set of the cycle.
func (c *Cycle) EntitlementSet() (*EntitlementSet, error) {
	return SetFromRows(c.Rows, c.Columns)
}

// Partition recomputes the partition of the cycle from its frozen rows,
// roster snapshot and delegate map. The result is deterministic.
func (c *Cycle) Partition() (*Partition, error) {
	set, err := c.EntitlementSet()
	if err != nil {
		return nil, err
	}
	roster, err := NewRoster(c.Roster)
	if err != nil {
		return nil, err
	}
	return PartitionRows(PartitionInput{
		CycleID:     c.ID,
		Set:         set,
		Roster:      roster,
		DelegateMap: c.DelegateMap,
	})
}
