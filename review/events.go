package review

import (
	"strconv"
	"time"
)

// =============================================================================
// EVENTS - Everything that happens to a cycle is one of these
// =============================================================================

type EventType string

const (
	EventCycleOpened           EventType = "cycle_opened"
	EventCycleState            EventType = "cycle_state"
	EventPartitionRecorded     EventType = "partition_recorded"
	EventWorksheetMaterialized EventType = "worksheet_materialized"
	EventWorksheetSent         EventType = "worksheet_sent"
	EventSendFailed            EventType = "send_failed"
	EventResponseReceived      EventType = "response_received"
	EventResponseRejected      EventType = "response_rejected"
	EventResponseSuperseded    EventType = "response_superseded"
	EventDecisionRecorded      EventType = "decision_recorded"
	EventWorksheetReconciled   EventType = "worksheet_reconciled"
	EventWorksheetFailed       EventType = "worksheet_failed"
	EventCycleClosed           EventType = "cycle_closed"
	EventCycleAborted          EventType = "cycle_aborted"
)

// Event is one journal entry. Exactly one payload pointer is set, matching
// Type; transitions without data only use State or Reason.
type Event struct {
	Seq         int64       `json:"seq"`
	CycleID     CycleID     `json:"cycle_id"`
	Type        EventType   `json:"type"`
	At          time.Time   `json:"at"`
	WorksheetID WorksheetID `json:"worksheet_id,omitempty"`
	Key         string      `json:"key,omitempty"` // idempotency key
	Actor       string      `json:"actor,omitempty"`
	State       CycleState  `json:"state,omitempty"`
	Reason      string      `json:"reason,omitempty"`

	Opened    *OpenedData   `json:"opened,omitempty"`
	Partition *Partition    `json:"partition,omitempty"`
	FilePath  string        `json:"file_path,omitempty"`
	Send      *SendData     `json:"send,omitempty"`
	Response  *ResponseData `json:"response,omitempty"`
	Decision  *Decision     `json:"decision,omitempty"`
}

// OpenedData is the payload of cycle_opened: the frozen inputs of the cycle.
type OpenedData struct {
	SupersedesID CycleID           `json:"supersedes_id,omitempty"`
	DueAt        time.Time         `json:"due_at"`
	LateAfter    time.Time         `json:"late_after"`
	MasterPath   string            `json:"master_path"`
	MasterDigest string            `json:"master_digest"`
	Columns      []string          `json:"columns,omitempty"`
	Rows         []EntitlementRow  `json:"rows"`
	Fingerprints []string          `json:"fingerprints"`
	Roster       []Reviewer        `json:"roster"`
	DelegateMap  map[string]string `json:"delegate_map,omitempty"`
}

// SendData is the payload of worksheet_sent and send_failed.
type SendData struct {
	Recipient string `json:"recipient"`
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Resend    bool   `json:"resend,omitempty"`
}

// ResponseData is the payload of response_* events.
type ResponseData struct {
	ResponseID   string    `json:"response_id"`
	FilePath     string    `json:"file_path"`
	ReceivedAt   time.Time `json:"received_at"`
	Late         bool      `json:"late,omitempty"`
	Tampered     bool      `json:"tampered,omitempty"`
	Expected     string    `json:"expected_fingerprint,omitempty"`
	Actual       string    `json:"actual_fingerprint,omitempty"`
	Supersedes   string    `json:"supersedes,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	Code         Code      `json:"code,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Summary returns a one-line description used in the rollup journal sheet.
func (e Event) Summary() string {
	switch e.Type {
	case EventCycleOpened:
		return "cycle opened with " + strconv.Itoa(len(e.Opened.Rows)) + " rows"
	case EventCycleState:
		return "cycle state " + string(e.State)
	case EventPartitionRecorded:
		return "partitioned into " + strconv.Itoa(len(e.Partition.Worksheets)) + " worksheets"
	case EventWorksheetMaterialized:
		return "materialized " + e.FilePath
	case EventWorksheetSent:
		return "sent to " + e.Send.Recipient + " (" + e.Send.MessageID + ")"
	case EventSendFailed:
		return "send to " + e.Send.Recipient + " failed: " + e.Send.Code + " " + e.Send.Message
	case EventResponseReceived:
		s := "response " + e.Response.FilePath
		if e.Response.Tampered {
			s = "tampered " + s
		}
		if e.Response.Late {
			s += " (late)"
		}
		if e.Response.Supersedes != "" {
			s += " replacing " + shortID(e.Response.Supersedes)
		}
		return s
	case EventResponseRejected:
		return string(e.Response.Code) + ": " + e.Response.Message
	case EventResponseSuperseded:
		return "superseded response " + e.Response.FilePath
	case EventDecisionRecorded:
		return string(e.Decision.Verdict) + " " + e.Decision.RowFingerprint
	case EventWorksheetFailed:
		return "failed: " + e.Reason
	default:
		if e.Reason != "" {
			return string(e.Type) + ": " + e.Reason
		}
		return string(e.Type)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
