/*
errors.go - Centralized error taxonomy for the review engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every error carries a stable code, a message naming the offending
  entity (row key, reviewer id, file path) and, when it was journaled,
  the journal sequence number.

ERROR CATEGORIES:
  1. Input errors - fail fast, journal unchanged
  2. Integrity errors - journaled, worksheet moves to Failed
  3. Transport errors - journaled, operator-recoverable
  4. Operator errors - fail fast

USAGE:
  Callers match on sentinels:

    if errors.Is(err, review.ErrDuplicateEntitlement) {
        ...
    }

  or extract details:

    var rerr *review.Error
    if errors.As(err, &rerr) {
        log.Printf("%s: %s (seq %d)", rerr.Code, rerr.Entity, rerr.Seq)
    }
*/
package review

import (
	"errors"
	"fmt"
)

// =============================================================================
// CODES
// =============================================================================

type Code string

const (
	CodeMalformedRow         Code = "MALFORMED_ROW"
	CodeDuplicateEntitlement Code = "DUPLICATE_ENTITLEMENT"
	CodeUnknownReviewer      Code = "UNKNOWN_REVIEWER"
	CodeAmbiguousReviewer    Code = "AMBIGUOUS_REVIEWER"
	CodeNoDrift              Code = "NO_DRIFT"

	CodeTamperedWorksheet    Code = "TAMPERED_WORKSHEET"
	CodeUnidentifiedResponse Code = "UNIDENTIFIED_RESPONSE"
	CodeInvalidVerdict       Code = "INVALID_VERDICT"

	CodeSendFailed    Code = "SEND_FAILED"
	CodeIngestTimeout Code = "INGEST_TIMEOUT"

	CodeCycleAlreadyOpen  Code = "CYCLE_ALREADY_OPEN"
	CodeCycleNotOpen      Code = "CYCLE_NOT_OPEN"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	CodeDuplicateKey      Code = "DUPLICATE_KEY"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Input errors
	ErrMalformedRow         = errors.New("malformed row")
	ErrDuplicateEntitlement = errors.New("duplicate entitlement")
	ErrUnknownReviewer      = errors.New("unknown reviewer")
	ErrAmbiguousReviewer    = errors.New("ambiguous reviewer")
	ErrNoDrift              = errors.New("no entitlement drift")

	// Integrity errors
	ErrTamperedWorksheet    = errors.New("tampered worksheet")
	ErrUnidentifiedResponse = errors.New("unidentified response")
	ErrInvalidVerdict       = errors.New("invalid verdict")

	// Transport errors
	ErrSendFailed    = errors.New("send failed")
	ErrIngestTimeout = errors.New("ingest timeout")

	// Operator errors
	ErrCycleAlreadyOpen  = errors.New("cycle already open")
	ErrCycleNotOpen      = errors.New("cycle not open")
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrDuplicateKey is returned when an event with the same idempotency
	// key already exists in the cycle's journal.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrNoSuchCycle accompanies CycleNotOpen when the journal has never
	// seen the cycle at all.
	ErrNoSuchCycle = errors.New("no such cycle")
)

var codes = map[error]Code{
	ErrMalformedRow:         CodeMalformedRow,
	ErrDuplicateEntitlement: CodeDuplicateEntitlement,
	ErrUnknownReviewer:      CodeUnknownReviewer,
	ErrAmbiguousReviewer:    CodeAmbiguousReviewer,
	ErrNoDrift:              CodeNoDrift,
	ErrTamperedWorksheet:    CodeTamperedWorksheet,
	ErrUnidentifiedResponse: CodeUnidentifiedResponse,
	ErrInvalidVerdict:       CodeInvalidVerdict,
	ErrSendFailed:           CodeSendFailed,
	ErrIngestTimeout:        CodeIngestTimeout,
	ErrCycleAlreadyOpen:     CodeCycleAlreadyOpen,
	ErrCycleNotOpen:         CodeCycleNotOpen,
	ErrIllegalTransition:    CodeIllegalTransition,
	ErrDuplicateKey:         CodeDuplicateKey,
}

// =============================================================================
// STRUCTURED ERROR - Carries code, entity and journal correlation
// =============================================================================

type Error struct {
	Code    Code
	Entity  string // row key, reviewer id, file path, worksheet id
	Message string
	Seq     int64 // journal sequence number, 0 if not journaled
	kind    error
}

// NewError builds a structured error around one of the sentinels above.
func NewError(kind error, entity string, format string, args ...any) *Error {
	return &Error{
		Code:    CodeOf(kind),
		Entity:  entity,
		Message: fmt.Sprintf(format, args...),
		kind:    kind,
	}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entity != "" {
		msg += " [" + e.Entity + "]"
	}
	if e.Seq > 0 {
		msg += fmt.Sprintf(" (journal seq %d)", e.Seq)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.kind }

// WithSeq correlates the error with the journal event that recorded it.
func (e *Error) WithSeq(seq int64) *Error {
	cp := *e
	cp.Seq = seq
	return &cp
}

// CodeOf returns the stable code of err, or "" for errors outside the taxonomy.
func CodeOf(err error) Code {
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Code != "" {
		return rerr.Code
	}
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsInputError returns true for errors caused by a bad export or roster.
func IsInputError(err error) bool {
	return errors.Is(err, ErrMalformedRow) ||
		errors.Is(err, ErrDuplicateEntitlement) ||
		errors.Is(err, ErrUnknownReviewer) ||
		errors.Is(err, ErrAmbiguousReviewer) ||
		errors.Is(err, ErrNoDrift)
}

// IsIntegrityError returns true for errors found in returned worksheets.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrTamperedWorksheet) ||
		errors.Is(err, ErrUnidentifiedResponse) ||
		errors.Is(err, ErrInvalidVerdict)
}

// IsTransportError returns true for errors an operator can retry.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrSendFailed) || errors.Is(err, ErrIngestTimeout)
}

// IsOperatorError returns true for commands issued in the wrong state.
func IsOperatorError(err error) bool {
	return errors.Is(err, ErrCycleAlreadyOpen) ||
		errors.Is(err, ErrCycleNotOpen) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrDuplicateKey)
}
