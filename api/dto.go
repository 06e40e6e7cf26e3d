/*
dto.go - Request and response bodies of the operator API

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO: Response types returned to clients

  Cycle status, rollups, ingest and distribute results are returned as the
  cycle package defines them; only what the API adds lives here.

SEE ALSO:
  - handlers.go: Uses these types
  - jobs.go: JobDTO
*/
package api

import (
	"time"

	"github.com/warp/access-review/review"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// OpenCycleRequest opens a full cycle, or a supplementary one when
// Supersedes is set. MasterPath is a path on the server.
type OpenCycleRequest struct {
	MasterPath string         `json:"master_path" validate:"required"`
	Supersedes review.CycleID `json:"supersedes,omitempty" validate:"gte=0"`
	Actor      string         `json:"actor" validate:"required"`
}

// ActorRequest carries the operator behind a state-advancing call.
type ActorRequest struct {
	Actor string `json:"actor" validate:"required"`
}

type AbortCycleRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// EventDTO is one journal event as the API shows it.
type EventDTO struct {
	Seq         int64              `json:"seq"`
	Type        review.EventType   `json:"type"`
	At          time.Time          `json:"at"`
	Actor       string             `json:"actor,omitempty"`
	WorksheetID review.WorksheetID `json:"worksheet_id,omitempty"`
	Key         string             `json:"idempotency_key,omitempty"`
	Summary     string             `json:"summary"`
}

// CloseCycleDTO is returned by close.
type CloseCycleDTO struct {
	Rollup     *review.Rollup `json:"rollup"`
	RollupPath string         `json:"rollup_path"`
}
