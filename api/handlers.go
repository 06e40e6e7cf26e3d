/*
handlers.go - HTTP handlers of the operator API

PURPOSE:
  Exposes cycle operations over REST for the operator console. Handlers
  parse and validate the request, call cycle.Service, and serialize the
  result. They hold no cycle state of their own: every read replays the
  journal.

ENDPOINTS:
  Cycles:
    GET    /api/cycles                          List cycles with status
    POST   /api/cycles                          Open a cycle
    GET    /api/cycles/current                  Status of the open cycle
    GET    /api/cycles/{id}                     Status of one cycle
    GET    /api/cycles/{id}/events              Journal of a cycle
    POST   /api/cycles/{id}/drift               Preview a supplementary cycle

  Distribution:
    POST   /api/cycles/{id}/distribute          Send drafts (async job)
    POST   /api/cycles/{id}/worksheets/{wid}/resend

  Responses:
    POST   /api/cycles/{id}/responses           Upload a returned worksheet
    POST   /api/cycles/{id}/ingest              Ingest the inbox (async job)

  Closing:
    POST   /api/cycles/{id}/reconcile           Reconcile, return the rollup
    POST   /api/cycles/{id}/close               Close and write rollup.xlsx
    POST   /api/cycles/{id}/abort               Abort without a rollup
    GET    /api/cycles/{id}/rollup              Rollup as JSON
    GET    /api/cycles/{id}/rollup.xlsx         Rollup workbook

  Jobs:
    GET    /api/jobs/{id}                       Progress of an async job

ERROR HANDLING:
  Errors are returned as ErrorResponse with a status by error class:
  - 400: input errors, malformed requests
  - 404: unknown cycle or job
  - 409: operator errors (wrong state, cycle already open)
  - 500: everything else

SECURITY NOTE:
  No authentication. The API is meant to listen on an operator network only.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/review"
)

// maxUpload bounds one returned worksheet.
const maxUpload = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *cycle.Service
	Jobs    *Jobs
	Logger  *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a handler. The caller owns jobs and stops it.
func NewHandler(svc *cycle.Service, jobs *Jobs, logger *zap.Logger) *Handler {
	return &Handler{
		Service:  svc,
		Jobs:     jobs,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// CYCLE HANDLERS
// =============================================================================

// ListCycles returns the status of every cycle, oldest first.
func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.Service.Cycles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if cycles == nil {
		cycles = []*cycle.Status{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

// OpenCycle validates a master export and opens a cycle over it.
func (h *Handler) OpenCycle(w http.ResponseWriter, r *http.Request) {
	var req OpenCycleRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.Service.Open(r.Context(), cycle.OpenRequest{
		MasterPath: req.MasterPath,
		Supersedes: req.Supersedes,
		Actor:      req.Actor,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cycle.StatusOf(c))
}

func (h *Handler) CurrentCycle(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.Current(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycle.StatusOf(c))
}

func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	st, err := h.Service.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListEvents returns the journal of a cycle in sequence order.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	events, err := h.Service.Events(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = EventDTO{
			Seq:         ev.Seq,
			Type:        ev.Type,
			At:          ev.At,
			Actor:       ev.Actor,
			WorksheetID: ev.WorksheetID,
			Key:         ev.Key,
			Summary:     ev.Summary(),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DriftDTO previews what a supplementary cycle over a new export covers.
type DriftDTO struct {
	Supersedes review.CycleID          `json:"supersedes"`
	Added      []review.EntitlementRow `json:"added"`
	Changed    []review.EntitlementRow `json:"changed"`
	Removed    []review.EntitlementRow `json:"removed"`
	Empty      bool                    `json:"empty"`
}

// PreviewDrift diffs a master export against the cycle in the URL.
func (h *Handler) PreviewDrift(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	var req struct {
		MasterPath string `json:"master_path" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.Service.Diff(r.Context(), id, req.MasterPath)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DriftDTO{
		Supersedes: id,
		Added:      nonNil(d.Added),
		Changed:    nonNil(d.Changed),
		Removed:    nonNil(d.Removed),
		Empty:      d.Empty(),
	})
}

// =============================================================================
// DISTRIBUTION HANDLERS
// =============================================================================

// Distribute queues a job sending every Draft worksheet.
func (h *Handler) Distribute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.Service.Cycle(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	h.submit(w, "distribute", id, func(ctx context.Context, report func(int, int, string)) (any, error) {
		return h.Service.Distribute(ctx, id, req.Actor, report)
	})
}

// Resend retries one send-failed worksheet synchronously.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	wid := review.WorksheetID(chi.URLParam(r, "wid"))

	out, err := h.Service.Resend(r.Context(), id, wid, req.Actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// RESPONSE HANDLERS
// =============================================================================

// UploadResponse stores a returned worksheet in the cycle inbox. It is
// picked up by the next ingest run. Every upload gets its own inbox file,
// so a second upload under the same name is ingested as a later response
// instead of replacing the first.
func (h *Handler) UploadResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	c, err := h.Service.Cycle(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !c.State.AcceptsResponses() {
		h.writeError(w, review.NewError(review.ErrCycleNotOpen, id.String(), "cycle %s is %s and takes no responses", id, c.State))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: "multipart field \"file\" is required", Details: err.Error()})
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid file name %q", header.Filename)})
		return
	}

	l := h.Service.Layout()
	if err := l.Ensure(id); err != nil {
		h.writeError(w, err)
		return
	}
	dst := filepath.Join(l.Inbox(id), inboxName(time.Now(), name))
	if err := layout.WriteFileAtomic(dst, 0o644, func(out io.Writer) error {
		_, err := io.Copy(out, file)
		return err
	}); err != nil {
		h.writeError(w, err)
		return
	}

	h.Logger.Info("response uploaded", zap.Stringer("cycle_id", id), zap.String("path", dst), zap.Int64("size", header.Size))
	writeJSON(w, http.StatusCreated, map[string]string{"path": dst})
}

// inboxName prefixes an uploaded file name with its arrival time and a
// random suffix. The prefix sorts in arrival order when modification
// times tie.
func inboxName(at time.Time, name string) string {
	return fmt.Sprintf("%s-%s-%s", at.UTC().Format("20060102T150405.000000000Z"), uuid.NewString()[:8], name)
}

// Ingest queues a job ingesting every file in the cycle inbox.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	if _, err := h.Service.Cycle(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	h.submit(w, "ingest", id, func(ctx context.Context, report func(int, int, string)) (any, error) {
		return h.Service.IngestInbox(ctx, id, report)
	})
}

// =============================================================================
// CLOSING HANDLERS
// =============================================================================

// Reconcile settles received worksheets and returns the rollup as of now.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	rollup, err := h.Service.Reconcile(r.Context(), id, req.Actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.Close(r.Context(), id, req.Actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseCycleDTO{Rollup: res.Rollup, RollupPath: res.Path})
}

func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	var req AbortCycleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Service.Abort(r.Context(), id, req.Actor, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.Service.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetRollup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	rollup, err := h.Service.Rollup(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

// DownloadRollup renders the rollup workbook as of the latest event.
func (h *Handler) DownloadRollup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cycleID(w, r)
	if !ok {
		return
	}
	// Render first so a failure can still be reported as JSON.
	var buf bytes.Buffer
	if err := h.Service.WriteRollup(r.Context(), id, &buf); err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="rollup-%s.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.Jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, ErrorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) submit(w http.ResponseWriter, kind string, id review.CycleID, fn JobFunc) {
	job, err := h.Jobs.Submit(kind, id, fn)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Location", "/api/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) cycleID(w http.ResponseWriter, r *http.Request) (review.CycleID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := review.ParseCycleID(raw)
	if err != nil || id <= 0 {
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid cycle id %q", raw)})
		return 0, false
	}
	return id, true
}

// decode reads and validates a JSON body. It writes the 400 itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.Error(err))
	}
	writeErrorResponse(w, status, *errorBody(err))
}

// statusOf maps the error taxonomy onto HTTP.
func statusOf(err error) int {
	switch {
	case errors.Is(err, review.ErrNoSuchCycle):
		return http.StatusNotFound
	case review.IsInputError(err):
		return http.StatusBadRequest
	case review.IsOperatorError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) *ErrorResponse {
	body := &ErrorResponse{Error: err.Error(), Code: string(review.CodeOf(err))}
	var rerr *review.Error
	if errors.As(err, &rerr) {
		body.Error = rerr.Message
		body.Details = rerr.Entity
		if rerr.Seq > 0 {
			body.Details = strings.TrimSpace(fmt.Sprintf("%s seq=%d", rerr.Entity, rerr.Seq))
		}
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeErrorResponse(w http.ResponseWriter, status int, body ErrorResponse) {
	writeJSON(w, status, body)
}

func nonNil(rows []review.EntitlementRow) []review.EntitlementRow {
	if rows == nil {
		return []review.EntitlementRow{}
	}
	return rows
}
