/*
handlers_test.go - Tests for the operator API

Requests go through the full chi router with httptest recorders; the
service underneath runs on an in-memory journal and a recording mail
transport.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/warp/access-review/api"
	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/mail"
	"github.com/warp/access-review/review"
	"github.com/warp/access-review/review/store"
	"github.com/warp/access-review/sheet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

type apiFixture struct {
	t      *testing.T
	layout layout.Layout
	mail   *mail.Recorder
	svc    *cycle.Service
	jobs   *api.Jobs
	router http.Handler
}

func newAPIFixture(t *testing.T, configure ...func(*cycle.Settings)) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &apiFixture{
		t:      t,
		layout: layout.New(t.TempDir()),
		mail:   mail.NewRecorder(),
	}
	settings := cycle.DefaultSettings()
	for _, c := range configure {
		c(&settings)
	}
	svc, err := cycle.NewService(cycle.Options{
		Journal:   review.NewJournal(store.NewMemory()),
		Layout:    f.layout,
		Transport: f.mail,
		Settings:  settings,
		Logger:    logger,
	})
	require.NoError(t, err)
	f.svc = svc
	f.jobs = api.NewJobs(logger, 4)
	t.Cleanup(f.jobs.Stop)
	f.router = api.NewRouter(api.NewHandler(svc, f.jobs, logger), api.RouterOptions{AllowedOrigins: []string{"http://localhost:*"}})
	return f
}

func (f *apiFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// scenario loads a sample scenario and returns its export paths.
func (f *apiFixture) scenario(id string) []string {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: id})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.LoadedScenarioDTO](f.t, rec).Exports
}

func (f *apiFixture) open(master string) cycle.Status {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/cycles", api.OpenCycleRequest{MasterPath: master, Actor: "auditor"})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[cycle.Status](f.t, rec)
}

// runJob submits a job through path and waits for it to finish.
func (f *apiFixture) runJob(path string, body any) api.JobDTO {
	f.t.Helper()
	rec := f.do(http.MethodPost, path, body)
	require.Equal(f.t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[api.JobDTO](f.t, rec)
	assert.Equal(f.t, "/api/jobs/"+job.ID, rec.Header().Get("Location"))

	var last api.JobDTO
	require.Eventually(f.t, func() bool {
		last = decode[api.JobDTO](f.t, f.do(http.MethodGet, "/api/jobs/"+job.ID, nil))
		return last.Status == api.JobSucceeded || last.Status == api.JobFailed
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func (f *apiFixture) upload(id review.CycleID, name string, data []byte) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(f.t, err)
	_, err = part.Write(data)
	require.NoError(f.t, err)
	require.NoError(f.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/cycles/%d/responses", id), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// CYCLE LIFECYCLE
// =============================================================================

func TestAPI_CycleLifecycle(t *testing.T) {
	// GIVEN: The small-team sample loaded into an empty root
	// WHEN: Opening, distributing, uploading a reply, ingesting and closing over HTTP
	// THEN: Every step succeeds and the cycle ends Closed with a downloadable rollup

	f := newAPIFixture(t)
	exports := f.scenario("small-team")

	st := f.open(exports[0])
	assert.Equal(t, review.CycleID(1), st.CycleID)
	assert.Equal(t, review.CycleDistributing, st.State)
	assert.Equal(t, 3, st.Rows)
	path := fmt.Sprintf("/api/cycles/%d", st.CycleID)

	job := f.runJob(path+"/distribute", api.ActorRequest{Actor: "auditor"})
	require.Equal(t, api.JobSucceeded, job.Status, job.Error)
	assert.Equal(t, 2, job.Done)
	assert.Len(t, f.mail.Messages(), 2)

	st = decode[cycle.Status](t, f.do(http.MethodGet, path, nil))
	assert.Equal(t, review.CycleCollecting, st.State)
	assert.Len(t, st.Awaiting, 2)

	// Bob sends his worksheet back without edits
	data, err := os.ReadFile(f.layout.Worksheet(st.CycleID, review.NewWorksheetID(st.CycleID, "bob")))
	require.NoError(t, err)
	rec := f.upload(st.CycleID, "reply.xlsx", data)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stored := decode[map[string]string](t, rec)["path"]
	assert.Equal(t, f.layout.Inbox(st.CycleID), filepath.Dir(stored))
	assert.True(t, strings.HasSuffix(stored, "-reply.xlsx"), stored)
	assert.FileExists(t, stored)

	job = f.runJob(path+"/ingest", nil)
	require.Equal(t, api.JobSucceeded, job.Status, job.Error)
	result, ok := job.Result.(map[string]any)
	require.True(t, ok)
	files := result["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, string(cycle.OutcomeAccepted), files[0].(map[string]any)["outcome"])

	rec = f.do(http.MethodPost, path+"/reconcile", api.ActorRequest{Actor: "auditor"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rollup := decode[review.Rollup](t, rec)
	assert.Len(t, rollup.Rows, 3)

	rec = f.do(http.MethodPost, path+"/close", api.ActorRequest{Actor: "auditor"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[api.CloseCycleDTO](t, rec)
	assert.Equal(t, review.CycleClosed, closed.Rollup.State)
	assert.FileExists(t, closed.RollupPath)

	rec = f.do(http.MethodGet, path+"/rollup.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "rollup-1.xlsx")
	x, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer x.Close()
	assert.Contains(t, x.GetSheetList(), sheet.SheetRollup)

	events := decode[[]api.EventDTO](t, f.do(http.MethodGet, path+"/events", nil))
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.NotEmpty(t, ev.Summary)
	}
	assert.Equal(t, review.EventCycleClosed, events[len(events)-1].Type)

	cycles := decode[[]cycle.Status](t, f.do(http.MethodGet, "/api/cycles", nil))
	require.Len(t, cycles, 1)
	assert.Equal(t, review.CycleClosed, cycles[0].State)
}

func TestAPI_OpenWhileOpen_Conflict(t *testing.T) {
	// GIVEN: A cycle that is already open
	// WHEN: Opening another one
	// THEN: 409 with the CYCLE_ALREADY_OPEN code

	f := newAPIFixture(t)
	exports := f.scenario("small-team")
	f.open(exports[0])

	rec := f.do(http.MethodPost, "/api/cycles", api.OpenCycleRequest{MasterPath: exports[0], Actor: "auditor"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, string(review.CodeCycleAlreadyOpen), body.Code)

	rec = f.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "delegation"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_OpenWithBadExport(t *testing.T) {
	f := newAPIFixture(t)
	f.scenario("small-team")

	master := filepath.Join(t.TempDir(), "master.csv")
	require.NoError(t, os.WriteFile(master, []byte("user_id,system,role,reviewer_id\nalice,ERP,admin,zed\n"), 0o644))

	rec := f.do(http.MethodPost, "/api/cycles", api.OpenCycleRequest{MasterPath: master, Actor: "auditor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, string(review.CodeUnknownReviewer), body.Code)
	assert.Equal(t, "zed", body.Details)

	rec = f.do(http.MethodGet, "/api/cycles/current", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_BadRequests(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"missing actor", http.MethodPost, "/api/cycles", map[string]string{"master_path": "x.csv"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/cycles", map[string]string{"master": "x.csv", "actor": "a"}, http.StatusBadRequest},
		{"bad cycle id", http.MethodGet, "/api/cycles/abc", nil, http.StatusBadRequest},
		{"zero cycle id", http.MethodGet, "/api/cycles/0", nil, http.StatusBadRequest},
		{"unknown cycle", http.MethodGet, "/api/cycles/7", nil, http.StatusNotFound},
		{"unknown cycle events", http.MethodGet, "/api/cycles/7/events", nil, http.StatusNotFound},
		{"distribute unknown cycle", http.MethodPost, "/api/cycles/7/distribute", api.ActorRequest{Actor: "a"}, http.StatusNotFound},
		{"abort without reason", http.MethodPost, "/api/cycles/1/abort", api.ActorRequest{Actor: "a"}, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/jobs/nope", nil, http.StatusNotFound},
		{"unknown scenario", http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[api.ErrorResponse](t, rec).Error)
		})
	}
}

func TestAPI_Abort(t *testing.T) {
	f := newAPIFixture(t)
	st := f.open(f.scenario("small-team")[0])
	path := fmt.Sprintf("/api/cycles/%d", st.CycleID)

	rec := f.do(http.MethodPost, path+"/abort", api.AbortCycleRequest{Actor: "auditor", Reason: "wrong export"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[cycle.Status](t, rec)
	assert.Equal(t, review.CycleAborted, got.State)
	assert.Equal(t, 2, got.Counts[review.WorksheetFailed])

	rec = f.do(http.MethodPost, path+"/close", api.ActorRequest{Actor: "auditor"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.upload(st.CycleID, "late.xlsx", []byte("PK"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_UploadSameNameTwice_BothIngested(t *testing.T) {
	// GIVEN: A collecting cycle
	// WHEN: Bob uploads reply.xlsx, then uploads a signed copy under the same name
	// THEN: Both uploads stay in the inbox and the later one replaces the earlier in the journal

	f := newAPIFixture(t)
	id := f.distributed()
	path := fmt.Sprintf("/api/cycles/%d", id)

	src := f.layout.Worksheet(id, review.NewWorksheetID(id, "bob"))
	first, err := os.ReadFile(src)
	require.NoError(t, err)
	x, err := excelize.OpenFile(src)
	require.NoError(t, err)
	require.NoError(t, x.SetCellValue(sheet.SheetSignOff, "B1", "Bob"))
	var buf bytes.Buffer
	require.NoError(t, x.Write(&buf))
	require.NoError(t, x.Close())

	rec := f.upload(id, "reply.xlsx", first)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.upload(id, "reply.xlsx", buf.Bytes())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	files, err := f.layout.InboxFiles(id)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	job := f.runJob(path+"/ingest", nil)
	require.Equal(t, api.JobSucceeded, job.Status, job.Error)
	result := job.Result.(map[string]any)
	outcomes := result["files"].([]any)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, string(cycle.OutcomeAccepted), o.(map[string]any)["outcome"])
	}

	var received []api.EventDTO
	for _, ev := range decode[[]api.EventDTO](t, f.do(http.MethodGet, path+"/events", nil)) {
		if ev.Type == review.EventResponseReceived {
			received = append(received, ev)
		}
	}
	require.Len(t, received, 2)
	assert.NotContains(t, received[0].Summary, "replacing")
	assert.Contains(t, received[1].Summary, "replacing")
}

func TestAPI_ResendUnknownWorksheet(t *testing.T) {
	f := newAPIFixture(t)
	st := f.open(f.scenario("small-team")[0])

	rec := f.do(http.MethodPost, fmt.Sprintf("/api/cycles/%d/worksheets/%d-zed/resend", st.CycleID, st.CycleID), api.ActorRequest{Actor: "auditor"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(review.CodeIllegalTransition), decode[api.ErrorResponse](t, rec).Code)
}

func TestAPI_DistributeFailure_ReportedInJob(t *testing.T) {
	// GIVEN: A transport that rejects Dan's address
	// WHEN: Distributing through the job queue
	// THEN: The job succeeds and reports Dan's worksheet as failed

	f := newAPIFixture(t)
	f.mail.FailFor(mail.CodeRejected, "dan@example.com")
	st := f.open(f.scenario("small-team")[0])

	job := f.runJob(fmt.Sprintf("/api/cycles/%d/distribute", st.CycleID), api.ActorRequest{Actor: "auditor"})
	require.Equal(t, api.JobSucceeded, job.Status)
	failed := job.Result.(map[string]any)["failed"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, mail.CodeRejected, failed[0].(map[string]any)["code"])
}

func TestAPI_Drift(t *testing.T) {
	f := newAPIFixture(t)
	exports := f.scenario("supplementary")
	st := f.open(exports[0])

	rec := f.do(http.MethodPost, fmt.Sprintf("/api/cycles/%d/drift", st.CycleID), map[string]string{"master_path": exports[1]})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decode[api.DriftDTO](t, rec)
	assert.False(t, d.Empty)
	assert.Len(t, d.Added, 1)
	assert.Len(t, d.Changed, 1)
	assert.Empty(t, d.Removed)
}

func TestAPI_Scenarios(t *testing.T) {
	f := newAPIFixture(t)

	list := decode[[]api.ScenarioDTO](t, f.do(http.MethodGet, "/api/scenarios", nil))
	ids := make([]string, len(list))
	for i, sc := range list {
		ids[i] = sc.ID
		assert.NotEmpty(t, sc.Exports)
	}
	assert.Equal(t, []string{"small-team", "delegation", "supplementary"}, ids)

	exports := f.scenario("delegation")
	assert.FileExists(t, f.layout.Roster())
	require.Len(t, exports, 1)

	// The delegate receives Bob's worksheet
	st := f.open(exports[0])
	f.runJob(fmt.Sprintf("/api/cycles/%d/distribute", st.CycleID), api.ActorRequest{Actor: "auditor"})
	assert.Len(t, f.mail.To("frank@example.com"), 1)
	assert.Empty(t, f.mail.To("bob@example.com"))
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoadScenario_DirectCall(t *testing.T) {
	f := newAPIFixture(t)
	out, err := api.LoadScenario(context.Background(), f.svc, "supplementary")
	require.NoError(t, err)
	assert.Len(t, out.Exports, 2)
	for _, p := range out.Exports {
		assert.Equal(t, filepath.Join(f.layout.Root, api.SampleDir, "supplementary"), filepath.Dir(p))
	}
}
