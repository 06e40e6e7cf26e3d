package cycle_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/mail"
	"github.com/warp/access-review/review"
	"github.com/warp/access-review/review/store"
	"github.com/warp/access-review/sheet"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// opened is when every test cycle opens; with the default 14 due days the
// cycle is due 2025-03-17T23:59:59Z.
var opened = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

const teamMaster = `user_id,system,role,granted_on,reviewer_id
alice,ERP,admin,2024-01-15,bob
alice,CRM,user,2024-02-01,bob
carol,ERP,user,,dan
`

var teamRoster = []review.Reviewer{
	{ID: "bob", Name: "Bob Builder", Email: "b@x.test"},
	{ID: "dan", Name: "Dan Dare", Email: "d@x.test"},
}

type fixture struct {
	t        *testing.T
	layout   layout.Layout
	store    *store.Memory
	journal  *review.DefaultJournal
	mail     *mail.Recorder
	settings cycle.Settings
	svc      *cycle.Service
	now      time.Time
}

func newFixture(t *testing.T, configure ...func(*cycle.Settings)) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		layout:   layout.New(t.TempDir()),
		store:    store.NewMemory(),
		mail:     mail.NewRecorder(),
		settings: cycle.DefaultSettings(),
		now:      opened,
	}
	for _, c := range configure {
		c(&f.settings)
	}
	f.writeRoster(teamRoster)
	f.restart()
	return f
}

// restart builds a new journal and service over the same store and root,
// the way a process started after a crash would.
func (f *fixture) restart() {
	f.t.Helper()
	f.journal = review.NewJournal(f.store)
	svc, err := cycle.NewService(cycle.Options{
		Journal:   f.journal,
		Layout:    f.layout,
		Transport: f.mail,
		Settings:  f.settings,
		Logger:    zaptest.NewLogger(f.t),
		Now:       func() time.Time { return f.now },
	})
	require.NoError(f.t, err)
	f.svc = svc
}

func (f *fixture) writeRoster(reviewers []review.Reviewer) {
	f.t.Helper()
	data, err := json.Marshal(reviewers)
	require.NoError(f.t, err)
	require.NoError(f.t, os.WriteFile(f.layout.Roster(), data, 0o644))
}

func (f *fixture) writeMaster(name, csv string) string {
	f.t.Helper()
	path := filepath.Join(f.t.TempDir(), name)
	require.NoError(f.t, os.WriteFile(path, []byte(csv), 0o644))
	return path
}

// open opens a cycle over the given master export.
func (f *fixture) open(csv string) *review.Cycle {
	f.t.Helper()
	c, err := f.svc.Open(context.Background(), cycle.OpenRequest{MasterPath: f.writeMaster("master.csv", csv), Actor: "auditor"})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) distribute(id review.CycleID) *cycle.DistributeResult {
	f.t.Helper()
	res, err := f.svc.Distribute(context.Background(), id, "auditor", nil)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) ingest(id review.CycleID) *cycle.IngestResult {
	f.t.Helper()
	res, err := f.svc.IngestInbox(context.Background(), id, nil)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) cycle(id review.CycleID) *review.Cycle {
	f.t.Helper()
	c, err := f.journal.Replay(context.Background(), id)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) rollup(id review.CycleID) *review.Rollup {
	f.t.Helper()
	r, err := f.svc.Rollup(context.Background(), id)
	require.NoError(f.t, err)
	return r
}

// answer is what a reviewer types into one row.
type answer struct {
	verdict       string
	justification string
}

// reply fills in the distributed worksheet of reviewer the way a reviewer
// would and drops it into the inbox with modification time at. Rows are
// addressed as "user/system/role". edit, when set, runs before saving.
func (f *fixture) reply(id review.CycleID, reviewer, name string, at time.Time, answers map[string]answer, edit func(*excelize.File)) string {
	f.t.Helper()
	src := f.layout.Worksheet(id, review.NewWorksheetID(id, reviewer))
	x, err := excelize.OpenFile(src)
	require.NoError(f.t, err)
	defer x.Close()

	rows, err := x.GetRows(sheet.SheetReview)
	require.NoError(f.t, err)
	col := make(map[string]int)
	for i, h := range rows[0] {
		col[h] = i + 1
	}
	for r, rec := range rows[1:] {
		key := rec[col[review.ColUserID]-1] + "/" + rec[col[review.ColSystem]-1] + "/" + rec[col[review.ColRole]-1]
		a, ok := answers[key]
		if !ok {
			continue
		}
		f.setCell(x, col[sheet.ColVerdict], r+2, a.verdict)
		f.setCell(x, col[sheet.ColJustification], r+2, a.justification)
	}
	require.NoError(f.t, x.SetCellValue(sheet.SheetSignOff, "B1", strings.ToUpper(reviewer[:1])+reviewer[1:]))
	if edit != nil {
		edit(x)
	}

	dst := filepath.Join(f.layout.Inbox(id), name)
	require.NoError(f.t, x.SaveAs(dst))
	require.NoError(f.t, os.Chtimes(dst, at, at))
	return dst
}

func (f *fixture) setCell(x *excelize.File, col, row int, value string) {
	f.t.Helper()
	cell, err := excelize.CoordinatesToCellName(col, row)
	require.NoError(f.t, err)
	require.NoError(f.t, x.SetCellStr(sheet.SheetReview, cell, value))
}

// setRole overwrites the role cell of data row n (1-based) of the review sheet.
func setRole(t *testing.T, n int, role string) func(*excelize.File) {
	return func(x *excelize.File) {
		cell, err := excelize.CoordinatesToCellName(3, n+1)
		require.NoError(t, err)
		require.NoError(t, x.SetCellStr(sheet.SheetReview, cell, role))
	}
}

// swapRows exchanges two data rows of the review sheet, verdicts included.
func swapRows(t *testing.T, a, b int) func(*excelize.File) {
	return func(x *excelize.File) {
		rows, err := x.GetRows(sheet.SheetReview)
		require.NoError(t, err)
		ra, rb := rows[a], rows[b]
		for i := 0; i < len(rows[0]); i++ {
			ca, _ := excelize.CoordinatesToCellName(i+1, a+1)
			cb, _ := excelize.CoordinatesToCellName(i+1, b+1)
			require.NoError(t, x.SetCellStr(sheet.SheetReview, ca, cellAt(rb, i)))
			require.NoError(t, x.SetCellStr(sheet.SheetReview, cb, cellAt(ra, i)))
		}
	}
}

func cellAt(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

// rowOf finds the rollup row of an entitlement.
func rowOf(t *testing.T, r *review.Rollup, user, system, role string) review.RollupRow {
	t.Helper()
	for _, row := range r.Rows {
		if row.UserID == user && row.System == system && row.Role == role {
			return row
		}
	}
	t.Fatalf("no rollup row for %s/%s/%s", user, system, role)
	return review.RollupRow{}
}

func eventsOf(c *review.Cycle, typ review.EventType) []review.Event {
	var out []review.Event
	for _, ev := range c.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func bobID(c review.CycleID) review.WorksheetID { return review.NewWorksheetID(c, "bob") }
func danID(c review.CycleID) review.WorksheetID { return review.NewWorksheetID(c, "dan") }
