package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/access-review/api"
	"github.com/warp/access-review/bootstrap"
	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/review"
)

// execute runs the CLI against root with fresh flag values.
func execute(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	appOptions = []bootstrap.Option{bootstrap.WithLogger(zap.NewNop())}

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{
		"--root", root,
		"--config", filepath.Join(root, "absent.yaml"),
		"--actor", "auditor",
	}, args...))
	err := rootCmd.Execute()
	closeApp(&stderr)
	return stdout.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestCLI_FullCycle(t *testing.T) {
	// GIVEN: The small-team sample loaded into an empty root
	// WHEN: Opening, distributing, ingesting one reply and closing
	// THEN: Each step reports its result and the rollup lands on disk

	root := t.TempDir()
	l := layout.New(root)

	out, err := execute(t, root, "scenario", "load", "small-team")
	require.NoError(t, err)
	assert.Contains(t, out, "Roster written to")
	export := filepath.Join(root, "samples", "small-team", "entitlements.csv")

	out, err = execute(t, root, "open", export)
	require.NoError(t, err)
	assert.Contains(t, out, "Opened cycle 1: 3 rows, 2 worksheets")

	_, err = execute(t, root, "open", export)
	require.Error(t, err)
	assert.ErrorIs(t, err, review.ErrCycleAlreadyOpen)
	assert.Equal(t, 5, exitCode(err))

	out, err = execute(t, root, "distribute")
	require.NoError(t, err)
	assert.Contains(t, out, "1-bob")
	assert.Contains(t, out, "1-dan")
	assert.Contains(t, out, "2 sent, 0 failed, 0 still draft")

	data, err := os.ReadFile(l.Worksheet(1, review.NewWorksheetID(1, "bob")))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(l.Inbox(1), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.Inbox(1), "reply.xlsx"), data, 0o644))

	out, err = execute(t, root, "ingest")
	require.NoError(t, err)
	assert.Contains(t, out, "1 accepted")

	out, err = execute(t, root, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Cycle 1 is collecting")
	assert.Contains(t, out, string(review.WorksheetReceived))

	out, err = execute(t, root, "close")
	require.NoError(t, err)
	assert.Contains(t, out, "Closed cycle 1")
	assert.FileExists(t, l.Rollup(1))

	out, err = execute(t, root, "cycles", "--json")
	require.NoError(t, err)
	var list []cycle.Status
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, review.CycleClosed, list[0].State)

	out, err = execute(t, root, "events", "--cycle", "1")
	require.NoError(t, err)
	assert.Contains(t, out, string(review.EventCycleClosed))

	custom := filepath.Join(t.TempDir(), "copy.xlsx")
	out, err = execute(t, root, "export", "-c", "1", "-o", custom)
	require.NoError(t, err)
	assert.Contains(t, out, custom)
	assert.FileExists(t, custom)
}

func TestCLI_NoOpenCycle(t *testing.T) {
	root := t.TempDir()

	for _, args := range [][]string{{"status"}, {"distribute"}, {"ingest"}} {
		_, err := execute(t, root, args...)
		require.Error(t, err, args)
		assert.ErrorIs(t, err, review.ErrCycleNotOpen)
		assert.Equal(t, 5, exitCode(err))
	}

	out, err := execute(t, root, "resume")
	require.NoError(t, err)
	assert.Contains(t, out, "No open cycles")
}

func TestCLI_BadExport(t *testing.T) {
	// GIVEN: A roster without the reviewer named in the export
	// WHEN: Opening a cycle
	// THEN: The input error maps to exit code 2 and nothing is journaled

	root := t.TempDir()
	_, err := execute(t, root, "scenario", "load", "small-team")
	require.NoError(t, err)

	bad := filepath.Join(root, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("user_id,system,role,granted_on,reviewer_id\nzoe,ERP,admin,,zed\n"), 0o644))

	_, err = execute(t, root, "open", bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, review.ErrUnknownReviewer)
	assert.Equal(t, 2, exitCode(err))

	out, err := execute(t, root, "cycles", "--json")
	require.NoError(t, err)
	var list []cycle.Status
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Empty(t, list)
}

func TestCLI_AbortAndResend(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, root, "scenario", "load", "small-team")
	require.NoError(t, err)
	_, err = execute(t, root, "open", filepath.Join(root, "samples", "small-team", "entitlements.csv"))
	require.NoError(t, err)
	_, err = execute(t, root, "distribute")
	require.NoError(t, err)

	// Only failed sends may be re-sent
	_, err = execute(t, root, "resend", "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, review.ErrIllegalTransition)

	_, err = execute(t, root, "abort")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason")

	out, err := execute(t, root, "abort", "--reason", "wrong export")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted cycle 1")

	_, err = execute(t, root, "close", "-c", "1")
	assert.ErrorIs(t, err, review.ErrCycleNotOpen)
}

func TestCLI_UnknownScenario(t *testing.T) {
	_, err := execute(t, t.TempDir(), "scenario", "load", "nope")
	assert.ErrorIs(t, err, api.ErrUnknownScenario)
	assert.Contains(t, err.Error(), `"nope"`)
	assert.Equal(t, 1, exitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{review.NewError(review.ErrMalformedRow, "a/erp/admin", "bad"), 2},
		{review.NewError(review.ErrTamperedWorksheet, "1-bob", "edited"), 3},
		{review.NewError(review.ErrSendFailed, "1-bob", "refused"), 4},
		{review.NewError(review.ErrIllegalTransition, "1", "nope"), 5},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), tt.err.Error())
	}
}

func TestCLI_SupplementaryCycle(t *testing.T) {
	// GIVEN: A closed cycle over the Q1 export
	// WHEN: A late export adds one grant and re-grants another
	// THEN: diff shows the drift and open covers only those two rows

	root := t.TempDir()
	_, err := execute(t, root, "scenario", "load", "supplementary")
	require.NoError(t, err)
	dir := filepath.Join(root, "samples", "supplementary")

	_, err = execute(t, root, "open", filepath.Join(dir, "entitlements-q1.csv"))
	require.NoError(t, err)
	_, err = execute(t, root, "distribute")
	require.NoError(t, err)
	_, err = execute(t, root, "close")
	require.NoError(t, err)

	late := filepath.Join(dir, "entitlements-q1-late.csv")
	_, err = execute(t, root, "diff", late)
	assert.ErrorContains(t, err, "--supplements is required")

	out, err := execute(t, root, "diff", "--supplements", "1", late)
	require.NoError(t, err)
	assert.Contains(t, out, "1 added, 1 changed, 0 removed")

	out, err = execute(t, root, "open", "--supplements", "1", late)
	require.NoError(t, err)
	assert.Contains(t, out, "Opened cycle 2 (supplementary to cycle 1): 2 rows")
}
