package logfile_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/review"
	"github.com/warp/access-review/review/store/storetest"
	"github.com/warp/access-review/store/logfile"
)

func newStore(t *testing.T, l layout.Layout) *logfile.Store {
	t.Helper()
	s := logfile.New(l)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) review.Store {
		return newStore(t, layout.New(t.TempDir()))
	})
}

func TestStore_OneJSONLinePerBatch(t *testing.T) {
	ctx := context.Background()
	l := layout.New(t.TempDir())
	s := newStore(t, l)

	require.NoError(t, s.Append(ctx, storetest.Event(1, 1, review.EventCycleOpened, "")))
	require.NoError(t, s.AppendBatch(ctx, []review.Event{
		storetest.Event(1, 2, review.EventResponseReceived, "response:r1"),
		storetest.Event(1, 3, review.EventCycleState, ""),
	}))

	data, err := os.ReadFile(l.Journal(1))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], `{`), lines[0])
	assert.Contains(t, lines[0], `"type":"cycle_opened"`)
	assert.True(t, strings.HasPrefix(lines[1], `[`), lines[1])
	assert.Contains(t, lines[1], `"key":"response:r1"`)

	events, err := logfile.New(l).Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestStore_TornTail_IgnoredAndRepaired(t *testing.T) {
	// GIVEN: A journal whose last write stopped halfway through a line
	// WHEN: A new process loads it and appends the next event
	// THEN: The torn line is dropped and the journal stays parseable

	ctx := context.Background()
	l := layout.New(t.TempDir())
	first := logfile.New(l)
	require.NoError(t, first.AppendBatch(ctx, []review.Event{
		storetest.Event(1, 1, review.EventCycleOpened, ""),
		storetest.Event(1, 2, review.EventResponseReceived, "response:r1"),
	}))
	require.NoError(t, first.Close())

	f, err := os.OpenFile(l.Journal(1), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"cycle_id":1,"type":"cycle_st`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s := newStore(t, l)
	events, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	require.NoError(t, s.Append(ctx, storetest.Event(1, 3, review.EventCycleState, "")))

	events, err = logfile.New(l).Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].Seq)
	assert.Equal(t, review.EventCycleState, events[2].Type)
}

func TestStore_TornBatch_DroppedWhole(t *testing.T) {
	// GIVEN: A journal whose last three-event batch was cut after its first event
	// WHEN: A new process loads it and appends again
	// THEN: No event of the torn batch is replayed and its sequence numbers are reused

	ctx := context.Background()
	l := layout.New(t.TempDir())
	first := logfile.New(l)
	require.NoError(t, first.Append(ctx, storetest.Event(1, 1, review.EventCycleOpened, "")))
	require.NoError(t, first.AppendBatch(ctx, []review.Event{
		storetest.Event(1, 2, review.EventResponseReceived, "response:r1"),
		storetest.Event(1, 3, review.EventDecisionRecorded, ""),
		storetest.Event(1, 4, review.EventCycleState, ""),
	}))
	require.NoError(t, first.Close())

	data, err := os.ReadFile(l.Journal(1))
	require.NoError(t, err)
	head := strings.IndexByte(string(data), '\n') + 1
	cut := head + strings.Index(string(data[head:]), `},{`) + 1
	require.Greater(t, cut, head)
	require.NoError(t, os.Truncate(l.Journal(1), int64(cut)))

	s := newStore(t, l)
	events, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, review.EventCycleOpened, events[0].Type)

	exists, err := s.Exists(ctx, 1, "response:r1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Append(ctx, storetest.Event(1, 2, review.EventResponseReceived, "response:r1")))
	events, err = logfile.New(l).Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "response:r1", events[1].Key)
}

func TestStore_ReopenKeepsKeys(t *testing.T) {
	ctx := context.Background()
	l := layout.New(t.TempDir())
	first := logfile.New(l)
	require.NoError(t, first.AppendBatch(ctx, []review.Event{
		storetest.Event(1, 1, review.EventCycleOpened, ""),
		storetest.Event(1, 2, review.EventResponseReceived, "response:r1"),
	}))
	require.NoError(t, first.Close())

	s := newStore(t, l)
	exists, err := s.Exists(ctx, 1, "response:r1")
	require.NoError(t, err)
	assert.True(t, exists)

	err = s.Append(ctx, storetest.Event(1, 3, review.EventResponseSuperseded, "response:r1"))
	assert.ErrorIs(t, err, review.ErrDuplicateKey)
}

func TestStore_Cycles_IgnoresDirectoriesWithoutJournal(t *testing.T) {
	ctx := context.Background()
	l := layout.New(t.TempDir())
	s := newStore(t, l)

	require.NoError(t, l.Ensure(4))
	require.NoError(t, os.MkdirAll(filepath.Join(l.Cycles(), "notes"), 0o755))
	require.NoError(t, s.Append(ctx, storetest.Event(2, 1, review.EventCycleOpened, "")))

	ids, err := s.Cycles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []review.CycleID{2}, ids)
}

func TestStore_CancelledContext_WritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := layout.New(t.TempDir())
	s := newStore(t, l)

	err := s.Append(ctx, storetest.Event(1, 1, review.EventCycleOpened, ""))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(l.Journal(1))
	assert.True(t, os.IsNotExist(err))
}
