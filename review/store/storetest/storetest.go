// Package storetest checks a review.Store implementation against the
// append-only journal contract. Each backend's tests call Run.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/access-review/review"
)

var at = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

// Event builds a minimal event for cycle id at position seq.
func Event(id review.CycleID, seq int64, typ review.EventType, key string) review.Event {
	ev := review.Event{
		Seq:     seq,
		CycleID: id,
		Type:    typ,
		At:      at.Add(time.Duration(seq) * time.Second),
		Key:     key,
		Actor:   "test",
	}
	switch typ {
	case review.EventCycleOpened:
		ev.Opened = &review.OpenedData{
			DueAt:        at.AddDate(0, 0, 14),
			LateAfter:    at.AddDate(0, 0, 14),
			MasterPath:   "cycles/1/master.snapshot",
			MasterDigest: "abc",
			Rows: []review.EntitlementRow{{
				UserID: "alice", System: "ERP", Role: "admin", ReviewerID: "bob",
				Extra: map[string]string{"department": "Finance"},
			}},
			Fingerprints: []string{"fp1"},
			Roster:       []review.Reviewer{{ID: "bob", Name: "Bob", Email: "b@x.test"}},
		}
	case review.EventResponseReceived, review.EventResponseRejected, review.EventResponseSuperseded:
		ev.WorksheetID = review.NewWorksheetID(id, "bob")
		ev.Response = &review.ResponseData{
			ResponseID: key,
			FilePath:   "inbox/bob.xlsx",
			ReceivedAt: at.Add(time.Hour),
			Late:       true,
		}
	case review.EventDecisionRecorded:
		ev.WorksheetID = review.NewWorksheetID(id, "bob")
		ev.Decision = &review.Decision{
			RowFingerprint: "fp1",
			Verdict:        review.VerdictRevoke,
			Justification:  "left the company",
			ReceivedAt:     at.Add(time.Hour),
			ResponseID:     "r1",
			Flags:          []string{review.FlagTruncated},
		}
	}
	return ev
}

// Run exercises newStore. Each subtest gets a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) review.Store) {
	ctx := context.Background()

	t.Run("AppendAndLoad_PreservesEvents", func(t *testing.T) {
		// GIVEN: An empty store
		// WHEN: Appending an opened event, then a response batch
		// THEN: Load returns them in sequence order with every payload intact

		s := newStore(t)
		want := []review.Event{
			Event(1, 1, review.EventCycleOpened, ""),
			Event(1, 2, review.EventResponseReceived, "response:r1"),
			Event(1, 3, review.EventDecisionRecorded, ""),
		}
		require.NoError(t, s.Append(ctx, want[0]))
		require.NoError(t, s.AppendBatch(ctx, want[1:]))

		got, err := s.Load(ctx, 1)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("loaded events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Load_UnknownCycle_IsEmpty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Load(ctx, 9)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("SequenceGap_Rejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, Event(1, 1, review.EventCycleOpened, "")))

		err := s.Append(ctx, Event(1, 3, review.EventCycleState, ""))
		assert.Error(t, err)

		err = s.Append(ctx, Event(1, 1, review.EventCycleState, ""))
		assert.Error(t, err)

		got, err := s.Load(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("DuplicateKey_RejectsWholeBatch", func(t *testing.T) {
		// GIVEN: A response keyed response:r1 already stored
		// WHEN: Appending a batch that repeats the key after a valid event
		// THEN: ErrDuplicateKey and none of the batch is written

		s := newStore(t)
		require.NoError(t, s.AppendBatch(ctx, []review.Event{
			Event(1, 1, review.EventCycleOpened, ""),
			Event(1, 2, review.EventResponseReceived, "response:r1"),
		}))

		err := s.AppendBatch(ctx, []review.Event{
			Event(1, 3, review.EventResponseRejected, "response:r2"),
			Event(1, 4, review.EventResponseSuperseded, "response:r1"),
		})
		assert.ErrorIs(t, err, review.ErrDuplicateKey)

		err = s.AppendBatch(ctx, []review.Event{
			Event(1, 3, review.EventResponseRejected, "response:r3"),
			Event(1, 4, review.EventResponseRejected, "response:r3"),
		})
		assert.ErrorIs(t, err, review.ErrDuplicateKey)

		got, err := s.Load(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		exists, err := s.Exists(ctx, 1, "response:r2")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Exists_IsScopedToCycle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendBatch(ctx, []review.Event{
			Event(1, 1, review.EventCycleOpened, ""),
			Event(1, 2, review.EventResponseReceived, "response:r1"),
		}))
		require.NoError(t, s.AppendBatch(ctx, []review.Event{
			Event(2, 1, review.EventCycleOpened, ""),
			Event(2, 2, review.EventResponseReceived, "response:r1"),
		}))

		for _, id := range []review.CycleID{1, 2} {
			exists, err := s.Exists(ctx, id, "response:r1")
			require.NoError(t, err)
			assert.True(t, exists)
		}
		exists, err := s.Exists(ctx, 3, "response:r1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Cycles_Ascending", func(t *testing.T) {
		s := newStore(t)
		ids, err := s.Cycles(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)

		for _, id := range []review.CycleID{3, 1, 2} {
			require.NoError(t, s.Append(ctx, Event(id, 1, review.EventCycleOpened, "")))
		}
		ids, err = s.Cycles(ctx)
		require.NoError(t, err)
		assert.Equal(t, []review.CycleID{1, 2, 3}, ids)
	})

	t.Run("Journal_RoundTrip", func(t *testing.T) {
		// The journal on top of the store replays to the same cycle it built.
		s := newStore(t)
		j := review.NewJournal(s)
		id, err := j.OpenCycle(ctx, "test", func(review.CycleID) (*review.OpenedData, error) {
			set, err := review.SetFromRows([]review.EntitlementRow{
				{UserID: "alice", System: "ERP", Role: "admin", ReviewerID: "bob"},
			}, nil)
			if err != nil {
				return nil, err
			}
			return &review.OpenedData{
				DueAt:        at.AddDate(0, 0, 14),
				LateAfter:    at.AddDate(0, 0, 14),
				Rows:         set.Rows,
				Fingerprints: set.Fingerprints,
				Roster:       []review.Reviewer{{ID: "bob", Email: "b@x.test"}},
			}, nil
		})
		require.NoError(t, err)

		c, err := j.Replay(ctx, id)
		require.NoError(t, err)
		p, err := c.Partition()
		require.NoError(t, err)
		_, err = j.RecordPartition(ctx, id, p, "test")
		require.NoError(t, err)
		_, err = j.AbortCycle(ctx, id, "test", "done")
		require.NoError(t, err)

		c, err = review.NewJournal(s).Replay(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, review.CycleAborted, c.State)
		assert.Equal(t, int64(3), c.LastSeq)
		assert.Equal(t, review.FailureAborted, c.Worksheet(review.NewWorksheetID(id, "bob")).FailureKind)
	})

	t.Run("ExportLog", func(t *testing.T) {
		s := newStore(t)
		log, ok := s.(review.ExportLog)
		if !ok {
			t.Skip("store does not keep an export log")
		}
		e := review.Export{CycleID: 1, AsOfSeq: 12, Path: "cycles/1/rollup.xlsx", Digest: "abc", At: at}
		require.NoError(t, log.RecordExport(ctx, e))
		require.NoError(t, log.RecordExport(ctx, review.Export{CycleID: 2, AsOfSeq: 3, Path: "x", Digest: "d", At: at}))

		got, err := log.Exports(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, e.Path, got[0].Path)
		assert.Equal(t, e.AsOfSeq, got[0].AsOfSeq)
		assert.True(t, e.At.Equal(got[0].At))
	})
}
