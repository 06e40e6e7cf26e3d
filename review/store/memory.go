// Package store provides an in-memory journal Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/access-review/review"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dry runs)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	events      map[review.CycleID][]review.Event
	idempotency map[key]bool
	exports     []review.Export
}

type key struct {
	CycleID review.CycleID
	Key     string
}

func NewMemory() *Memory {
	return &Memory{
		events:      make(map[review.CycleID][]review.Event),
		idempotency: make(map[key]bool),
	}
}

var (
	_ review.Store     = (*Memory)(nil)
	_ review.ExportLog = (*Memory)(nil)
)

// Append adds a single event. Append-only.
func (m *Memory) Append(ctx context.Context, ev review.Event) error {
	return m.AppendBatch(ctx, []review.Event{ev})
}

// AppendBatch adds multiple events atomically.
func (m *Memory) AppendBatch(_ context.Context, events []review.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check keys and sequence first (atomic check)
	inBatch := make(map[key]bool)
	next := make(map[review.CycleID]int64)
	for _, ev := range events {
		if _, ok := next[ev.CycleID]; !ok {
			next[ev.CycleID] = int64(len(m.events[ev.CycleID])) + 1
		}
		if ev.Seq != next[ev.CycleID] {
			return review.NewError(review.ErrIllegalTransition, ev.CycleID.String(),
				"sequence %d does not follow %d", ev.Seq, next[ev.CycleID]-1)
		}
		next[ev.CycleID]++
		if ev.Key == "" {
			continue
		}
		k := key{CycleID: ev.CycleID, Key: ev.Key}
		if m.idempotency[k] || inBatch[k] {
			return review.ErrDuplicateKey
		}
		inBatch[k] = true
	}

	// Append all (atomic write)
	for _, ev := range events {
		m.events[ev.CycleID] = append(m.events[ev.CycleID], ev)
		if ev.Key != "" {
			m.idempotency[key{CycleID: ev.CycleID, Key: ev.Key}] = true
		}
	}
	return nil
}

func (m *Memory) Load(_ context.Context, cycleID review.CycleID) ([]review.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]review.Event, len(m.events[cycleID]))
	copy(result, m.events[cycleID])
	return result, nil
}

func (m *Memory) Exists(_ context.Context, cycleID review.CycleID, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[key{CycleID: cycleID, Key: idempotencyKey}], nil
}

func (m *Memory) Cycles(_ context.Context) ([]review.CycleID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]review.CycleID, 0, len(m.events))
	for id := range m.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// EXPORT LOG
// =============================================================================

func (m *Memory) RecordExport(_ context.Context, e review.Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports = append(m.exports, e)
	return nil
}

func (m *Memory) Exports(_ context.Context, cycleID review.CycleID) ([]review.Export, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []review.Export
	for _, e := range m.exports {
		if e.CycleID == cycleID {
			out = append(out, e)
		}
	}
	return out, nil
}
