/*
Package logfile stores each cycle's journal as a JSON-lines file.

FORMAT:
  cycles/<cycle_id>/journal.log holds one line per batch, in sequence
  order. A batch of one event is its JSON object; a larger batch is a
  JSON array of events. The file is only ever opened with O_APPEND.

DURABILITY:
  AppendBatch writes the whole batch as one line with a single write call
  and fsyncs the file before returning. A crash can leave at most one
  partial line at the end of the file.

TORN TAIL:
  A final line without a newline is a batch that never completed. Load
  ignores all of it, so a batch is replayed whole or not at all. The
  first append after reopening truncates it away so the next batch starts
  on a clean line.

CONCURRENCY:
  One process owns a root at a time. Within the process a mutex
  serializes writers.
*/
package logfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/review"
)

// Store implements review.Store on top of per-cycle journal.log files.
type Store struct {
	layout layout.Layout

	mu      sync.Mutex
	files   map[review.CycleID]*os.File
	indexes map[review.CycleID]*index
}

// index caches what appends need to validate: last seq and keys seen.
type index struct {
	lastSeq int64
	keys    map[string]bool
}

var _ review.Store = (*Store)(nil)

func New(l layout.Layout) *Store {
	return &Store{
		layout:  l,
		files:   make(map[review.CycleID]*os.File),
		indexes: make(map[review.CycleID]*index),
	}
}

// Close closes every open journal file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, f := range s.files {
		errs = append(errs, f.Close())
		delete(s.files, id)
	}
	return errors.Join(errs...)
}

// Append persists a single event.
func (s *Store) Append(ctx context.Context, ev review.Event) error {
	return s.AppendBatch(ctx, []review.Event{ev})
}

// AppendBatch writes events of one cycle as one line in one write and
// fsyncs.
func (s *Store) AppendBatch(ctx context.Context, events []review.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := events[0].CycleID
	idx, err := s.indexLocked(id)
	if err != nil {
		return err
	}

	seq := idx.lastSeq
	batchKeys := make(map[string]bool)
	for _, ev := range events {
		if ev.CycleID != id {
			return fmt.Errorf("batch mixes cycles %s and %s", id, ev.CycleID)
		}
		if ev.Seq != seq+1 {
			return review.NewError(review.ErrIllegalTransition, id.String(),
				"sequence %d does not follow %d", ev.Seq, seq)
		}
		seq = ev.Seq
		if ev.Key != "" {
			if idx.keys[ev.Key] || batchKeys[ev.Key] {
				return review.ErrDuplicateKey
			}
			batchKeys[ev.Key] = true
		}
	}
	line, err := encodeBatch(events)
	if err != nil {
		return err
	}

	f, err := s.fileLocked(id)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		s.dropLocked(id)
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		s.dropLocked(id)
		return fmt.Errorf("sync %s: %w", f.Name(), err)
	}

	idx.lastSeq = seq
	for k := range batchKeys {
		idx.keys[k] = true
	}
	return nil
}

// Load reads every complete event of a cycle.
func (s *Store) Load(_ context.Context, cycleID review.CycleID) ([]review.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, _, err := s.readLocked(cycleID)
	return events, err
}

func (s *Store) Exists(_ context.Context, cycleID review.CycleID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(cycleID)
	if err != nil {
		return false, err
	}
	return idx.keys[key], nil
}

// Cycles lists cycles whose directory holds a journal.log.
func (s *Store) Cycles(_ context.Context) ([]review.CycleID, error) {
	ids, err := s.layout.CycleIDs()
	if err != nil {
		return nil, err
	}
	var out []review.CycleID
	for _, id := range ids {
		if info, err := os.Stat(s.layout.Journal(id)); err == nil && info.Size() > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// =============================================================================
// FILE HANDLING
// =============================================================================

// readLocked decodes the journal and returns the length of its valid
// prefix, which excludes a torn final line.
func (s *Store) readLocked(id review.CycleID) ([]review.Event, int64, error) {
	f, err := os.Open(s.layout.Journal(id))
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		events []review.Event
		valid  int64
		lineNo int
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Anything left without a newline is a torn write.
			break
		}
		if err != nil {
			return nil, 0, err
		}
		lineNo++
		valid += int64(len(line))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		batch, err := decodeBatch(line)
		if err != nil {
			return nil, 0, fmt.Errorf("%s line %d: %w", s.layout.Journal(id), lineNo, err)
		}
		events = append(events, batch...)
	}
	return events, valid, nil
}

// encodeBatch renders a batch as one newline-terminated line.
func encodeBatch(events []review.Event) ([]byte, error) {
	var v any = events
	if len(events) == 1 {
		v = events[0]
	}
	line, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode events %d..%d: %w", events[0].Seq, events[len(events)-1].Seq, err)
	}
	return append(line, '\n'), nil
}

func decodeBatch(line []byte) ([]review.Event, error) {
	line = bytes.TrimSpace(line)
	if line[0] == '[' {
		var batch []review.Event
		if err := json.Unmarshal(line, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var ev review.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return []review.Event{ev}, nil
}

func (s *Store) indexLocked(id review.CycleID) (*index, error) {
	if idx, ok := s.indexes[id]; ok {
		return idx, nil
	}
	events, _, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	idx := &index{keys: make(map[string]bool)}
	for _, ev := range events {
		idx.lastSeq = ev.Seq
		if ev.Key != "" {
			idx.keys[ev.Key] = true
		}
	}
	s.indexes[id] = idx
	return idx, nil
}

// fileLocked opens the journal for appending, repairing a torn tail first.
func (s *Store) fileLocked(id review.CycleID) (*os.File, error) {
	if f, ok := s.files[id]; ok {
		return f, nil
	}
	path := s.layout.Journal(id)
	if err := os.MkdirAll(s.layout.Cycle(id), 0o755); err != nil {
		return nil, err
	}
	_, valid, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil && info.Size() > valid {
		if err := os.Truncate(path, valid); err != nil {
			return nil, fmt.Errorf("repair torn tail of %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.files[id] = f
	return f, nil
}

// dropLocked forgets cached state after a failed write so the next call
// starts again from what is on disk.
func (s *Store) dropLocked(id review.CycleID) {
	if f, ok := s.files[id]; ok {
		f.Close()
		delete(s.files, id)
	}
	delete(s.indexes, id)
}
