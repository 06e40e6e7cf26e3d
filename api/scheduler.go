/*
scheduler.go - Automated inbox ingestion

PURPOSE:
  Periodically checks the open cycle's inbox for returned worksheets and
  ingests them, so an operator only has to drop files (or let a mail
  rule drop them) into cycles/<id>/inbox/.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - An fsnotify watch on the inbox triggers a check as soon as a file
    lands, after a short settle delay so half-copied files are not read
  - A check only ingests when the inbox listing changed since the last
    run; files already journaled are skipped by their idempotency key
    anyway, so an extra run is harmless
  - A run that left a file timed out or unreadable does not record the
    listing, so the next check retries those files
  - The watch follows the open cycle: when it closes and another opens,
    the next check moves the watch

USAGE:
  scheduler := NewInboxScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/review"
)

// InboxScheduler ingests returned worksheets of the open cycle.
type InboxScheduler struct {
	Service       *cycle.Service
	Logger        *zap.Logger
	CheckInterval time.Duration
	SettleDelay   time.Duration
	Watch         bool

	// OnIngest observes every completed run.
	OnIngest func(*cycle.IngestResult)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	watcher  *fsnotify.Watcher
	watching string
	last     map[review.CycleID]string
}

// NewInboxScheduler creates a scheduler with a one minute interval.
func NewInboxScheduler(svc *cycle.Service, logger *zap.Logger) *InboxScheduler {
	return &InboxScheduler{
		Service:       svc,
		Logger:        logger,
		CheckInterval: time.Minute,
		SettleDelay:   2 * time.Second,
		Watch:         true,
		last:          make(map[review.CycleID]string),
	}
}

// Start begins the scheduler. A failing fsnotify watcher degrades to
// polling only.
func (s *InboxScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var events <-chan fsnotify.Event
	var errs <-chan error
	if s.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.Logger.Warn("inbox watch unavailable, polling only", zap.Error(err))
		} else {
			s.watcher = w
			events, errs = w.Events, w.Errors
		}
	}

	s.wg.Add(1)
	go s.run(events, errs)

	s.Logger.Info("inbox scheduler started", zap.Duration("interval", s.CheckInterval), zap.Bool("watch", s.watcher != nil))
}

// Stop stops the scheduler and waits for a running ingest to return.
func (s *InboxScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	s.Logger.Info("inbox scheduler stopped")
}

func (s *InboxScheduler) run(events <-chan fsnotify.Event, errs <-chan error) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

	// A nil timer channel blocks until a file event arms it.
	var settle *time.Timer
	var settled <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	// Run immediately on start
	s.check(s.ctx)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.check(s.ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !relevant(ev) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(s.SettleDelay)
			} else {
				settle.Reset(s.SettleDelay)
			}
			settled = settle.C
		case <-settled:
			settled = nil
			s.check(s.ctx)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.Logger.Warn("inbox watch error", zap.Error(err))
		}
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (s *InboxScheduler) RunNow(ctx context.Context) (*cycle.IngestResult, error) {
	return s.ingest(ctx)
}

func (s *InboxScheduler) check(ctx context.Context) {
	if _, err := s.ingest(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.Logger.Warn("inbox check failed", zap.Error(err))
	}
}

// ingest runs one pass over the open cycle's inbox. It returns nil, nil
// when there is no open cycle or nothing new arrived.
func (s *InboxScheduler) ingest(ctx context.Context) (*cycle.IngestResult, error) {
	c, err := s.Service.Current(ctx)
	if errors.Is(err, review.ErrCycleNotOpen) {
		s.follow("")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !c.State.AcceptsResponses() {
		return nil, nil
	}

	l := s.Service.Layout()
	if err := l.Ensure(c.ID); err != nil {
		return nil, err
	}
	s.follow(l.Inbox(c.ID))

	files, err := l.InboxFiles(c.ID)
	if err != nil {
		return nil, err
	}
	sig := signature(files)

	s.mu.Lock()
	unchanged := len(files) == 0 || s.last[c.ID] == sig
	s.mu.Unlock()
	if unchanged {
		return nil, nil
	}

	res, err := s.Service.IngestInbox(ctx, c.ID, nil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if retry(res) {
		delete(s.last, c.ID)
	} else {
		s.last[c.ID] = sig
	}
	s.mu.Unlock()

	s.Logger.Info("inbox ingested",
		zap.Stringer("cycle_id", c.ID),
		zap.Int("files", len(res.Files)),
		zap.Int("accepted", res.Count(cycle.OutcomeAccepted)),
		zap.Int("tampered", res.Count(cycle.OutcomeTampered)),
		zap.Int("rejected", res.Count(cycle.OutcomeRejected)),
		zap.Int("duplicate", res.Count(cycle.OutcomeDuplicate)),
		zap.Int("retry", res.Count(cycle.OutcomeTimeout)+res.Count(cycle.OutcomeUnreadable)))
	if s.OnIngest != nil {
		s.OnIngest(res)
	}
	return res, nil
}

// follow points the fsnotify watch at dir, or at nothing when dir is empty.
func (s *InboxScheduler) follow(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil || s.watching == dir {
		return
	}
	if s.watching != "" {
		if err := s.watcher.Remove(s.watching); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			s.Logger.Debug("inbox unwatch", zap.String("dir", s.watching), zap.Error(err))
		}
	}
	s.watching = ""
	if dir == "" {
		return
	}
	if err := s.watcher.Add(dir); err != nil {
		s.Logger.Warn("inbox watch failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	s.watching = dir
	s.Logger.Debug("watching inbox", zap.String("dir", dir))
}

func relevant(ev fsnotify.Event) bool {
	name := ev.Name[strings.LastIndexByte(ev.Name, os.PathSeparator)+1:]
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}

// retry reports whether a run left files that a later run should read
// again even if the inbox does not change.
func retry(res *cycle.IngestResult) bool {
	return res.Count(cycle.OutcomeTimeout) > 0 || res.Count(cycle.OutcomeUnreadable) > 0
}

func signature(files []layout.InboxFile) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s|%d|%d\n", f.Path, f.Size, f.ModTime.UnixNano())
	}
	return b.String()
}
