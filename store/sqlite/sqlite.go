/*
Package sqlite provides a SQLite-backed journal Store.

PURPOSE:
  Keeps the journal of every cycle in one database instead of one
  journal.log per cycle. Selected with journal_backend: sqlite.

INTERFACES IMPLEMENTED:
  review.Store:     Journal event persistence
  review.ExportLog: History of rollup exports

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the events table
  - No DELETE statements on the events table
  - (cycle_id, seq) is the primary key, so a sequence number is never reused

KEY TABLES:
  events:         Immutable journal of every cycle
  rollup_exports: One row per rollup.xlsx written

INDEXES:
  - idx_events_key: Enforces idempotency keys per cycle
  - idx_events_worksheet: Worksheet history lookups

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's single writer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/journal.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  journal := review.NewJournal(store)

SEE ALSO:
  - review/journal.go: Store interface and the journal using it
  - store/logfile: Default file-per-cycle backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/warp/access-review/review"
)

// Store implements review.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ review.Store     = (*Store)(nil)
	_ review.ExportLog = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Journal events (append-only)
	CREATE TABLE IF NOT EXISTS events (
		cycle_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		at TEXT NOT NULL,
		worksheet_id TEXT,
		idempotency_key TEXT,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (cycle_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_key
		ON events(cycle_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_events_worksheet
		ON events(cycle_id, worksheet_id) WHERE worksheet_id IS NOT NULL;

	-- Rollup exports
	CREATE TABLE IF NOT EXISTS rollup_exports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id INTEGER NOT NULL,
		as_of_seq INTEGER NOT NULL,
		path TEXT NOT NULL,
		digest TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rollup_exports_cycle
		ON rollup_exports(cycle_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// JOURNAL EVENTS (review.Store interface)
// =============================================================================

// Append adds a single event.
func (s *Store) Append(ctx context.Context, ev review.Event) error {
	return s.AppendBatch(ctx, []review.Event{ev})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) appendEvent(ctx context.Context, db execer, ev review.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", ev.Seq, err)
	}

	var last int64
	if err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM events WHERE cycle_id = ?", int64(ev.CycleID),
	).Scan(&last); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}
	if ev.Seq != last+1 {
		return review.NewError(review.ErrIllegalTransition, ev.CycleID.String(),
			"sequence %d does not follow %d", ev.Seq, last)
	}

	query := `
		INSERT INTO events
		(cycle_id, seq, type, at, worksheet_id, idempotency_key, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		int64(ev.CycleID),
		ev.Seq,
		string(ev.Type),
		ev.At.UTC().Format(time.RFC3339Nano),
		nullString(string(ev.WorksheetID)),
		nullString(ev.Key),
		string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return review.ErrDuplicateKey
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// AppendBatch adds multiple events atomically.
func (s *Store) AppendBatch(ctx context.Context, events []review.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for duplicate idempotency keys within the batch first
	keys := make(map[string]bool)
	for _, ev := range events {
		if ev.Key != "" {
			if keys[ev.Key] {
				return review.ErrDuplicateKey
			}
			keys[ev.Key] = true
		}
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, ev := range events {
		if err := s.appendEvent(ctx, sqlTx, ev); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

// Load returns all events of a cycle in sequence order.
func (s *Store) Load(ctx context.Context, cycleID review.CycleID) ([]review.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT payload_json FROM events
		WHERE cycle_id = ?
		ORDER BY seq ASC
	`
	return s.queryEvents(ctx, query, int64(cycleID))
}

// WorksheetEvents returns the events of one worksheet in sequence order.
func (s *Store) WorksheetEvents(ctx context.Context, cycleID review.CycleID, wid review.WorksheetID) ([]review.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT payload_json FROM events
		WHERE cycle_id = ? AND worksheet_id = ?
		ORDER BY seq ASC
	`
	return s.queryEvents(ctx, query, int64(cycleID), string(wid))
}

func (s *Store) Exists(ctx context.Context, cycleID review.CycleID, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE cycle_id = ? AND idempotency_key = ?",
		int64(cycleID), idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

func (s *Store) Cycles(ctx context.Context) ([]review.CycleID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT cycle_id FROM events ORDER BY cycle_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var ids []review.CycleID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, review.CycleID(id))
	}
	return ids, rows.Err()
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]review.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []review.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev review.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// =============================================================================
// ROLLUP EXPORTS (review.ExportLog interface)
// =============================================================================

func (s *Store) RecordExport(ctx context.Context, e review.Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_exports (cycle_id, as_of_seq, path, digest, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, int64(e.CycleID), e.AsOfSeq, e.Path, e.Digest, e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record export: %w", err)
	}
	return nil
}

func (s *Store) Exports(ctx context.Context, cycleID review.CycleID) ([]review.Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, as_of_seq, path, digest, created_at
		FROM rollup_exports
		WHERE cycle_id = ?
		ORDER BY id ASC
	`, int64(cycleID))
	if err != nil {
		return nil, fmt.Errorf("failed to query exports: %w", err)
	}
	defer rows.Close()

	var exports []review.Export
	for rows.Next() {
		var (
			e         review.Export
			id        int64
			createdAt string
		)
		if err := rows.Scan(&id, &e.AsOfSeq, &e.Path, &e.Digest, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		e.CycleID = review.CycleID(id)
		e.At, _ = time.Parse(time.RFC3339Nano, createdAt)
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
