// Package store is the control plane's persistence layer: one SQLite
// database, opened through the pure-Go modernc.org/sqlite driver, holding
// every entity the control plane tracks. Every exported mutating
// operation runs inside a single transaction opened by WithTx. These are
// plain (deferred) SQLite transactions; the serialization guarantees the
// domain packages rely on (slot exclusivity, single-writer run transitions)
// come from the connection pool being pinned to one connection, so the
// transactions of one Store run one after another.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the database handle and schema lifecycle.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. An empty path falls back to a dotdir-relative
// default.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = ".controlplane/controlplane.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // one connection: every transaction on this *sql.DB runs after the previous one ends.
	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the path the store was opened with.
func (s *Store) Path() string { return s.path }

func (s *Store) init() error {
	const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  prompt TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  route TEXT NOT NULL DEFAULT '',
  slot_id TEXT NOT NULL DEFAULT '',
  branch_name TEXT NOT NULL DEFAULT '',
  worktree_path TEXT NOT NULL DEFAULT '',
  commit_sha TEXT NOT NULL DEFAULT '',
  parent_run_id TEXT NOT NULL DEFAULT '',
  created_by TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_contexts (
  run_id TEXT PRIMARY KEY,
  route TEXT NOT NULL DEFAULT '',
  page_title TEXT NOT NULL DEFAULT '',
  element_hint TEXT NOT NULL DEFAULT '',
  note TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS run_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  status_from TEXT NOT NULL DEFAULT '',
  status_to TEXT NOT NULL DEFAULT '',
  payload_json TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id);
CREATE TABLE IF NOT EXISTS validation_checks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  check_name TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at TEXT NOT NULL DEFAULT '',
  ended_at TEXT NOT NULL DEFAULT '',
  artifact_uri TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_artifacts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  artifact_type TEXT NOT NULL,
  uri TEXT NOT NULL,
  payload_json TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS slot_leases (
  slot_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL DEFAULT '',
  lease_state TEXT NOT NULL,
  leased_at TEXT NOT NULL DEFAULT '',
  expires_at TEXT NOT NULL DEFAULT '',
  heartbeat_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS slot_worktree_bindings (
  slot_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL DEFAULT '',
  branch_name TEXT NOT NULL DEFAULT '',
  worktree_path TEXT NOT NULL DEFAULT '',
  binding_state TEXT NOT NULL,
  last_action TEXT NOT NULL,
  assigned_at TEXT NOT NULL DEFAULT '',
  released_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS preview_db_resets (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  slot_id TEXT NOT NULL,
  db_name TEXT NOT NULL,
  strategy TEXT NOT NULL,
  seed_version TEXT NOT NULL DEFAULT '',
  snapshot_version TEXT NOT NULL DEFAULT '',
  reset_status TEXT NOT NULL,
  details_json TEXT NOT NULL DEFAULT '{}',
  started_at TEXT NOT NULL,
  ended_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS approvals (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  reviewer_id TEXT NOT NULL DEFAULT '',
  decision TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  failure_reason_code TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS releases (
  release_id TEXT PRIMARY KEY,
  commit_sha TEXT NOT NULL,
  status TEXT NOT NULL,
  migration_marker TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  actor TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL,
  payload_hash TEXT NOT NULL DEFAULT '',
  timestamp TEXT NOT NULL,
  trace_id TEXT NOT NULL DEFAULT '',
  run_id TEXT NOT NULL DEFAULT '',
  slot_id TEXT NOT NULL DEFAULT '',
  commit_sha TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS event_publish_outbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_event_id INTEGER NOT NULL,
  topic TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_publish_outbox_status ON event_publish_outbox(status, id);
`
	_, err := s.db.Exec(schema)
	return err
}

// Tx wraps a single database transaction with the typed helpers the
// domain packages need. It is only ever constructed by WithTx.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// WithTx runs fn inside one transaction, committing on nil
// error and rolling back otherwise. fn must not retain tx beyond its call.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// modernc.org/sqlite maps sql.LevelDefault to BEGIN (deferred); since
	// MaxOpenConns is pinned to 1 every transaction on this *sql.DB is
	// already serialized end-to-end, which is the property we need.
	tx := &Tx{tx: sqlTx, now: func() time.Time { return time.Now().UTC() }}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func timePtrOrNil(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func timeStringPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timeString(*t)
}
