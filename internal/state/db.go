// Package state provides SQLite-backed persistence for the pushpals
// coordination core: session events, the three work queues, merge jobs,
// and the worker registry. Each daemon owns one database file under its
// state directory (e.g. <stateDir>/merge_queue.db).
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// busyTimeoutMs is how long SQLite waits on a contended file before
// returning SQLITE_BUSY.
const busyTimeoutMs = 5000

// DB wraps an SQLite database connection with pushpals-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDataDir returns the default data directory, honoring
// PUSHPALS_DATA_DIR and falling back to XDG.
func DefaultDataDir() string {
	if dir := os.Getenv("PUSHPALS_DATA_DIR"); dir != "" {
		return dir
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "pushpals")
}

// ServerDBPath returns the path to the hub server database.
func ServerDBPath(dataDir string) string {
	return filepath.Join(dataDir, "pushpals.db")
}

// MergeDBPath returns the path to a merge daemon's database.
func MergeDBPath(stateDir string) string {
	return filepath.Join(stateDir, "merge_queue.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads and a
// busy timeout absorbs short lock contention from sibling processes.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs),
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1SessionsEvents},
		{2, migrationV2QueueItems},
		{3, migrationV3Workers},
		{4, migrationV4JobLogs},
		{5, migrationV5SeenBranches},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements

const migrationV1SessionsEvents = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	label TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	cursor INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	kind TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	envelope TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session_cursor ON events(session_id, cursor);
`

// One table backs every queue; the queue column discriminates
// requests/jobs/completions/merges and queue-specific columns stay NULL for
// the queues that do not use them. Partial unique indexes carry the
// idempotent-enqueue and one-claim-per-owner invariants.
const migrationV2QueueItems = `
CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	owner TEXT,
	payload TEXT,
	error TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,

	priority TEXT,
	queue_wait_budget_ms INTEGER NOT NULL DEFAULT 0,
	execution_budget_ms INTEGER NOT NULL DEFAULT 0,
	finalization_budget_ms INTEGER NOT NULL DEFAULT 0,
	target_owner TEXT,
	task_id TEXT,
	kind TEXT,

	commit_ref TEXT,
	branch_ref TEXT,
	summary TEXT,
	result TEXT,
	job_id TEXT,

	remote TEXT,
	branch TEXT,
	head_sha TEXT,
	merge_priority INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,

	enqueued_at DATETIME NOT NULL,
	claimed_at DATETIME,
	started_at DATETIME,
	first_activity_at DATETIME,
	completed_at DATETIME,
	failed_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queue_items_queue_status ON queue_items(queue, status);
CREATE INDEX IF NOT EXISTS idx_queue_items_session ON queue_items(session_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_completion_key
	ON queue_items(session_id, commit_ref, branch_ref)
	WHERE queue = 'completions';

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_merge_key
	ON queue_items(remote, branch, head_sha)
	WHERE queue = 'merges';

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_owner_claim
	ON queue_items(queue, owner)
	WHERE status = 'claimed';
`

const migrationV3Workers = `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'idle',
	current_job_id TEXT,
	last_heartbeat DATETIME NOT NULL,
	details TEXT,
	registered_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
`

const migrationV4JobLogs = `
CREATE TABLE IF NOT EXISTS job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	line TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, created_at);
`

const migrationV5SeenBranches = `
CREATE TABLE IF NOT EXISTS seen_branches (
	remote TEXT NOT NULL,
	branch TEXT NOT NULL,
	head_sha TEXT NOT NULL,
	seen_at DATETIME NOT NULL,
	PRIMARY KEY (remote, branch)
);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction. Multi-statement
// operations (claim, recover, enqueue-with-seen-update) must go through here
// so that no partial state is ever observable.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// FormatTime formats a time.Time for SQLite storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a time string from SQLite.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// ParseNullableTime parses a nullable time string from SQLite.
func ParseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
