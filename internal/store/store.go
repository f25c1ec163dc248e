// Package store provides the embedded SQLite state store for pulse.
//
// The store is the single source of truth for the committed Snapshot plus
// the entity mapping and sync log tables used by the remote reconciler.
//
// The database runs embedded (ncruces/go-sqlite3) with WAL mode so readers
// stay concurrent with the orchestrator's snapshot commits. The snapshot
// commit and the full state read each run inside one transaction: a reader
// can never observe packages from one snapshot mixed with plans from the
// next, regardless of how callers interleave.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// defaultCommitRetention is how many commits the store keeps by default.
const defaultCommitRetention = 20

// Store wraps the SQLite connection with pulse-specific functionality.
type Store struct {
	conn *sql.DB
	path string

	// commitRetention is the commit history pruning window.
	commitRetention int
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:            conn,
		path:            path,
		commitRetention: defaultCommitRetention,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// SetCommitRetention overrides the commit history pruning window.
func (s *Store) SetCommitRetention(n int) {
	if n > 0 {
		s.commitRetention = n
	}
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	-- Snapshot tables: cleared and repopulated on every committed cycle
	CREATE TABLE IF NOT EXISTS packages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		description TEXT,
		version TEXT,
		path TEXT,
		status TEXT NOT NULL CHECK(status IN ('pending', 'in-progress', 'complete')),
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS commits (
		hash TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		date TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS todos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL CHECK(type IN ('TODO', 'FIXME')),
		message TEXT NOT NULL,
		file TEXT NOT NULL,
		line INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		file TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS project_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Remote reconciliation tables: survive snapshot replacement
	CREATE TABLE IF NOT EXISTS mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		local_type TEXT NOT NULL,
		local_id TEXT NOT NULL,
		remote_type TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(local_type, local_id)
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		direction TEXT NOT NULL CHECK(direction IN ('to_remote', 'from_remote')),
		status TEXT NOT NULL CHECK(status IN ('success', 'failed')),
		error TEXT,
		timestamp TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS boards (
		plan_name TEXT PRIMARY KEY,
		board_id TEXT NOT NULL,
		board_number INTEGER NOT NULL,
		url TEXT,
		owner_id TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS board_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		board_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		issue_number INTEGER NOT NULL,
		title TEXT,
		status TEXT NOT NULL DEFAULT 'To Do',
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(board_id, issue_number)
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_local ON mappings(local_type, local_id);
	CREATE INDEX IF NOT EXISTS idx_mappings_remote ON mappings(remote_type, remote_id);
	CREATE INDEX IF NOT EXISTS idx_sync_log_timestamp ON sync_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_board_items_issue ON board_items(issue_number);
	CREATE INDEX IF NOT EXISTS idx_todos_file ON todos(file, line);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
