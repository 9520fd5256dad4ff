// Package sqlite persists the execution, checkpoint and rewind timeline.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection with a prepared statement cache.
// All operations are safe for concurrent use.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	stmts map[string]*sql.Stmt
}

// NewStore opens (or creates) the timeline database at path and applies
// the schema.
func NewStore(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open timeline db: %w", err)
	}
	// modernc's driver is not safe for concurrent writes on one connection
	// without serialization; a small pool plus busy_timeout handles it.
	db.SetMaxOpenConns(4)

	store := newStoreFromDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db, stmts: make(map[string]*sql.Stmt)}
}

func (s *Store) migrate() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			handle_id TEXT NOT NULL,
			command TEXT NOT NULL,
			background INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL,
			exit_code INTEGER,
			timed_out INTEGER NOT NULL DEFAULT 0,
			killed INTEGER NOT NULL DEFAULT 0,
			elapsed_ms INTEGER NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL,
			created_at_epoch INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_epoch ON executions(created_at_epoch);

		CREATE TABLE IF NOT EXISTS checkpoint_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL,
			description TEXT,
			mode TEXT,
			trigger_type TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			artifact_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			created_at_epoch INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoint_log_epoch ON checkpoint_log(created_at_epoch);

		CREATE TABLE IF NOT EXISTS rewind_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			status TEXT NOT NULL,
			files_restored INTEGER NOT NULL DEFAULT 0,
			mode TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			created_at_epoch INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rewind_log_epoch ON rewind_log(created_at_epoch);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply timeline schema: %w", err)
	}
	return nil
}

// GetStmt returns a cached prepared statement for the query, preparing it
// on first use.
func (s *Store) GetStmt(query string) (*sql.Stmt, error) {
	s.mu.RLock()
	stmt, ok := s.stmts[query]
	s.mu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// ExecContext executes a query through the statement cache.
func (s *Store) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	stmt, err := s.GetStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

// QueryContext runs a query that returns rows.
func (s *Store) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := s.GetStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRowContext runs a query expected to return at most one row.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	stmt, err := s.GetStmt(query)
	if err != nil {
		// Fall through to the raw connection so the caller still gets the
		// error from Scan.
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// Ping checks the connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes all cached statements and the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.mu.Unlock()
	return s.db.Close()
}

// nullString converts a string to sql.NullString.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
