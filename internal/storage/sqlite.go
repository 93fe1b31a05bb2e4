package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattjoyce/jobcell/internal/localfs"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The database must live on a local
// filesystem; SQLite locking is unreliable over NFS and SMB.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := localfs.Require(path); err != nil {
		return nil, fmt.Errorf("sqlite database %q: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Tasks of one batch record concurrently; pragmas are per connection.
	db.SetMaxOpenConns(1)

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_log (
  id               TEXT PRIMARY KEY,
  args             JSON NOT NULL DEFAULT '[]',
  env              JSON NOT NULL DEFAULT '[]',
  status           TEXT NOT NULL,
  reason           TEXT,
  started_at       TEXT NOT NULL,
  duration_ms      INTEGER NOT NULL,
  stdout           BLOB,
  stderr           BLOB,
  stdout_len       INTEGER NOT NULL,
  stderr_len       INTEGER NOT NULL,
  stdout_digest    TEXT NOT NULL,
  stderr_digest    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS task_log_started_at_idx ON task_log(started_at);`,
		`CREATE INDEX IF NOT EXISTS task_log_status_idx ON task_log(status, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
