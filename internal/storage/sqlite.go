package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the run history database at path
// and ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := RequireLocal(path, "history database", "state.path"); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
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
		`CREATE TABLE IF NOT EXISTS runs (
  id                 TEXT PRIMARY KEY,
  status             TEXT NOT NULL,
  started_at         TEXT NOT NULL,
  finished_at        TEXT NOT NULL,
  bytes_archived     INTEGER NOT NULL DEFAULT 0,
  bytes_deleted      INTEGER NOT NULL DEFAULT 0,
  used_start         INTEGER NOT NULL DEFAULT 0,
  used_end           INTEGER NOT NULL DEFAULT 0,
  usage_pct_end      INTEGER NOT NULL DEFAULT 0,
  archive_capped     INTEGER NOT NULL DEFAULT 0,
  archive_aborted    INTEGER NOT NULL DEFAULT 0,
  unmounted          INTEGER NOT NULL DEFAULT 0,
  config_fingerprint TEXT,
  error              TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id           TEXT PRIMARY KEY,
  run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  phase        TEXT NOT NULL,
  kind         TEXT NOT NULL,
  unit         TEXT NOT NULL,
  source       TEXT NOT NULL,
  destination  TEXT,
  size_bytes   INTEGER NOT NULL,
  status       TEXT NOT NULL,
  started_at   TEXT,
  completed_at TEXT,
  digest       TEXT,
  partial      TEXT,
  last_error   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS job_log_run_id_idx ON job_log(run_id);`,
		`CREATE INDEX IF NOT EXISTS job_log_status_idx ON job_log(status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
