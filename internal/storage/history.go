package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run is one row of the runs table.
type Run struct {
	ID                string
	Status            string
	StartedAt         time.Time
	FinishedAt        time.Time
	BytesArchived     int64
	BytesDeleted      int64
	UsedStart         int64
	UsedEnd           int64
	UsagePctEnd       int
	ArchiveCapped     bool
	ArchiveAborted    bool
	Unmounted         bool
	ConfigFingerprint string
	Error             string
}

// JobEntry is one row of the job_log table.
type JobEntry struct {
	ID          string
	Phase       string
	Kind        string
	Unit        string
	Source      string
	Destination string
	SizeBytes   int64
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	Digest      string
	Partial     string
	Error       string
}

// History records runs and their jobs.
type History struct {
	db *sql.DB
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// RecordRun stores run and its jobs in one transaction.
func (h *History) RecordRun(ctx context.Context, run Run, jobs []JobEntry) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(id, status, started_at, finished_at, bytes_archived, bytes_deleted,
                 used_start, used_end, usage_pct_end, archive_capped, archive_aborted,
                 unmounted, config_fingerprint, error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		run.ID, run.Status, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.BytesArchived, run.BytesDeleted, run.UsedStart, run.UsedEnd, run.UsagePctEnd,
		boolInt(run.ArchiveCapped), boolInt(run.ArchiveAborted), boolInt(run.Unmounted),
		nullString(run.ConfigFingerprint), nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO job_log(id, run_id, phase, kind, unit, source, destination, size_bytes, status,
                    started_at, completed_at, digest, partial, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare job_log insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		if _, err := stmt.ExecContext(ctx,
			j.ID, run.ID, j.Phase, j.Kind, j.Unit, j.Source, nullString(j.Destination), j.SizeBytes, j.Status,
			nullTime(j.StartedAt), nullTime(j.CompletedAt), nullString(j.Digest), nullString(j.Partial), nullString(j.Error),
		); err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (h *History) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := h.db.QueryContext(ctx, `
SELECT id, status, started_at, finished_at, bytes_archived, bytes_deleted, used_start, used_end,
       usage_pct_end, archive_capped, archive_aborted, unmounted,
       COALESCE(config_fingerprint, ''), COALESCE(error, '')
FROM runs
ORDER BY started_at DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                          Run
			started, finished          string
			capped, aborted, unmounted int
		)
		if err := rows.Scan(&r.ID, &r.Status, &started, &finished, &r.BytesArchived, &r.BytesDeleted,
			&r.UsedStart, &r.UsedEnd, &r.UsagePctEnd, &capped, &aborted, &unmounted,
			&r.ConfigFingerprint, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		r.ArchiveCapped = capped != 0
		r.ArchiveAborted = aborted != 0
		r.Unmounted = unmounted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// PartialJobs lists jobs that left files behind for operator cleanup.
func (h *History) PartialJobs(ctx context.Context) ([]JobEntry, error) {
	rows, err := h.db.QueryContext(ctx, `
SELECT id, phase, kind, unit, source, COALESCE(destination, ''), size_bytes, status,
       COALESCE(partial, ''), COALESCE(last_error, '')
FROM job_log
WHERE partial IS NOT NULL AND partial != ''
ORDER BY completed_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query partial jobs: %w", err)
	}
	defer rows.Close()

	var out []JobEntry
	for rows.Next() {
		var j JobEntry
		if err := rows.Scan(&j.ID, &j.Phase, &j.Kind, &j.Unit, &j.Source, &j.Destination,
			&j.SizeBytes, &j.Status, &j.Partial, &j.Error); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
