package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *History {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewHistory(db)
}

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "history.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"runs", "job_log"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}

	// Bootstrapping twice is harmless.
	if err := BootstrapSQLite(context.Background(), db); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordRunAndQuery(t *testing.T) {
	t.Parallel()

	h := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 30, 2, 0, 0, 0, time.UTC)

	older := Run{ID: "run-1", Status: "Success", StartedAt: start.Add(-24 * time.Hour), FinishedAt: start.Add(-23 * time.Hour)}
	if err := h.RecordRun(ctx, older, nil); err != nil {
		t.Fatalf("RecordRun older: %v", err)
	}

	run := Run{
		ID:                "run-2",
		Status:            "Failure",
		StartedAt:         start,
		FinishedAt:        start.Add(5 * time.Minute),
		BytesArchived:     1000,
		BytesDeleted:      500,
		UsedStart:         10,
		UsedEnd:           20,
		UsagePctEnd:       91,
		ArchiveAborted:    true,
		ConfigFingerprint: "abc",
		Error:             "capacity",
	}
	jobs := []JobEntry{
		{ID: "j1", Phase: "delete", Kind: "delete", Unit: "cam1/2023-01-01", Source: "/b/cam1/2023-01-01", SizeBytes: 500, Status: "succeeded", StartedAt: start, CompletedAt: start.Add(time.Second)},
		{ID: "j2", Phase: "archive", Kind: "archive", Unit: "cam1/2024-01-01", Source: "/e/cam1/2024-01-01", Destination: "/b/cam1/2024-01-01", SizeBytes: 1000, Status: "failed", Partial: "/b/cam1/2024-01-01/2024-01-01_cam1.tar.gz.partial", Error: "disk full"},
	}
	if err := h.RecordRun(ctx, run, jobs); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	runs, err := h.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("RecentRuns = %+v, want run-2 first", runs)
	}
	got := runs[0]
	if !got.ArchiveAborted || got.ArchiveCapped || got.UsagePctEnd != 91 || got.Error != "capacity" || !got.StartedAt.Equal(start) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	partials, err := h.PartialJobs(ctx)
	if err != nil {
		t.Fatalf("PartialJobs: %v", err)
	}
	if len(partials) != 1 || partials[0].ID != "j2" || partials[0].Error != "disk full" {
		t.Fatalf("PartialJobs = %+v", partials)
	}
}

func TestRecordRunIsAtomic(t *testing.T) {
	t.Parallel()

	h := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	dup := []JobEntry{
		{ID: "same", Phase: "delete", Kind: "delete", Unit: "u", Source: "s", Status: "succeeded"},
		{ID: "same", Phase: "delete", Kind: "delete", Unit: "u", Source: "s", Status: "succeeded"},
	}
	err := h.RecordRun(ctx, Run{ID: "run-x", Status: "Success", StartedAt: now, FinishedAt: now}, dup)
	if err == nil {
		t.Fatal("expected duplicate job id to fail")
	}

	runs, qerr := h.RecentRuns(ctx, 5)
	if qerr != nil {
		t.Fatalf("RecentRuns: %v", qerr)
	}
	if len(runs) != 0 {
		t.Fatalf("run row survived a failed transaction: %+v", runs)
	}
}
