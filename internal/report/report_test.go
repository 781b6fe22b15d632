package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/zm-archiver/internal/engine"
	"github.com/mattjoyce/zm-archiver/internal/sizeindex"
	"github.com/mattjoyce/zm-archiver/internal/storage"
	"github.com/mattjoyce/zm-archiver/internal/store"
	"github.com/mattjoyce/zm-archiver/internal/volume"
)

func testIndex() *sizeindex.Index {
	return sizeindex.FromRows([]sizeindex.Row{
		{Date: "2024-01-30", Sizes: map[string]int64{"cam1": 100, "cam2": 50}},
		{Date: "2024-01-31", Sizes: map[string]int64{"cam1": 100}},
		{Date: "2024-02-01", Sizes: map[string]int64{"cam1": 10, "cam2": 10}},
		{Date: "2024-03-01", Sizes: map[string]int64{"cam1": 1}},
	})
}

func TestMonthlyUsage(t *testing.T) {
	totals := MonthlyUsage(testIndex(), nil, 12)
	require.Len(t, totals, 3)
	assert.Equal(t, MonthTotal{Month: "2024-01", Bytes: 250}, totals[0])
	assert.Equal(t, int64(20), totals[1].Bytes)
	assert.Equal(t, "Feb '24", totals[1].Label())

	onlyCam2 := MonthlyUsage(testIndex(), []string{"cam2"}, 12)
	assert.Equal(t, int64(50), onlyCam2[0].Bytes)

	last := MonthlyUsage(testIndex(), nil, 2)
	require.Len(t, last, 2)
	assert.Equal(t, "2024-02", last[0].Month)
}

func TestUsageChart(t *testing.T) {
	out := UsageChart(MonthlyUsage(testIndex(), nil, 12), 20)
	assert.Contains(t, out, "Jan '24")
	assert.Contains(t, out, "Mar '24")
	assert.Contains(t, out, "271 B", "total over all months")
	assert.Equal(t, "no size data", UsageChart(nil, 20))
}

func TestClassify(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/events/cam2/2024-03-01", 0o755))
	require.NoError(t, fs.MkdirAll("/mnt/backup/zm_cache/cam1/2024-02-01", 0o755))
	require.NoError(t, fs.MkdirAll("/events/cam1/2024-02-01", 0o755))

	active := store.New(fs, "/events")
	backup := store.New(fs, "/mnt/backup/zm_cache")

	got := Classify(testIndex(), active, backup, nil)
	require.Len(t, got, 4)
	assert.Equal(t, Deleted, got[0].Status)
	assert.Empty(t, got[0].Root)
	assert.Equal(t, OnBackup, got[2].Status, "backup wins when both stores hold the date")
	assert.Equal(t, "/mnt/backup/zm_cache", got[2].Root)
	assert.Equal(t, OnSystem, got[3].Status)

	unmounted := Classify(testIndex(), active, nil, nil)
	assert.Equal(t, OnSystem, unmounted[2].Status)

	table := StatusTable(got)
	assert.Contains(t, table, "on_system=1  on_backup=1  deleted=2")
}

func TestSummary(t *testing.T) {
	rep := &engine.Report{
		RunID:   "0123456789abcdef",
		Status:  engine.StatusFailure,
		Elapsed: 90 * time.Second,
		Delete:  engine.PhaseReport{Enabled: true, Planned: 2, Succeeded: 2, CompletedBytes: 2048},
		Archive: engine.PhaseReport{
			Enabled:     true,
			Planned:     3,
			Aborted:     true,
			AbortReason: errors.New("not enough space"),
		},
		UsedDelta: -2048,
		UsageEnd:  volume.Usage{Available: 1 << 30, Percent: 42},
		Invalid:   []store.InvalidEntry{{Path: "/events/cam1/junk"}},
	}

	out := Summary(rep)
	for _, want := range []string{"01234567", "Failure", "1m30s", "2/2 units", "not enough space", "-2.0 kB", "42% used", "remove by hand"} {
		assert.Contains(t, out, want)
	}
}

func TestRunsTable(t *testing.T) {
	start := time.Date(2024, 6, 30, 2, 0, 0, 0, time.Local)
	out := RunsTable([]storage.Run{
		{ID: "b", Status: "Failure", StartedAt: start, FinishedAt: start.Add(time.Minute), Error: "lock held"},
		{ID: "a", Status: "Success", StartedAt: start.Add(-24 * time.Hour), FinishedAt: start.Add(-24*time.Hour + 5*time.Second), BytesArchived: 1000, ArchiveCapped: true, UsagePctEnd: 71},
	})
	assert.Contains(t, out, "lock held")
	assert.Contains(t, out, "archive capped")
	assert.Contains(t, out, "71%")
	assert.Less(t, strings.Index(out, "2024-06-30"), strings.Index(out, "2024-06-29"))

	assert.Equal(t, "no runs recorded", RunsTable(nil))
}
