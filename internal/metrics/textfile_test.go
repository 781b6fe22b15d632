package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSetsGauges(t *testing.T) {
	c := NewCollector()
	c.Observe(Snapshot{
		FinishedAt:     time.Unix(1700000000, 0),
		Success:        true,
		Duration:       90 * time.Second,
		BytesArchived:  2048,
		BytesDeleted:   1024,
		Jobs:           map[string]map[string]int{"archive": {"succeeded": 3, "failed": 1}},
		UsagePercent:   91,
		AvailableBytes: 5000,
		ArchiveCapped:  true,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.success))
	assert.Equal(t, 90.0, testutil.ToFloat64(c.duration))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.bytes.WithLabelValues("archived")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobs.WithLabelValues("archive", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.archiveCapped))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.archiveAborted))
}

func TestObserveResetsJobLabels(t *testing.T) {
	c := NewCollector()
	c.Observe(Snapshot{Jobs: map[string]map[string]int{"delete": {"failed": 2}}})
	c.Observe(Snapshot{Jobs: map[string]map[string]int{"delete": {"succeeded": 1}}})
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobs))
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.Observe(Snapshot{FinishedAt: time.Now(), UsagePercent: 42})

	path := filepath.Join(t.TempDir(), "zm_archiver.prom")
	require.NoError(t, c.WriteTextfile(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "zm_archiver_backup_usage_percent 42")
	assert.Contains(t, string(body), "# TYPE zm_archiver_last_run_success gauge")
}
