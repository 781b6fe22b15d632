// Package metrics exposes the outcome of the last run as Prometheus gauges,
// written to a node_exporter textfile collector directory.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zm_archiver"

// Snapshot is the run outcome the gauges are set from.
type Snapshot struct {
	FinishedAt     time.Time
	Success        bool
	Duration       time.Duration
	BytesArchived  int64
	BytesDeleted   int64
	Jobs           map[string]map[string]int // phase -> status -> count
	UsagePercent   int
	AvailableBytes uint64
	ArchiveCapped  bool
	ArchiveAborted bool
	Unmounted      bool
}

// Collector owns a private registry so only run metrics reach the textfile.
type Collector struct {
	registry *prometheus.Registry

	lastRun        prometheus.Gauge
	success        prometheus.Gauge
	duration       prometheus.Gauge
	bytes          *prometheus.GaugeVec
	jobs           *prometheus.GaugeVec
	usage          prometheus.Gauge
	available      prometheus.Gauge
	archiveCapped  prometheus.Gauge
	archiveAborted prometheus.Gauge
	unmounted      prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run finished with status Success.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_bytes",
			Help:      "Bytes processed by the last run, by operation.",
		}, []string{"operation"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_jobs",
			Help:      "Jobs of the last run by phase and status.",
		}, []string{"phase", "status"}),
		usage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_usage_percent",
			Help:      "Backup volume usage after the last run.",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_available_bytes",
			Help:      "Backup volume free space after the last run.",
		}),
		archiveCapped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_archive_capped",
			Help:      "1 if the daily archive cap deferred work.",
		}),
		archiveAborted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_archive_aborted",
			Help:      "1 if the capacity preflight skipped the archive phase.",
		}),
		unmounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_unmounted",
			Help:      "1 if the backup volume was unmounted at the end of the run.",
		}),
	}
	c.registry.MustRegister(
		c.lastRun, c.success, c.duration, c.bytes, c.jobs,
		c.usage, c.available, c.archiveCapped, c.archiveAborted, c.unmounted,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Observe sets every gauge from s.
func (c *Collector) Observe(s Snapshot) {
	c.lastRun.Set(float64(s.FinishedAt.Unix()))
	c.success.Set(boolGauge(s.Success))
	c.duration.Set(s.Duration.Seconds())
	c.bytes.WithLabelValues("archived").Set(float64(s.BytesArchived))
	c.bytes.WithLabelValues("deleted").Set(float64(s.BytesDeleted))
	c.jobs.Reset()
	for phase, byStatus := range s.Jobs {
		for status, n := range byStatus {
			c.jobs.WithLabelValues(phase, status).Set(float64(n))
		}
	}
	c.usage.Set(float64(s.UsagePercent))
	c.available.Set(float64(s.AvailableBytes))
	c.archiveCapped.Set(boolGauge(s.ArchiveCapped))
	c.archiveAborted.Set(boolGauge(s.ArchiveAborted))
	c.unmounted.Set(boolGauge(s.Unmounted))
}

// WriteTextfile writes the registry to path atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
