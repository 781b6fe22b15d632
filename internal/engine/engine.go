// Package engine drives one archival run: lock, volume, delete phase,
// capacity preflight, archive phase, release.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/mattjoyce/zm-archiver/internal/alert"
	"github.com/mattjoyce/zm-archiver/internal/config"
	"github.com/mattjoyce/zm-archiver/internal/events"
	"github.com/mattjoyce/zm-archiver/internal/jobs"
	"github.com/mattjoyce/zm-archiver/internal/lock"
	"github.com/mattjoyce/zm-archiver/internal/metrics"
	"github.com/mattjoyce/zm-archiver/internal/retention"
	"github.com/mattjoyce/zm-archiver/internal/sizeindex"
	"github.com/mattjoyce/zm-archiver/internal/storage"
	"github.com/mattjoyce/zm-archiver/internal/store"
	"github.com/mattjoyce/zm-archiver/internal/volume"
)

const (
	PhaseDelete  = "delete"
	PhaseArchive = "archive"
)

// VolumeOpener resolves the backup volume. It runs after the run lock is held.
type VolumeOpener func(ctx context.Context) (volume.Volume, error)

// Deps wires an Engine. Config, OpenVolume and Fs are required.
type Deps struct {
	Config     *config.Config
	OpenVolume VolumeOpener
	Fs         afero.Fs

	// Sizes overrides the size index named in the config.
	Sizes   *sizeindex.Index
	History *storage.History
	Metrics *metrics.Collector
	Hub     *events.Hub
	Logger  *slog.Logger
	Now     func() time.Time
}

type Engine struct {
	cfg        *config.Config
	openVolume VolumeOpener
	fs         afero.Fs
	sizes      *sizeindex.Index
	history    *storage.History
	metrics    *metrics.Collector
	hub        *events.Hub
	logger     *slog.Logger
	now        func() time.Time
}

func New(d Deps) (*Engine, error) {
	if d.Config == nil {
		return nil, errors.New("engine: config is required")
	}
	if d.OpenVolume == nil {
		return nil, errors.New("engine: volume opener is required")
	}
	if d.Fs == nil {
		return nil, errors.New("engine: filesystem is required")
	}
	e := &Engine{
		cfg:        d.Config,
		openVolume: d.OpenVolume,
		fs:         d.Fs,
		sizes:      d.Sizes,
		history:    d.History,
		metrics:    d.Metrics,
		hub:        d.Hub,
		logger:     d.Logger,
		now:        d.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Run executes one run. The returned error is the fatal error that ended the
// run early; phase aborts and job failures only show up in the Report.
func (e *Engine) Run(ctx context.Context) (rep *Report, err error) {
	rep = &Report{
		RunID:      uuid.NewString(),
		Status:     StatusSuccess,
		StartedAt:  e.now(),
		MountPoint: e.cfg.Volume.MountPoint,
	}
	logger := e.logger.With("component", "engine", "run_id", rep.RunID)
	logger.Info("run started",
		"keep_days", e.cfg.Retention.KeepDays,
		"delete_days", e.cfg.Retention.DeleteDays,
		"max_archive_jobs", e.cfg.Retention.MaxArchiveJobs,
		"concurrency", e.cfg.Jobs.Concurrency,
	)
	e.hub.Publish(events.RunStarted, events.RunPayload{RunID: rep.RunID})

	locked := false
	defer func() {
		if err != nil {
			rep.Err = err
			rep.Status = StatusFailure
		}
		e.finish(ctx, rep, locked, logger)
	}()

	lk, err := lock.Acquire(e.cfg.Lock.Path)
	if err != nil {
		logger.Error("cannot acquire run lock", "path", e.cfg.Lock.Path, "error", err)
		return rep, fmt.Errorf("acquire run lock: %w", err)
	}
	locked = true
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			logger.Error("release run lock", "path", e.cfg.Lock.Path, "error", rerr)
		}
	}()

	vol, err := e.openVolume(ctx)
	if err != nil {
		logger.Error("backup volume unavailable", "uuid", e.cfg.Volume.UUID, "error", err)
		return rep, fmt.Errorf("open backup volume: %w", err)
	}
	if _, err := volume.Acquire(ctx, vol, e.cfg.Volume.MountPoint, e.cfg.Volume.MountOptions, logger); err != nil {
		logger.Error("backup volume not mounted", "error", err)
		return rep, err
	}

	bodyErr := e.runPhases(ctx, rep, vol, logger)
	e.captureEnd(ctx, rep, vol, logger)

	if e.cfg.Volume.UnmountOnFinish {
		rep.Unmount = volume.ReleaseWithRetry(ctx, vol, e.cfg.Volume.UnmountRetryAfter, logger)
	}
	return rep, bodyErr
}

func (e *Engine) runPhases(ctx context.Context, rep *Report, vol volume.Volume, logger *slog.Logger) error {
	now := e.now()
	backup := store.New(e.fs, e.cfg.BackupRoot())
	created, err := backup.EnsureRoot()
	if err != nil {
		return err
	}
	if created {
		rep.BackupRootCreated = true
		logger.Warn("backup root was missing, created it", "path", backup.Root())
	}

	sizes := e.sizes
	if sizes == nil {
		sizes, err = sizeindex.Open(ctx, e.cfg.SizeIndex.Path, e.cfg.SizeIndex.Table)
		if err != nil {
			logger.Warn("size index unavailable, sizing units from disk", "path", e.cfg.SizeIndex.Path, "error", err)
			sizes = sizeindex.Empty()
		}
	}
	sizer := sizeindex.Resolver{Index: sizes, Fs: e.fs, Logger: logger}

	if u, err := vol.Usage(ctx); err != nil {
		logger.Warn("cannot read backup volume usage", "error", err)
	} else {
		rep.UsageStart = u
		logger.Info("backup volume usage",
			"used", humanize.Bytes(u.Used),
			"available", humanize.Bytes(u.Available),
			"percent", u.Percent,
		)
	}

	pool := jobs.NewPool(e.fs, e.cfg.Jobs.Concurrency,
		jobs.WithDeleteSource(e.cfg.Jobs.DeleteSource),
		jobs.WithLogger(logger),
		jobs.WithPublisher(e.hub),
		jobs.WithClock(e.now),
	)

	if e.cfg.Jobs.AllowDelete {
		rep.Delete.Enabled = true
		listing, err := backup.Scan(nil)
		if err != nil {
			return fmt.Errorf("scan backup store: %w", err)
		}
		e.noteInvalid(rep, listing, logger)

		records := retention.SelectDeletes(now, e.cfg.Retention.DeleteDays, listing, sizer)
		rep.Delete.Planned = len(records)
		for _, r := range records {
			rep.Delete.PlannedBytes += r.SizeBytes
		}
		logger.Info("delete selection",
			"root", backup.Root(),
			"older_than", now.AddDate(0, 0, -e.cfg.Retention.DeleteDays).Format(store.DateLayout),
			"jobs", len(records),
			"bytes", humanize.Bytes(uint64(rep.Delete.PlannedBytes)),
		)
		if len(records) > 0 {
			rep.Delete.absorb(pool.RunPhase(ctx, PhaseDelete, records))
			rep.BytesDeleted = rep.Delete.CompletedBytes
		}
	}

	if e.cfg.Jobs.AllowArchive {
		rep.Archive.Enabled = true
		active := store.New(e.fs, e.cfg.Stores.Active)
		collections := e.cfg.Stores.Collections
		if len(collections) == 0 {
			if collections, err = active.DiscoverCollections(); err != nil {
				return fmt.Errorf("discover collections: %w", err)
			}
		}
		listing, err := active.Scan(collections)
		if err != nil {
			return fmt.Errorf("scan active store: %w", err)
		}
		e.noteInvalid(rep, listing, logger)

		kind := jobs.KindArchive
		if e.cfg.Jobs.Mode == config.ModeMove {
			kind = jobs.KindMove
		}
		sel := retention.SelectArchives(now, retention.ArchiveOptions{
			KeepDays:   e.cfg.Retention.KeepDays,
			MaxJobs:    e.cfg.Retention.MaxArchiveJobs,
			Kind:       kind,
			BackupRoot: backup.Root(),
		}, listing, sizer)
		rep.Archive.Planned = len(sel.Records)
		rep.Archive.PlannedBytes = sel.PlannedBytes
		rep.Archive.Capped = sel.Capped
		rep.Archive.Deferred = sel.Deferred
		logger.Info("archive selection",
			"root", active.Root(),
			"collections", len(listing.Collections),
			"older_than", now.AddDate(0, 0, -e.cfg.Retention.KeepDays).Format(store.DateLayout),
			"jobs", len(sel.Records),
			"bytes", humanize.Bytes(uint64(sel.PlannedBytes)),
			"mode", string(kind),
		)
		if sel.Capped {
			logger.Warn("daily archive cap reached, remaining units deferred to the next run",
				"max_archive_jobs", e.cfg.Retention.MaxArchiveJobs,
				"deferred_in_collection", sel.Deferred,
			)
		}

		if len(sel.Records) > 0 {
			if abort := e.preflight(ctx, vol, sel); abort != nil {
				rep.Archive.Aborted = true
				rep.Archive.AbortReason = abort
				rep.Status = StatusFailure
				logger.Error("archive phase skipped", "error", abort)
				e.hub.Publish(events.PhaseAborted, events.PhasePayload{
					Phase:  PhaseArchive,
					Total:  len(sel.Records),
					Bytes:  sel.PlannedBytes,
					Reason: abort.Error(),
				})
			} else {
				rep.Archive.absorb(pool.RunPhase(ctx, PhaseArchive, sel.Records))
				rep.BytesArchived = rep.Archive.CompletedBytes
			}
		}
	}

	if rep.Delete.Catastrophic || rep.Archive.Catastrophic {
		rep.Status = StatusFailure
	}
	return nil
}

// preflight refuses the archive phase unless the volume has strictly more
// free space than the planned archive size.
func (e *Engine) preflight(ctx context.Context, vol volume.Volume, sel retention.Selection) error {
	u, err := vol.Usage(ctx)
	if err != nil {
		return fmt.Errorf("capacity preflight: %w", err)
	}
	if u.Available <= uint64(sel.PlannedBytes) {
		return &CapacityError{
			Planned:    sel.PlannedBytes,
			Available:  u.Available,
			Jobs:       len(sel.Records),
			MountPoint: e.cfg.Volume.MountPoint,
		}
	}
	return nil
}

func (e *Engine) noteInvalid(rep *Report, l *store.Listing, logger *slog.Logger) {
	for _, inv := range l.Invalid {
		logger.Warn("invalid dated directory skipped, it should be removed", "path", inv.Path, "reason", inv.Reason)
	}
	rep.Invalid = append(rep.Invalid, l.Invalid...)
}

func (e *Engine) captureEnd(ctx context.Context, rep *Report, vol volume.Volume, logger *slog.Logger) {
	u, err := vol.Usage(ctx)
	if err != nil {
		logger.Warn("cannot read backup volume usage after run", "error", err)
		return
	}
	rep.UsageEnd = u
	if rep.UsageStart.Size > 0 {
		rep.UsedDelta = int64(u.Used) - int64(rep.UsageStart.Used)
	}

	rec, hit := alert.Check(e.cfg.Alert.Name, u.Percent, e.cfg.Alert.UsageThreshold, e.now())
	if !hit {
		return
	}
	rep.Alert = &rec
	logger.Warn("backup volume above usage threshold", "percent", u.Percent, "threshold", rec.Threshold)
	if e.cfg.Alert.MotdPath == "" {
		return
	}
	if err := alert.WriteMotd(e.cfg.Alert.MotdPath, rec); err != nil {
		logger.Error("cannot write capacity alert", "path", e.cfg.Alert.MotdPath, "error", err)
	}
}

func (e *Engine) finish(ctx context.Context, rep *Report, locked bool, logger *slog.Logger) {
	rep.FinishedAt = e.now()
	rep.Elapsed = rep.FinishedAt.Sub(rep.StartedAt)

	attrs := []any{
		"status", string(rep.Status),
		"elapsed", rep.Elapsed.Round(time.Second).String(),
		"archived", humanize.Bytes(uint64(rep.BytesArchived)),
		"deleted", humanize.Bytes(uint64(rep.BytesDeleted)),
		"disk_delta", signedBytes(rep.UsedDelta),
		"available", humanize.Bytes(rep.UsageEnd.Available),
		"usage_percent", rep.UsageEnd.Percent,
	}
	if len(rep.Invalid) > 0 {
		attrs = append(attrs, "invalid_dirs", len(rep.Invalid))
	}
	if rep.Unmount.Attempted && !rep.Unmount.Unmounted {
		attrs = append(attrs, "unmount_error", rep.Unmount.Err)
	}
	if rep.Err != nil {
		attrs = append(attrs, "error", rep.Err)
	}
	if rep.Failed() {
		logger.Error("run finished", attrs...)
	} else {
		logger.Info("run finished", attrs...)
	}

	// A run turned away by the lock leaves the live run's history and metrics alone.
	if !locked {
		e.hub.Publish(events.RunFinished, runFinishedPayload(rep))
		return
	}

	if e.history != nil {
		if err := e.history.RecordRun(context.WithoutCancel(ctx), historyRun(rep, e.cfg.Fingerprint), historyJobs(rep)); err != nil {
			logger.Error("record run history", "error", err)
		}
	}
	if e.metrics != nil && e.cfg.Metrics.Textfile != "" {
		e.metrics.Observe(metrics.Snapshot{
			FinishedAt:     rep.FinishedAt,
			Success:        !rep.Failed(),
			Duration:       rep.Elapsed,
			BytesArchived:  rep.BytesArchived,
			BytesDeleted:   rep.BytesDeleted,
			Jobs:           rep.JobCounts(),
			UsagePercent:   rep.UsageEnd.Percent,
			AvailableBytes: rep.UsageEnd.Available,
			ArchiveCapped:  rep.Archive.Capped,
			ArchiveAborted: rep.Archive.Aborted,
			Unmounted:      rep.Unmount.Unmounted,
		})
		if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
			logger.Error("write metrics", "error", err)
		}
	}

	e.hub.Publish(events.RunFinished, runFinishedPayload(rep))
}

func runFinishedPayload(rep *Report) events.RunPayload {
	payload := events.RunPayload{RunID: rep.RunID, Status: string(rep.Status)}
	if rep.Err != nil {
		payload.Error = rep.Err.Error()
	}
	return payload
}

func signedBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return "+" + humanize.Bytes(uint64(n))
}

func historyRun(rep *Report, fingerprint string) storage.Run {
	run := storage.Run{
		ID:                rep.RunID,
		Status:            string(rep.Status),
		StartedAt:         rep.StartedAt,
		FinishedAt:        rep.FinishedAt,
		BytesArchived:     rep.BytesArchived,
		BytesDeleted:      rep.BytesDeleted,
		UsedStart:         int64(rep.UsageStart.Used),
		UsedEnd:           int64(rep.UsageEnd.Used),
		UsagePctEnd:       rep.UsageEnd.Percent,
		ArchiveCapped:     rep.Archive.Capped,
		ArchiveAborted:    rep.Archive.Aborted,
		Unmounted:         rep.Unmount.Unmounted,
		ConfigFingerprint: fingerprint,
	}
	switch {
	case rep.Err != nil:
		run.Error = rep.Err.Error()
	case rep.Archive.AbortReason != nil:
		run.Error = rep.Archive.AbortReason.Error()
	}
	return run
}

func historyJobs(rep *Report) []storage.JobEntry {
	var out []storage.JobEntry
	for _, phase := range []struct {
		name string
		res  jobs.PhaseResult
	}{{PhaseDelete, rep.Delete.Result}, {PhaseArchive, rep.Archive.Result}} {
		for _, o := range phase.res.Outcomes {
			entry := storage.JobEntry{
				ID:          o.Record.ID,
				Phase:       phase.name,
				Kind:        string(o.Record.Kind),
				Unit:        o.Record.Unit.Key(),
				Source:      o.Record.Source,
				Destination: o.Record.Destination,
				SizeBytes:   o.Record.SizeBytes,
				Status:      o.Status(),
				StartedAt:   o.StartedAt,
				CompletedAt: o.FinishedAt,
				Digest:      o.Digest,
				Partial:     o.Partial,
			}
			if o.Err != nil {
				entry.Error = o.Err.Error()
			}
			out = append(out, entry)
		}
	}
	return out
}
