package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/zm-archiver/internal/config"
	"github.com/mattjoyce/zm-archiver/internal/engine"
	"github.com/mattjoyce/zm-archiver/internal/events"
	"github.com/mattjoyce/zm-archiver/internal/lock"
	"github.com/mattjoyce/zm-archiver/internal/metrics"
	"github.com/mattjoyce/zm-archiver/internal/sizeindex"
	"github.com/mattjoyce/zm-archiver/internal/storage"
	"github.com/mattjoyce/zm-archiver/internal/volume"
	"github.com/mattjoyce/zm-archiver/internal/volume/mocks"
)

const (
	activeRoot = "/events"
	mountPoint = "/mnt/backup"
	backupRoot = "/mnt/backup/zm_cache"
)

var fixedNow = time.Date(2024, 6, 30, 2, 0, 0, 0, time.Local)

type fixture struct {
	cfg *config.Config
	fs  afero.Fs
	vol *mocks.MockVolume
	dir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Lock.Path = filepath.Join(dir, ".zm_move.lock")
	cfg.Volume.UUID = "5f2c9a1e"
	cfg.Volume.MountPoint = mountPoint
	cfg.Volume.UnmountOnFinish = false
	cfg.Stores.Active = activeRoot
	cfg.Alert.MotdPath = filepath.Join(dir, "motd")

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(backupRoot, 0o755))
	require.NoError(t, fs.MkdirAll(activeRoot, 0o755))

	return &fixture{
		cfg: cfg,
		fs:  fs,
		vol: mocks.NewMockVolume(gomock.NewController(t)),
		dir: dir,
	}
}

func (f *fixture) unit(t *testing.T, root, collection, date string, size int) {
	t.Helper()
	d := filepath.Join(root, collection, date)
	require.NoError(t, f.fs.MkdirAll(d, 0o755))
	require.NoError(t, afero.WriteFile(f.fs, filepath.Join(d, "1.mp4"), []byte(strings.Repeat("x", size)), 0o644))
}

func (f *fixture) mounted(avail uint64) {
	f.vol.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{Mounted: true, Path: mountPoint}, nil)
	f.vol.EXPECT().Usage(gomock.Any()).Return(volume.Usage{Size: 1 << 30, Used: 1 << 20, Available: avail, Percent: 1}, nil).AnyTimes()
}

func (f *fixture) engine(t *testing.T, mod func(*engine.Deps)) *engine.Engine {
	t.Helper()
	d := engine.Deps{
		Config:     f.cfg,
		OpenVolume: func(context.Context) (volume.Volume, error) { return f.vol, nil },
		Fs:         f.fs,
		Sizes:      sizeindex.Empty(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return fixedNow },
	}
	if mod != nil {
		mod(&d)
	}
	e, err := engine.New(d)
	require.NoError(t, err)
	return e
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	require.NoError(t, err)
	return ok
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := engine.New(engine.Deps{})
	require.Error(t, err)
}

func TestRunKeepsAndDeletesByAge(t *testing.T) {
	f := newFixture(t)
	f.unit(t, activeRoot, "cam1", "2024-05-01", 10) // 60 days, kept
	f.unit(t, activeRoot, "cam1", "2024-03-01", 10) // 121 days, archived
	f.unit(t, backupRoot, "cam1", "2024-02-01", 10) // 150 days, kept on backup
	f.unit(t, backupRoot, "cam1", "2023-12-01", 10) // 212 days, deleted
	f.mounted(1 << 30)

	rep, err := f.engine(t, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, engine.StatusSuccess, rep.Status)
	assert.Equal(t, 1, rep.Delete.Succeeded)
	assert.Equal(t, 1, rep.Archive.Succeeded)
	assert.Equal(t, int64(10), rep.BytesDeleted)
	assert.Equal(t, int64(10), rep.BytesArchived)

	assert.True(t, exists(t, f.fs, filepath.Join(activeRoot, "cam1", "2024-05-01")))
	assert.False(t, exists(t, f.fs, filepath.Join(activeRoot, "cam1", "2024-03-01")))
	assert.True(t, exists(t, f.fs, filepath.Join(backupRoot, "cam1", "2024-03-01", "2024-03-01_cam1.tar.gz")))
	assert.True(t, exists(t, f.fs, filepath.Join(backupRoot, "cam1", "2024-02-01")))
	assert.False(t, exists(t, f.fs, filepath.Join(backupRoot, "cam1", "2023-12-01")))

	st, err := lock.Inspect(f.cfg.Lock.Path)
	require.NoError(t, err)
	assert.False(t, st.Locked, "lock released at end of run")
}

func TestRunCapsArchiveJobs(t *testing.T) {
	f := newFixture(t)
	f.cfg.Retention.MaxArchiveJobs = 2
	f.unit(t, activeRoot, "cam1", "2024-01-01", 5)
	f.unit(t, activeRoot, "cam1", "2024-01-02", 5)
	f.unit(t, activeRoot, "cam1", "2024-01-03", 5)
	f.mounted(1 << 30)

	rep, err := f.engine(t, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, engine.StatusSuccess, rep.Status)
	assert.True(t, rep.Archive.Capped)
	assert.Equal(t, 2, rep.Archive.Planned)
	assert.False(t, exists(t, f.fs, filepath.Join(activeRoot, "cam1", "2024-01-01")))
	assert.False(t, exists(t, f.fs, filepath.Join(activeRoot, "cam1", "2024-01-02")))
	assert.True(t, exists(t, f.fs, filepath.Join(activeRoot, "cam1", "2024-01-03")), "newest eligible unit deferred")
}

func TestRunAbortsArchiveWhenCapacityShort(t *testing.T) {
	f := newFixture(t)
	f.unit(t, activeRoot, "cam1", "2024-01-01", 150)
	f.unit(t, backupRoot, "cam1", "2023-01-01", 40)
	f.mounted(100)

	hub := events.NewHub(64)
	rep, err := f.engine(t, func(d *engine.Deps) { d.Hub = hub }).Run(context.Background())
	require.NoError(t, err, "capacity abort is not a fatal error")

	assert.Equal(t, engine.StatusFailure, rep.Status)
	assert.True(t, rep.Archive.Aborted)
	var capErr *engine.CapacityError
	require.True(t, errors.As(rep.Archive.AbortReason, &capErr))
	assert.Equal(t, int64(150), capErr.Planned)
	assert.Equal(t, uint64(100), capErr.Available)

	assert.Equal(t, 1, rep.Delete.Succeeded, "delete phase already committed")
	assert.False(t, exists(t, f.fs, filepath.Join(backupRoot, "cam1", "2023-01-01")))
	assert.True(t, exists(t, f.fs, filepath.Join(activeRoot, "cam1", "2024-01-01")))

	var aborted bool
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.PhaseAborted {
			aborted = true
		}
	}
	assert.True(t, aborted)
}

func TestRunCapacityBoundaryIsStrict(t *testing.T) {
	f := newFixture(t)
	f.unit(t, activeRoot, "cam1", "2024-01-01", 100)
	f.mounted(100)

	rep, err := f.engine(t, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Archive.Aborted, "equal free space is not enough")
}

func TestRunLockHeld(t *testing.T) {
	f := newFixture(t)
	held, err := lock.Acquire(f.cfg.Lock.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })

	f.cfg.Metrics.Textfile = filepath.Join(f.dir, "zm_archiver.prom")
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(f.dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	history := storage.NewHistory(db)

	e := f.engine(t, func(d *engine.Deps) {
		d.OpenVolume = func(context.Context) (volume.Volume, error) {
			t.Fatal("volume touched while lock held")
			return nil, nil
		}
		d.History = history
		d.Metrics = metrics.NewCollector()
	})
	rep, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.Equal(t, engine.StatusFailure, rep.Status)

	runs, err := history.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, runs, "a run turned away by the lock is not recorded")
	_, err = os.Stat(f.cfg.Metrics.Textfile)
	assert.True(t, os.IsNotExist(err), "metrics of the live run are left alone")
}

func TestRunVolumeFailureReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.vol.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{}, nil)
	f.vol.EXPECT().Mount(gomock.Any(), mountPoint, "").Return(errors.New("special device does not exist"))

	rep, err := f.engine(t, nil).Run(context.Background())
	require.Error(t, err)
	var acqErr *volume.AcquireError
	require.True(t, errors.As(err, &acqErr))
	assert.Equal(t, "mount", acqErr.Stage)
	assert.Equal(t, engine.StatusFailure, rep.Status)

	st, err := lock.Inspect(f.cfg.Lock.Path)
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestRunUnmountRetryDoesNotChangeStatus(t *testing.T) {
	f := newFixture(t)
	f.cfg.Volume.UnmountOnFinish = true
	f.cfg.Volume.UnmountRetryAfter = 10 * time.Millisecond
	f.mounted(1 << 30)
	f.vol.EXPECT().Unmount(gomock.Any()).Return(errors.New("target is busy")).Times(2)

	rep, err := f.engine(t, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSuccess, rep.Status)
	assert.True(t, rep.Unmount.Attempted)
	assert.Equal(t, 2, rep.Unmount.Attempts)
	assert.False(t, rep.Unmount.Unmounted)
}

func TestRunReportsInvalidDirectories(t *testing.T) {
	f := newFixture(t)
	f.unit(t, activeRoot, "cam1", "2024-01-01", 1)
	require.NoError(t, f.fs.MkdirAll(filepath.Join(activeRoot, "cam1", "old-stuff"), 0o755))
	require.NoError(t, f.fs.MkdirAll(filepath.Join(backupRoot, "cam1", "2023-02-30"), 0o755))
	f.mounted(1 << 30)

	rep, err := f.engine(t, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Invalid, 2)
	assert.True(t, exists(t, f.fs, filepath.Join(activeRoot, "cam1", "old-stuff")), "invalid dirs are never touched")
	assert.Equal(t, 1, rep.Archive.Succeeded)
}

func TestRunWritesCapacityAlert(t *testing.T) {
	f := newFixture(t)
	f.vol.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{Mounted: true, Path: mountPoint}, nil)
	f.vol.EXPECT().Usage(gomock.Any()).Return(volume.Usage{Size: 100, Used: 95, Available: 5, Percent: 95}, nil).AnyTimes()

	rep, err := f.engine(t, nil).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.Alert)
	assert.Equal(t, 95, rep.Alert.Percent)

	body, err := os.ReadFile(f.cfg.Alert.MotdPath)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Warning! ZM backup cache is at 95%")
}

func TestRunRecordsHistoryAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.cfg.Metrics.Textfile = filepath.Join(f.dir, "zm_archiver.prom")
	f.unit(t, activeRoot, "cam1", "2024-01-01", 7)
	f.mounted(1 << 30)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(f.dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	history := storage.NewHistory(db)

	rep, err := f.engine(t, func(d *engine.Deps) {
		d.History = history
		d.Metrics = metrics.NewCollector()
	}).Run(context.Background())
	require.NoError(t, err)

	runs, err := history.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.RunID, runs[0].ID)
	assert.Equal(t, "Success", runs[0].Status)
	assert.Equal(t, int64(7), runs[0].BytesArchived)

	prom, err := os.ReadFile(f.cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "zm_archiver_last_run_success 1")
}

func TestRunCatastrophicFailure(t *testing.T) {
	f := newFixture(t)
	f.unit(t, backupRoot, "cam1", "2023-01-01", 3)
	f.cfg.Jobs.AllowArchive = false
	f.mounted(1 << 30)

	ro := afero.NewReadOnlyFs(f.fs)
	rep, err := f.engine(t, func(d *engine.Deps) { d.Fs = ro }).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, engine.StatusFailure, rep.Status)
	assert.True(t, rep.Delete.Catastrophic)
	assert.Equal(t, 1, rep.Delete.Failed)
	assert.False(t, rep.Archive.Enabled)
	assert.True(t, exists(t, f.fs, filepath.Join(backupRoot, "cam1", "2023-01-01")))
}
