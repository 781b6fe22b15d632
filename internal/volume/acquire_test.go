package volume_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/zm-archiver/internal/volume"
	"github.com/mattjoyce/zm-archiver/internal/volume/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireAlreadyMountedAtTarget(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)

	v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{Mounted: true, Path: "/mnt/7/"}, nil)

	st, err := volume.Acquire(context.Background(), v, "/mnt/7", "", discardLogger())
	require.NoError(t, err)
	assert.True(t, st.Mounted)
}

func TestAcquireMountsWhenNotMounted(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)

	gomock.InOrder(
		v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{}, nil),
		v.EXPECT().Mount(gomock.Any(), "/mnt/7", "noatime").Return(nil),
		v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{Mounted: true, Path: "/mnt/7"}, nil),
	)

	st, err := volume.Acquire(context.Background(), v, "/mnt/7", "noatime", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "/mnt/7", st.Path)
}

func TestAcquireRemountsFromElsewhere(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)

	gomock.InOrder(
		v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{Mounted: true, Path: "/media/usb0"}, nil),
		v.EXPECT().Unmount(gomock.Any()).Return(nil),
		v.EXPECT().Mount(gomock.Any(), "/mnt/7", "").Return(nil),
		v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{Mounted: true, Path: "/mnt/7"}, nil),
	)

	_, err := volume.Acquire(context.Background(), v, "/mnt/7", "", discardLogger())
	require.NoError(t, err)
}

func TestAcquireUnmountFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)

	v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{Mounted: true, Path: "/media/usb0"}, nil)
	v.EXPECT().Unmount(gomock.Any()).Return(errors.New("target is busy"))
	// Mount must never be attempted.

	_, err := volume.Acquire(context.Background(), v, "/mnt/7", "", discardLogger())
	var acqErr *volume.AcquireError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, "unmount", acqErr.Stage)
	assert.Equal(t, "/media/usb0", acqErr.Current)
	assert.Contains(t, err.Error(), "target is busy")
}

func TestAcquireMountFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)

	v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{}, nil)
	v.EXPECT().Mount(gomock.Any(), "/mnt/7", "").Return(volume.ErrAlreadyMounted)

	_, err := volume.Acquire(context.Background(), v, "/mnt/7", "", discardLogger())
	var acqErr *volume.AcquireError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, "mount", acqErr.Stage)
	assert.ErrorIs(t, err, volume.ErrAlreadyMounted)
}

func TestAcquireVerifyFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)

	gomock.InOrder(
		v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{}, nil),
		v.EXPECT().Mount(gomock.Any(), "/mnt/7", "").Return(nil),
		v.EXPECT().FindMountPoint(gomock.Any()).Return(volume.MountState{}, nil),
	)

	_, err := volume.Acquire(context.Background(), v, "/mnt/7", "", discardLogger())
	var acqErr *volume.AcquireError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, "verify", acqErr.Stage)
}

func TestReleaseWithRetrySucceedsFirstTime(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)
	v.EXPECT().Unmount(gomock.Any()).Return(nil).Times(1)

	res := volume.ReleaseWithRetry(context.Background(), v, time.Hour, discardLogger())
	assert.True(t, res.Unmounted)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
}

func TestReleaseWithRetryRecoversOnSecondAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)
	gomock.InOrder(
		v.EXPECT().Unmount(gomock.Any()).Return(errors.New("busy")),
		v.EXPECT().Unmount(gomock.Any()).Return(nil),
	)

	res := volume.ReleaseWithRetry(context.Background(), v, time.Millisecond, discardLogger())
	assert.True(t, res.Unmounted)
	assert.Equal(t, 2, res.Attempts)
}

func TestReleaseWithRetryGivesUpAfterTwoAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)
	v.EXPECT().Unmount(gomock.Any()).Return(errors.New("busy")).Times(2)

	start := time.Now()
	res := volume.ReleaseWithRetry(context.Background(), v, 20*time.Millisecond, discardLogger())
	assert.False(t, res.Unmounted)
	assert.Equal(t, 2, res.Attempts)
	assert.Error(t, res.Err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReleaseWithRetryHonoursCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVolume(ctrl)
	v.EXPECT().Unmount(gomock.Any()).Return(errors.New("busy")).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := volume.ReleaseWithRetry(ctx, v, time.Hour, discardLogger())
	assert.False(t, res.Unmounted)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, context.Canceled)
}
