package volume

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// AcquireError is a fatal failure to get the volume mounted at the target.
type AcquireError struct {
	Stage   string // query, unmount, mount, verify
	Target  string
	Current string
	Err     error
}

func (e *AcquireError) Error() string {
	msg := fmt.Sprintf("acquire backup volume at %s: %s failed", e.Target, e.Stage)
	if e.Current != "" {
		msg += fmt.Sprintf(" (currently mounted at %s)", e.Current)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Acquire leaves v mounted at target or returns *AcquireError.
// A volume mounted somewhere else is unmounted first; failure to do so is
// fatal and not retried.
func Acquire(ctx context.Context, v Volume, target, options string, logger *slog.Logger) (MountState, error) {
	target = filepath.Clean(target)

	st, err := v.FindMountPoint(ctx)
	if err != nil {
		return MountState{}, &AcquireError{Stage: "query", Target: target, Err: err}
	}

	if st.Mounted {
		if filepath.Clean(st.Path) == target {
			logger.Info("backup volume already mounted", "mount_point", target)
			return st, nil
		}
		logger.Warn("backup volume mounted elsewhere, unmounting", "current", st.Path, "target", target)
		if err := v.Unmount(ctx); err != nil {
			return MountState{}, &AcquireError{Stage: "unmount", Target: target, Current: st.Path, Err: err}
		}
		logger.Info("unmounted backup volume", "from", st.Path)
	}

	if err := v.Mount(ctx, target, options); err != nil {
		return MountState{}, &AcquireError{Stage: "mount", Target: target, Err: err}
	}

	st, err = v.FindMountPoint(ctx)
	if err != nil {
		return MountState{}, &AcquireError{Stage: "verify", Target: target, Err: err}
	}
	if !st.Mounted || filepath.Clean(st.Path) != target {
		return MountState{}, &AcquireError{
			Stage:   "verify",
			Target:  target,
			Current: st.Path,
			Err:     fmt.Errorf("volume not found at target after mount"),
		}
	}
	logger.Info("mounted backup volume", "mount_point", target)
	return st, nil
}

// UnmountResult records the outcome of releasing the volume.
type UnmountResult struct {
	Attempted bool
	Attempts  int
	Unmounted bool
	Err       error
}

// ReleaseWithRetry unmounts v, waiting backoff and trying exactly once more
// on failure. A final failure is returned in the result, never as a panic or
// status change.
func ReleaseWithRetry(ctx context.Context, v Volume, backoff time.Duration, logger *slog.Logger) UnmountResult {
	res := UnmountResult{Attempted: true}

	for attempt := 1; attempt <= 2; attempt++ {
		res.Attempts = attempt
		err := v.Unmount(ctx)
		if err == nil {
			res.Unmounted = true
			res.Err = nil
			logger.Info("unmounted backup volume", "attempt", attempt)
			return res
		}
		res.Err = err

		if attempt == 2 {
			logger.Error("unmount failed again, leaving volume mounted", "error", err)
			break
		}

		logger.Error("unmount failed, retrying after backoff", "error", err, "backoff", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = fmt.Errorf("unmount retry abandoned: %w (last error: %v)", ctx.Err(), err)
			logger.Error("unmount retry abandoned", "error", res.Err)
			return res
		case <-timer.C:
		}
	}
	return res
}
