package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned (wrapped in *HeldError) when another run holds the lock.
var ErrLocked = errors.New("run lock is held")

// Owner is the record persisted in the lock file.
type Owner struct {
	Locked     bool      `json:"locked"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
	Token      string    `json:"token,omitempty"`
}

// HeldError describes the run currently holding the lock.
// Stale means the owner PID is on this host and no longer alive; the lock is
// still honoured and must be cleared by an operator.
type HeldError struct {
	Path  string
	Owner Owner
	Stale bool
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("run lock %s held by pid %d on %s since %s",
		e.Path, e.Owner.PID, e.Owner.Host, e.Owner.AcquiredAt.Format(time.RFC3339))
	if e.Stale {
		msg += " (owner is no longer running; clear the lock file once the previous run has been checked)"
	}
	return msg
}

func (e *HeldError) Unwrap() error { return ErrLocked }

// RunLock is a cross-process run lock backed by an exclusively created file.
// The file outlives a crash, so a crashed run keeps later runs out until an
// operator clears it.
type RunLock struct {
	path  string
	owner Owner
}

// Acquire publishes the owner record at lockPath, failing when the file
// already exists. A corrupt or empty lock file is treated as unlocked and
// replaced. Competing acquirers serialize on a flock of the lock directory, so
// the check and the replacement of a corrupt file cannot interleave.
func Acquire(lockPath string) (*RunLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	var l *RunLock
	err := withDirLock(filepath.Dir(lockPath), func() error {
		for attempt := 0; attempt < 2; attempt++ {
			created, err := create(lockPath)
			if err == nil {
				l = created
				return nil
			}
			if !errors.Is(err, os.ErrExist) {
				return err
			}

			owner, readErr := readOwner(lockPath)
			if readErr == nil && owner.Locked {
				return &HeldError{Path: lockPath, Owner: owner, Stale: isStale(owner)}
			}
			// Absent, corrupt or explicitly unlocked: remove and retry.
			if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove unusable lock file: %w", err)
			}
		}
		return fmt.Errorf("acquire lock %s: lock file reappeared", lockPath)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// TryAcquire is Acquire in boolean form: ok is false, with a nil error, when
// another run holds the lock.
func TryAcquire(lockPath string) (l *RunLock, ok bool, err error) {
	l, err = Acquire(lockPath)
	if errors.Is(err, ErrLocked) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

// create writes the owner record to a temp file and links it onto lockPath.
// The link fails with EEXIST when the lock file exists, and readers never see
// a partially written record.
func create(lockPath string) (*RunLock, error) {
	host, _ := os.Hostname()
	owner := Owner{
		Locked:     true,
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().UTC(),
		Token:      uuid.NewString(),
	}
	data, err := json.Marshal(owner)
	if err != nil {
		return nil, fmt.Errorf("encode lock owner: %w", err)
	}

	dir := filepath.Dir(lockPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(lockPath)+".*")
	if err != nil {
		return nil, fmt.Errorf("create lock temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("sync lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close lock file: %w", err)
	}
	if err := os.Link(tmp.Name(), lockPath); err != nil {
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		_ = os.Remove(lockPath)
		return nil, err
	}
	return &RunLock{path: lockPath, owner: owner}, nil
}

func (l *RunLock) Path() string { return l.path }

func (l *RunLock) Owner() Owner { return l.owner }

// Release removes the lock file if it still carries this lock's owner record.
// A file that now belongs to someone else is left in place and reported. It is
// safe to call more than once and on nil.
func (l *RunLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	path := l.path
	l.path = ""
	dir := filepath.Dir(path)
	return withDirLock(dir, func() error {
		owner, err := readOwner(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil || owner.Token != l.owner.Token {
			return fmt.Errorf("release lock %s: file no longer belongs to this run, left in place", path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("release lock: %w", err)
		}
		return syncDir(dir)
	})
}

// State is what an operator sees for a lock path.
type State struct {
	Path    string
	Locked  bool
	Corrupt bool
	Stale   bool
	Owner   Owner
}

// Inspect reports the lock state at lockPath without modifying it.
func Inspect(lockPath string) (State, error) {
	st := State{Path: lockPath}
	owner, err := readOwner(lockPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return st, nil
	case errors.Is(err, errCorrupt):
		st.Corrupt = true
		return st, nil
	case err != nil:
		return st, err
	}
	st.Owner = owner
	st.Locked = owner.Locked
	st.Stale = owner.Locked && isStale(owner)
	return st, nil
}

// Clear removes the lock file regardless of owner. Operator use only.
func Clear(lockPath string) error {
	return withDirLock(filepath.Dir(lockPath), func() error {
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear lock: %w", err)
		}
		return nil
	})
}

var errCorrupt = errors.New("corrupt lock file")

func readOwner(lockPath string) (Owner, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}, err
	}
	var owner Owner
	if err := json.Unmarshal(b, &owner); err != nil {
		return Owner{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if owner.Locked && owner.PID <= 0 {
		return Owner{}, fmt.Errorf("%w: missing pid", errCorrupt)
	}
	return owner, nil
}

// isStale reports whether the owner PID is local and gone.
func isStale(owner Owner) bool {
	host, err := os.Hostname()
	if err != nil || host != owner.Host || owner.PID <= 0 {
		return false
	}
	err = syscall.Kill(owner.PID, 0)
	return errors.Is(err, syscall.ESRCH)
}

// withDirLock runs fn while holding an exclusive flock on dir.
func withDirLock(dir string, fn func() error) error {
	d, err := os.Open(dir)
	if errors.Is(err, os.ErrNotExist) {
		return fn()
	}
	if err != nil {
		return fmt.Errorf("open lock directory: %w", err)
	}
	defer d.Close()
	if err := syscall.Flock(int(d.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock lock directory: %w", err)
	}
	defer func() { _ = syscall.Flock(int(d.Fd()), syscall.LOCK_UN) }()
	return fn()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open lock directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync lock directory: %w", err)
	}
	return nil
}
