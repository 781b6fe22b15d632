package volume

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const defaultMountsFile = "/proc/self/mounts"

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Disk is a block device identified by filesystem UUID, mounted with the
// system mount tools.
type Disk struct {
	uuid       string
	device     string
	sudo       bool
	runner     Runner
	mountsFile string
	statfs     func(path string) (Usage, error)

	mu    sync.Mutex
	state MountState
}

// DiskOption customizes a Disk.
type DiskOption func(*Disk)

// WithSudo prefixes mount and umount with sudo.
func WithSudo(enabled bool) DiskOption {
	return func(d *Disk) { d.sudo = enabled }
}

// WithRunner replaces the command runner.
func WithRunner(r Runner) DiskOption {
	return func(d *Disk) { d.runner = r }
}

// WithMountsFile reads mount state from path instead of /proc/self/mounts.
func WithMountsFile(path string) DiskOption {
	return func(d *Disk) { d.mountsFile = path }
}

// WithStatfs replaces the capacity probe.
func WithStatfs(fn func(path string) (Usage, error)) DiskOption {
	return func(d *Disk) { d.statfs = fn }
}

// OpenDisk resolves the device node for uuid. A failure here means the disk
// is not attached.
func OpenDisk(ctx context.Context, uuid string, opts ...DiskOption) (*Disk, error) {
	if uuid == "" {
		return nil, fmt.Errorf("volume uuid is empty")
	}
	d := &Disk{
		uuid:       uuid,
		runner:     ExecRunner{},
		mountsFile: defaultMountsFile,
		statfs:     statfsUsage,
	}
	for _, opt := range opts {
		opt(d)
	}

	out, err := d.runner.Run(ctx, "blkid", "-o", "value", "-U", uuid)
	if err != nil {
		return nil, fmt.Errorf("resolve device for uuid %s (is the disk connected?): %w", uuid, err)
	}
	d.device = strings.TrimSpace(string(out))
	if d.device == "" {
		return nil, fmt.Errorf("resolve device for uuid %s: blkid returned nothing", uuid)
	}
	return d, nil
}

func (d *Disk) UUID() string   { return d.uuid }
func (d *Disk) Device() string { return d.device }

func (d *Disk) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("device=%s uuid=%s mounted=%t mount_point=%s", d.device, d.uuid, d.state.Mounted, d.state.Path)
}

// FindMountPoint looks the device up in the mount table.
func (d *Disk) FindMountPoint(ctx context.Context) (MountState, error) {
	mounts, err := d.readMounts()
	if err != nil {
		return MountState{}, err
	}

	st := MountState{}
	for _, m := range mounts {
		if sameDevice(m.device, d.device) {
			st = MountState{Mounted: true, Path: m.point}
			break
		}
	}

	d.mu.Lock()
	d.state = st
	d.mu.Unlock()
	return st, nil
}

// Mount mounts the disk at target. Returns ErrAlreadyMounted when something
// is already mounted there.
func (d *Disk) Mount(ctx context.Context, target, options string) error {
	mounts, err := d.readMounts()
	if err != nil {
		return err
	}
	for _, m := range mounts {
		if filepath.Clean(m.point) == filepath.Clean(target) {
			return fmt.Errorf("%w: %s (device %s)", ErrAlreadyMounted, target, m.device)
		}
	}

	args := []string{"mount"}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, "-U", d.uuid, target)
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("mount %s at %s: %w", d.uuid, target, err)
	}

	d.mu.Lock()
	d.state = MountState{Mounted: true, Path: target}
	d.mu.Unlock()
	return nil
}

// Unmount unmounts the disk from wherever it was last seen mounted.
func (d *Disk) Unmount(ctx context.Context) error {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()

	if !st.Mounted {
		var err error
		if st, err = d.FindMountPoint(ctx); err != nil {
			return err
		}
		if !st.Mounted {
			return nil
		}
	}

	if _, err := d.run(ctx, "umount", st.Path); err != nil {
		return fmt.Errorf("unmount %s: %w", st.Path, err)
	}

	d.mu.Lock()
	d.state = MountState{}
	d.mu.Unlock()
	return nil
}

// Usage reports capacity of the mounted filesystem.
func (d *Disk) Usage(ctx context.Context) (Usage, error) {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()
	if !st.Mounted {
		return Usage{}, fmt.Errorf("disk %s must be mounted before querying usage", d.uuid)
	}
	return d.statfs(st.Path)
}

func (d *Disk) run(ctx context.Context, args ...string) ([]byte, error) {
	if d.sudo {
		return d.runner.Run(ctx, "sudo", args...)
	}
	return d.runner.Run(ctx, args[0], args[1:]...)
}

type mountEntry struct {
	device string
	point  string
}

func (d *Disk) readMounts() ([]mountEntry, error) {
	f, err := os.Open(d.mountsFile)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	defer f.Close()
	return parseMounts(f)
}

func parseMounts(r io.Reader) ([]mountEntry, error) {
	var out []mountEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		out = append(out, mountEntry{device: unescapeMount(fields[0]), point: unescapeMount(fields[1])})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("parse mount table: %w", err)
	}
	return out, nil
}

// unescapeMount decodes the octal escapes (\040 etc.) used in /proc/mounts.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func sameDevice(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return false
	}
	return ra == rb
}
