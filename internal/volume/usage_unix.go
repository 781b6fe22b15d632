//go:build linux || darwin

package volume

import (
	"fmt"
	"syscall"
)

// statfsUsage mirrors df: Percent is used/(used+available) rounded up, so
// reserved blocks do not count as free.
func statfsUsage(path string) (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return Usage{}, fmt.Errorf("statfs %q: %w", path, err)
	}

	bsize := uint64(stat.Bsize)
	size := uint64(stat.Blocks) * bsize
	used := (uint64(stat.Blocks) - uint64(stat.Bfree)) * bsize
	avail := uint64(stat.Bavail) * bsize
	return Usage{
		Size:      size,
		Used:      used,
		Available: avail,
		Percent:   percentUsed(used, avail),
	}, nil
}
