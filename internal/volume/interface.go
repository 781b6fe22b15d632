package volume

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mocks/mock_volume.go -package=mocks github.com/mattjoyce/zm-archiver/internal/volume Volume

// ErrAlreadyMounted is returned by Mount when the target is already a mount point.
var ErrAlreadyMounted = errors.New("mount point already in use")

// MountState is the result of asking where the volume is mounted.
// Not being mounted is a normal state, not an error.
type MountState struct {
	Mounted bool
	Path    string
}

// Usage is the capacity of a mounted volume in bytes.
type Usage struct {
	Size      uint64
	Used      uint64
	Available uint64
	Percent   int
}

// Volume is the backup volume contract consumed by the engine.
type Volume interface {
	FindMountPoint(ctx context.Context) (MountState, error)
	Mount(ctx context.Context, target, options string) error
	Unmount(ctx context.Context) error
	Usage(ctx context.Context) (Usage, error)
}
