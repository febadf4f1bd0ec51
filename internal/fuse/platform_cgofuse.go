//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"go.uber.org/zap"
)

// PlatformFileSystem is a mounted filesystem regardless of the FUSE binding behind it.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Done() <-chan struct{}
	GetStats() Stats
}

// CreatePlatformMountManager creates the cgofuse mount manager
func CreatePlatformMountManager(filesystem *FileSystem, options MountOptions, logger *zap.Logger) PlatformFileSystem {
	return NewCgoFuseMountManager(filesystem, options, logger)
}
