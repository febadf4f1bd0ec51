//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/s3fuse/internal/logging"
	"github.com/objectfs/s3fuse/pkg/errors"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *FileSystem
	config     MountOptions
	logger     *zap.Logger

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	adapter *CgoFuseFS
	mounted atomic.Bool
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(filesystem *FileSystem, config MountOptions, logger *zap.Logger) *CgoFuseMountManager {
	return &CgoFuseMountManager{
		filesystem: filesystem,
		config:     config.withDefaults(),
		logger:     logging.OrNop(logger).Named("mount"),
	}
}

// Mount mounts the filesystem and returns once the host is serving.
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted.Load() {
		return mountError("filesystem is already mounted", nil)
	}

	m.adapter = NewCgoFuseFS(m.filesystem)
	m.host = fuse.NewFileSystemHost(m.adapter)

	options := []string{"-o", "fsname=" + m.config.FSName, "-o", "ro"}
	if m.config.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if m.config.AllowRoot {
		options = append(options, "-o", "allow_root")
	}
	if m.config.Debug {
		options = append(options, "-d")
	}

	failed := make(chan struct{})
	host, mountPoint := m.host, m.config.MountPoint
	go func() {
		if !host.Mount(mountPoint, options) {
			close(failed)
		}
		m.mounted.Store(false)
	}()

	select {
	case <-m.adapter.ready:
	case <-failed:
		return mountError("failed to mount filesystem", nil).WithContext("mount_point", mountPoint)
	case <-ctx.Done():
		host.Unmount()
		return errors.Canceled("mount", "mount", ctx.Err())
	}

	m.mounted.Store(true)
	m.logger.Info("Filesystem mounted",
		zap.String("mount_point", mountPoint),
		zap.String("bucket", m.filesystem.Session().Bucket()))
	return nil
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.host == nil || !m.mounted.Load() {
		return nil
	}
	if !m.host.Unmount() {
		return mountError("unmount failed", nil).
			WithOperation("unmount").
			WithContext("mount_point", m.config.MountPoint)
	}
	m.mounted.Store(false)
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.mounted.Load()
}

// Done is closed when the host stops serving.
func (m *CgoFuseMountManager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adapter == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.adapter.stopped
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() Stats {
	return m.filesystem.GetStats()
}
