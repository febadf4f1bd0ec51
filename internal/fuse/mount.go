//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	stderr "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/s3fuse/internal/logging"
	"github.com/objectfs/s3fuse/pkg/errors"
)

// unmountTimeout bounds how long Unmount waits for the server loop to exit.
const unmountTimeout = 10 * time.Second

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     MountOptions
	logger     *zap.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted atomic.Bool
	done    chan struct{}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config MountOptions, logger *zap.Logger) *MountManager {
	return &MountManager{
		filesystem: filesystem,
		config:     config.withDefaults(),
		logger:     logging.OrNop(logger).Named("mount"),
	}
}

// Mount mounts the filesystem at the configured mount point and serves it in the
// background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted.Load() {
		return mountError("filesystem is already mounted", nil)
	}
	if err := ctx.Err(); err != nil {
		return errors.Canceled("mount", "mount", err)
	}

	mountPoint, err := validateMountPoint(m.config.MountPoint, m.logger)
	if err != nil {
		return err
	}
	m.config.MountPoint = mountPoint

	if (m.config.AllowOther || m.config.AllowRoot) && os.Getuid() != 0 {
		ok, err := userAllowOther(fuseConfPath)
		if err != nil || !ok {
			return errors.NewError(errors.ErrCodePermissionDenied,
				"allow_other and allow_root require user_allow_other in "+fuseConfPath).
				WithComponent("mount").
				WithOperation("mount").
				WithCause(err)
		}
	}

	server, err := fs.Mount(mountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		if stderr.Is(err, syscall.EPERM) || stderr.Is(err, syscall.EACCES) {
			return errors.NewError(errors.ErrCodePermissionDenied, "mount not permitted").
				WithComponent("mount").
				WithOperation("mount").
				WithContext("mount_point", mountPoint).
				WithCause(err)
		}
		return mountError("failed to mount filesystem", err).WithContext("mount_point", mountPoint)
	}

	m.server = server
	m.done = make(chan struct{})
	m.mounted.Store(true)

	m.logger.Info("Filesystem mounted",
		zap.String("mount_point", mountPoint),
		zap.String("bucket", m.filesystem.Session().Bucket()),
		zap.String("io_mode", m.filesystem.Session().IOMode().String()))

	done := m.done
	go func() {
		server.Wait()
		m.mounted.Store(false)
		close(done)
		m.logger.Info("FUSE server stopped", zap.String("mount_point", mountPoint))
	}()

	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server == nil || !m.mounted.Load() {
		return nil
	}

	m.logger.Info("Unmounting filesystem", zap.String("mount_point", m.config.MountPoint))

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("Normal unmount failed, trying force unmount", zap.Error(err))
		if forceErr := forceUnmount(m.config.MountPoint); forceErr != nil {
			return mountError("unmount failed", stderr.Join(err, forceErr)).
				WithOperation("unmount").
				WithContext("mount_point", m.config.MountPoint)
		}
	}

	select {
	case <-m.done:
	case <-time.After(unmountTimeout):
		m.logger.Warn("FUSE server did not stop after unmount", zap.Duration("timeout", unmountTimeout))
	}
	m.mounted.Store(false)
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	return m.mounted.Load()
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the kernel connection is closed.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Done is closed when the kernel connection is closed, including by an external
// fusermount -u.
func (m *MountManager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() Stats {
	return m.filesystem.GetStats()
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attrTimeout := m.config.AttrTimeout
	entryTimeout := m.config.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:         m.config.FSName,
			FsName:       m.config.FSName,
			DirectMount:  !m.config.AutoUnmount,
			Debug:        m.config.Debug,
			AllowOther:   m.config.AllowOther,
			MaxReadAhead: m.config.MaxReadAhead,
			Logger:       zap.NewStdLog(m.logger.Named("gofuse")),
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}

	opts.Options = append(opts.Options, "ro")
	if m.config.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if m.config.AutoUnmount {
		opts.Options = append(opts.Options, "auto_unmount")
	}
	return opts
}

func validateMountPoint(mountPoint string, logger *zap.Logger) (string, error) {
	if mountPoint == "" {
		return "", mountError("mount point cannot be empty", nil)
	}
	abs, err := filepath.Abs(mountPoint)
	if err != nil {
		return "", mountError("cannot resolve mount point", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", mountError("mount point does not exist", err).WithContext("mount_point", abs)
		}
		return "", mountError("cannot access mount point", err).WithContext("mount_point", abs)
	}
	if !info.IsDir() {
		return "", mountError("mount point is not a directory", nil).WithContext("mount_point", abs)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", mountError("cannot read mount point directory", err).WithContext("mount_point", abs)
	}
	if len(entries) > 0 {
		logger.Warn("Mount point is not empty", zap.String("mount_point", abs))
	}

	mounted, err := isMounted(procMountsPath, abs)
	if err == nil && mounted {
		return "", mountError("mount point is already mounted", nil).WithContext("mount_point", abs)
	}
	return abs, nil
}

func forceUnmount(mountPoint string) error {
	// MNT_DETACH, then MNT_FORCE
	if err := syscall.Unmount(mountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(mountPoint, 1)
}
