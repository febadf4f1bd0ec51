package adapter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/objectfs/s3fuse/internal/cache"
	"github.com/objectfs/s3fuse/internal/circuit"
	"github.com/objectfs/s3fuse/internal/config"
	"github.com/objectfs/s3fuse/internal/fetch"
	"github.com/objectfs/s3fuse/internal/fuse"
	"github.com/objectfs/s3fuse/internal/logging"
	"github.com/objectfs/s3fuse/internal/metrics"
	"github.com/objectfs/s3fuse/internal/namespace"
	"github.com/objectfs/s3fuse/internal/session"
	"github.com/objectfs/s3fuse/internal/storage/s3"
	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/health"
	"github.com/objectfs/s3fuse/pkg/retry"
	"github.com/objectfs/s3fuse/pkg/types"
	"github.com/objectfs/s3fuse/pkg/utils"
)

// Adapter owns the components of one mount and their lifecycle.
type Adapter struct {
	config *config.Configuration
	logger *zap.Logger

	session    *session.Session
	store      types.ObjectStore
	index      *namespace.Index
	cache      *cache.Manager
	fetcher    *fetch.Coordinator
	filesystem *fuse.FileSystem
	mount      fuse.PlatformFileSystem
	metrics    *metrics.Collector
	health     *health.Checker

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg, connects to the bucket and builds every component. Nothing is
// mounted until Start. An unreachable or misnamed bucket fails here.
func New(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	collector, err := newCollector(cfg, logger)
	if err != nil {
		return nil, err
	}

	backend, err := s3.NewBackend(ctx, cfg.Storage.Bucket, backendConfig(cfg), logger, collector)
	if err != nil {
		return nil, err
	}
	if err := backend.CheckBucket(ctx); err != nil {
		return nil, err
	}

	return build(cfg, backend, logger, collector)
}

// NewWithStore builds the components over an existing object store instead of S3.
func NewWithStore(cfg *config.Configuration, store types.ObjectStore, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	collector, err := newCollector(cfg, logger)
	if err != nil {
		return nil, err
	}
	return build(cfg, store, logger, collector)
}

func build(cfg *config.Configuration, store types.ObjectStore, logger *zap.Logger, collector *metrics.Collector) (*Adapter, error) {
	opts, err := sessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(opts)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("session", sess.ID()))

	index, err := namespace.New(store, namespace.Config{
		AttrTTL:       sess.AttrTTL(),
		MaxCachedDirs: cfg.Namespace.MaxCachedDirs,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create namespace index: %w", err)
	}

	blocks, err := cache.Open(cache.Config{
		Directory:    sess.CacheRoot(),
		Capacity:     sess.Capacity(),
		SyncInterval: cfg.Cache.SyncInterval,
	}, logger, collector)
	if err != nil {
		return nil, err
	}

	fetcher := fetch.NewCoordinator(store, blocks, fetch.Config{
		BlockSize:        sess.BlockSize(),
		ReadAheadBlocks:  cfg.Fetch.ReadAheadBlocks,
		MaxReadAheadJobs: cfg.Fetch.MaxReadAheadJobs,
	}, logger, collector)

	filesystem := fuse.NewFileSystem(sess, index, blocks, fetcher, logger, collector)
	mount := fuse.CreatePlatformMountManager(filesystem, mountOptions(cfg), logger)

	a := &Adapter{
		config:     cfg,
		logger:     logger.Named("adapter"),
		session:    sess,
		store:      store,
		index:      index,
		cache:      blocks,
		fetcher:    fetcher,
		filesystem: filesystem,
		mount:      mount,
		metrics:    collector,
		health:     health.NewChecker("s3fuse"),
	}
	a.registerHealthChecks()
	collector.Handle("/health", a.health.Handler())
	return a, nil
}

// circuitReporter is implemented by stores that suspend requests during an outage.
type circuitReporter interface {
	CircuitState() circuit.State
}

func (a *Adapter) registerHealthChecks() {
	if cr, ok := a.store.(circuitReporter); ok {
		a.health.Register("backend", func(context.Context) (health.HealthState, string) {
			switch state := cr.CircuitState(); state {
			case circuit.StateOpen:
				return health.StateUnavailable, "circuit " + state.String()
			case circuit.StateHalfOpen:
				return health.StateDegraded, "circuit " + state.String()
			}
			return health.StateHealthy, ""
		})
	}
	a.health.Register("cache", func(context.Context) (health.HealthState, string) {
		stats := a.cache.Stats()
		return health.StateHealthy, fmt.Sprintf("%s of %s used",
			utils.FormatBytes(stats.Size), utils.FormatBytes(stats.Capacity))
	})
	a.health.Register("mount", func(context.Context) (health.HealthState, string) {
		if !a.mount.IsMounted() {
			return health.StateUnavailable, "not mounted"
		}
		return health.StateHealthy, a.config.Mount.MountPoint
	})
}

// Start serves metrics, when configured, and mounts the filesystem.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return errors.NewError(errors.ErrCodeInternalError, "adapter is stopped").
			WithComponent("adapter").
			WithOperation("start")
	}
	if a.started {
		return nil
	}

	a.logger.Info("Starting mount",
		zap.String("bucket", a.session.Bucket()),
		zap.String("mount_point", a.config.Mount.MountPoint),
		zap.String("cache_dir", a.session.CacheRoot()),
		zap.Int64("cache_capacity", a.session.Capacity()),
		zap.Int64("block_size", a.session.BlockSize()),
		zap.Stringer("io_mode", a.session.IOMode()))

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if err := a.mount.Mount(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metrics.Stop(stopCtx)
		return err
	}

	a.started = true
	return nil
}

// Stop cancels in-flight fetches, unmounts and persists the cache index. It may be
// called without Start, and more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true
	a.logger.Info("Stopping mount", zap.String("mount_point", a.config.Mount.MountPoint))

	var err error
	a.fetcher.Close()
	if a.started {
		err = multierr.Append(err, a.mount.Unmount())
	}
	err = multierr.Append(err, a.metrics.Stop(ctx))
	err = multierr.Append(err, a.cache.Close())

	stats := a.filesystem.GetStats()
	a.logger.Info("Mount stopped",
		zap.Int64("lookups", stats.Lookups),
		zap.Int64("opens", stats.Opens),
		zap.Int64("reads", stats.Reads),
		zap.Int64("bytes_read", stats.BytesRead),
		zap.Int64("errors", stats.Errors))
	return err
}

// Done is closed when the kernel side of the mount goes away, for example after an
// external umount.
func (a *Adapter) Done() <-chan struct{} {
	return a.mount.Done()
}

// Session returns the mount session.
func (a *Adapter) Session() *session.Session {
	return a.session
}

// FileSystem returns the filesystem served by the mount.
func (a *Adapter) FileSystem() *fuse.FileSystem {
	return a.filesystem
}

// Health returns the health checker served at /health on the metrics endpoint.
func (a *Adapter) Health() *health.Checker {
	return a.health
}

// Metrics returns the metrics collector.
func (a *Adapter) Metrics() *metrics.Collector {
	return a.metrics
}

func newCollector(cfg *config.Configuration, logger *zap.Logger) (*metrics.Collector, error) {
	return metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Address:   cfg.Monitoring.Metrics.Address,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: "s3fuse",
	}, logger)
}

func backendConfig(cfg *config.Configuration) *s3.Config {
	return &s3.Config{
		Region:                cfg.Storage.Region,
		Endpoint:              cfg.Storage.Endpoint,
		AccessKeyID:           cfg.Storage.AccessKeyID,
		SecretAccessKey:       cfg.Storage.SecretAccessKey,
		ForcePathStyle:        cfg.Storage.ForcePathStyle,
		RequestTimeout:        cfg.Storage.RequestTimeout,
		MaxConcurrentRequests: cfg.Storage.MaxConcurrentRequests,
		Retry: retry.Config{
			MaxAttempts:  cfg.Storage.Retry.MaxAttempts,
			InitialDelay: cfg.Storage.Retry.InitialDelay,
			MaxDelay:     cfg.Storage.Retry.MaxDelay,
			MaxJitter:    cfg.Storage.Retry.MaxJitter,
		},
		Circuit: circuit.Config{
			FailureThreshold: uint32(cfg.Storage.Circuit.FailureThreshold),
			OpenTimeout:      cfg.Storage.Circuit.OpenTimeout,
		},
	}
}

// sessionOptions derives the session from cfg. A negative uid or gid means the
// identity of the mounting process.
func sessionOptions(cfg *config.Configuration) (session.Options, error) {
	capacity, err := cfg.CacheCapacity()
	if err != nil {
		return session.Options{}, errors.NewError(errors.ErrCodeInvalidConfig, "invalid cache size").WithCause(err)
	}
	blockSize, err := cfg.FetchBlockSize()
	if err != nil {
		return session.Options{}, errors.NewError(errors.ErrCodeInvalidConfig, "invalid block size").WithCause(err)
	}

	uid, gid := cfg.Mount.UID, cfg.Mount.GID
	if uid < 0 {
		uid = os.Getuid()
	}
	if gid < 0 {
		gid = os.Getgid()
	}

	mode := session.IOModeBuffered
	if cfg.Mount.DirectIO {
		mode = session.IOModeDirect
	}

	return session.Options{
		Bucket:    cfg.Storage.Bucket,
		CacheRoot: cfg.Cache.Directory,
		Capacity:  capacity,
		BlockSize: blockSize,
		AttrTTL:   cfg.Namespace.AttrTTL,
		IOMode:    mode,
		UID:       uint32(uid),
		GID:       uint32(gid),
	}, nil
}

func mountOptions(cfg *config.Configuration) fuse.MountOptions {
	return fuse.MountOptions{
		MountPoint:   cfg.Mount.MountPoint,
		AllowOther:   cfg.Mount.AllowOther,
		AllowRoot:    cfg.Mount.AllowRoot,
		AutoUnmount:  cfg.Mount.AutoUnmount,
		Debug:        cfg.Mount.Debug,
		AttrTimeout:  cfg.Mount.AttrTimeout,
		EntryTimeout: cfg.Mount.EntryTimeout,
	}
}
