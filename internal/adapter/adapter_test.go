package adapter

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/s3fuse/internal/config"
	"github.com/objectfs/s3fuse/internal/fuse"
	"github.com/objectfs/s3fuse/internal/session"
	"github.com/objectfs/s3fuse/internal/storage/memstore"
	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/health"
)

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Storage.Bucket = "model-weights"
	cfg.Mount.MountPoint = t.TempDir()
	cfg.Cache.Directory = t.TempDir()
	cfg.Cache.MaxSize = "64MiB"
	cfg.Cache.SyncInterval = 0
	cfg.Fetch.BlockSize = "1KiB"
	cfg.Fetch.ReadAheadBlocks = 0
	cfg.Monitoring.Metrics.Enabled = false
	return cfg
}

func TestSessionOptions(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Configuration)
		check  func(t *testing.T, opts session.Options)
	}{
		{
			name:   "current user by default",
			modify: func(*config.Configuration) {},
			check: func(t *testing.T, opts session.Options) {
				assert.Equal(t, uint32(os.Getuid()), opts.UID)
				assert.Equal(t, uint32(os.Getgid()), opts.GID)
				assert.Equal(t, session.IOModeBuffered, opts.IOMode)
			},
		},
		{
			name: "explicit identity",
			modify: func(c *config.Configuration) {
				c.Mount.UID = 1234
				c.Mount.GID = 5678
			},
			check: func(t *testing.T, opts session.Options) {
				assert.Equal(t, uint32(1234), opts.UID)
				assert.Equal(t, uint32(5678), opts.GID)
			},
		},
		{
			name: "direct io",
			modify: func(c *config.Configuration) {
				c.Mount.DirectIO = true
			},
			check: func(t *testing.T, opts session.Options) {
				assert.Equal(t, session.IOModeDirect, opts.IOMode)
			},
		},
		{
			name: "sizes",
			modify: func(c *config.Configuration) {
				c.Cache.MaxSize = "2GiB"
				c.Fetch.BlockSize = "8MiB"
				c.Namespace.AttrTTL = 5 * time.Second
			},
			check: func(t *testing.T, opts session.Options) {
				assert.Equal(t, int64(2<<30), opts.Capacity)
				assert.Equal(t, int64(8<<20), opts.BlockSize)
				assert.Equal(t, 5*time.Second, opts.AttrTTL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)
			opts, err := sessionOptions(cfg)
			require.NoError(t, err)
			assert.Equal(t, "model-weights", opts.Bucket)
			assert.Equal(t, cfg.Cache.Directory, opts.CacheRoot)
			tt.check(t, opts)
		})
	}
}

func TestMountOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mount.AllowRoot = true
	cfg.Mount.AutoUnmount = true
	cfg.Mount.AttrTimeout = 3 * time.Second

	opts := mountOptions(cfg)
	assert.Equal(t, cfg.Mount.MountPoint, opts.MountPoint)
	assert.True(t, opts.AllowRoot)
	assert.False(t, opts.AllowOther)
	assert.True(t, opts.AutoUnmount)
	assert.Equal(t, 3*time.Second, opts.AttrTimeout)
	assert.Equal(t, time.Second, opts.EntryTimeout)
}

func TestBackendConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Endpoint = "http://localhost:9000"
	cfg.Storage.ForcePathStyle = true
	cfg.Storage.Retry.MaxAttempts = 7

	bc := backendConfig(cfg)
	assert.Equal(t, "http://localhost:9000", bc.Endpoint)
	assert.True(t, bc.ForcePathStyle)
	assert.Equal(t, 7, bc.Retry.MaxAttempts)
	assert.Equal(t, cfg.Storage.MaxConcurrentRequests, bc.MaxConcurrentRequests)
}

func TestNewWithStoreRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Bucket = ""

	_, err := NewWithStore(cfg, memstore.New(0), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestAdapterServesStore(t *testing.T) {
	store := memstore.New(0)
	weights := make([]byte, 3000)
	for i := range weights {
		weights[i] = byte(i % 251)
	}
	store.Put("llama/model.safetensors", weights)
	store.Put("llama/config.json", []byte(`{"layers":32}`))

	cfg := testConfig(t)
	a, err := NewWithStore(cfg, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	assert.NotEmpty(t, a.Session().ID())
	assert.Equal(t, "model-weights", a.Session().Bucket())

	ctx := context.Background()
	caller := fuse.Caller{UID: a.Session().UID(), GID: a.Session().GID()}
	fsys := a.FileSystem()

	id, err := fsys.Resolve(ctx, caller, "/llama/model.safetensors")
	require.NoError(t, err)
	res, err := fsys.Open(ctx, caller, id, syscall.O_RDONLY)
	require.NoError(t, err)

	got, err := fsys.Read(ctx, res.Handle, 1000, 1500)
	require.NoError(t, err)
	assert.Equal(t, weights[1000:2500], got)
	fsys.Release(res.Handle)

	_, err = fsys.Resolve(ctx, caller, "/llama/missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestStopPersistsCache(t *testing.T) {
	store := memstore.New(0)
	store.Put("a.bin", []byte("0123456789"))

	cfg := testConfig(t)
	ctx := context.Background()

	a, err := NewWithStore(cfg, store, nil)
	require.NoError(t, err)
	caller := fuse.Caller{UID: a.Session().UID(), GID: a.Session().GID()}
	id, err := a.FileSystem().Resolve(ctx, caller, "a.bin")
	require.NoError(t, err)
	res, err := a.FileSystem().Open(ctx, caller, id, syscall.O_RDONLY)
	require.NoError(t, err)
	_, err = a.FileSystem().Read(ctx, res.Handle, 0, 10)
	require.NoError(t, err)

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx), "second stop is a no-op")
	assert.Error(t, a.Start(ctx), "a stopped adapter cannot start")

	// The cache directory is unlocked and its blocks survive a restart.
	b, err := NewWithStore(cfg, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	store.ResetCounters()
	id, err = b.FileSystem().Resolve(ctx, caller, "a.bin")
	require.NoError(t, err)
	res, err = b.FileSystem().Open(ctx, caller, id, syscall.O_RDONLY)
	require.NoError(t, err)
	got, err := b.FileSystem().Read(ctx, res.Handle, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
	assert.Zero(t, store.GetCalls())
}

func TestHealthBeforeMount(t *testing.T) {
	a, err := NewWithStore(testConfig(t), memstore.New(0), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	report := a.Health().Check(context.Background())
	require.Len(t, report.Components, 2, "the in-memory store has no circuit")
	assert.Equal(t, "cache", report.Components[0].Name)
	assert.Equal(t, health.StateHealthy, report.Components[0].State)
	assert.Equal(t, "mount", report.Components[1].Name)
	assert.Equal(t, health.StateUnavailable, report.Components[1].State)
	assert.Equal(t, health.StateUnavailable, report.State)
}
