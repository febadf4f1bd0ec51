package fetch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/s3fuse/internal/cache"
	"github.com/objectfs/s3fuse/internal/storage/memstore"
	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/types"
)

const (
	testBlock   = 1024
	testVersion = "etag-1"
)

func content(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7 % 253)
	}
	return out
}

func newTestCoordinator(t *testing.T, store *memstore.Store, config Config) (*Coordinator, *cache.Manager) {
	t.Helper()
	c, err := cache.Open(cache.Config{Directory: t.TempDir(), Capacity: 1 << 30}, nil, nil)
	require.NoError(t, err)
	coord := NewCoordinator(store, c, config, nil, nil)
	t.Cleanup(func() {
		coord.Close()
		_ = c.Close()
	})
	return coord, c
}

func TestRequestFetchesAndCaches(t *testing.T) {
	data := content(5000)
	store := memstore.New(0)
	store.Put("w.bin", data)
	coord, c := newTestCoordinator(t, store, Config{BlockSize: testBlock})
	ctx := context.Background()

	got, err := coord.Request(ctx, "w.bin", testVersion, 5000, 1500, 100)
	require.NoError(t, err)
	assert.Equal(t, data[1500:1600], got)

	// aligned to one block
	assert.Equal(t, []types.Range{{Offset: 1024, Length: 1024}}, store.Ranges())
	assert.Equal(t, int64(1024), c.CachedBytes("w.bin"))

	again, err := coord.Request(ctx, "w.bin", testVersion, 5000, 1024, 1024)
	require.NoError(t, err)
	assert.Equal(t, data[1024:2048], again)
	assert.Equal(t, int64(1), store.GetCalls())
}

func TestRequestClampsToSize(t *testing.T) {
	data := content(3000)
	store := memstore.New(0)
	store.Put("w.bin", data)
	coord, _ := newTestCoordinator(t, store, Config{BlockSize: testBlock})
	ctx := context.Background()

	got, err := coord.Request(ctx, "w.bin", testVersion, 3000, 2500, 4096)
	require.NoError(t, err)
	assert.Equal(t, data[2500:], got)

	got, err = coord.Request(ctx, "w.bin", testVersion, 3000, 3000, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = coord.Request(ctx, "w.bin", testVersion, 3000, -1, 10)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestRequestShortObject(t *testing.T) {
	store := memstore.New(0)
	store.Put("w.bin", content(100))
	coord, _ := newTestCoordinator(t, store, Config{BlockSize: testBlock})

	// attributes claim 200 bytes but the object only has 100
	got, err := coord.Request(context.Background(), "w.bin", testVersion, 200, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, content(100), got)
}

func TestAdjacentMissingRangesShareOneFetch(t *testing.T) {
	data := content(3 * testBlock)
	store := memstore.New(0)
	store.Put("w.bin", data)
	coord, c := newTestCoordinator(t, store, Config{BlockSize: testBlock})

	got, err := coord.Request(context.Background(), "w.bin", testVersion, int64(len(data)), 0, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Equal(t, []types.Range{{Offset: 0, Length: 3 * testBlock}}, store.Ranges())
	assert.Len(t, c.CachedRanges("w.bin", testVersion), 3)
}

func TestCachedBlockSplitsFetch(t *testing.T) {
	data := content(3 * testBlock)
	store := memstore.New(0)
	store.Put("w.bin", data)
	coord, c := newTestCoordinator(t, store, Config{BlockSize: testBlock})

	require.NoError(t, c.Store("w.bin", testVersion, testBlock, data[testBlock:2*testBlock]))

	got, err := coord.Request(context.Background(), "w.bin", testVersion, int64(len(data)), 0, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.ElementsMatch(t, []types.Range{
		{Offset: 0, Length: testBlock},
		{Offset: 2 * testBlock, Length: testBlock},
	}, store.Ranges())
}

func TestConcurrentRequestsFetchOnce(t *testing.T) {
	data := content(8 * testBlock)
	store := memstore.New(0)
	store.Put("w.bin", data)

	release := make(chan struct{})
	store.SetGetHook(func(ctx context.Context, key string, offset, length int64) error {
		<-release
		return nil
	})
	coord, _ := newTestCoordinator(t, store, Config{BlockSize: testBlock})

	const readers = 16
	results := make([][]byte, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Request(context.Background(), "w.bin", testVersion, int64(len(data)), 2*testBlock, 2*testBlock)
		}(i)
	}

	require.Eventually(t, func() bool { return coord.InFlight() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, data[2*testBlock:4*testBlock], results[i])
	}
	assert.Equal(t, int64(1), store.GetCalls())
	assert.Equal(t, 0, coord.InFlight())
}

func TestTwoHalvesEqualOneRead(t *testing.T) {
	const size = 10 << 20
	data := content(size)
	store := memstore.New(0)
	store.Put("model.safetensors", data)

	halves, _ := newTestCoordinator(t, store, Config{BlockSize: 4 << 20})
	whole, _ := newTestCoordinator(t, store, Config{BlockSize: 4 << 20})
	ctx := context.Background()

	first, err := halves.Request(ctx, "model.safetensors", testVersion, size, 0, size/2)
	require.NoError(t, err)
	second, err := halves.Request(ctx, "model.safetensors", testVersion, size, size/2, size/2)
	require.NoError(t, err)

	all, err := whole.Request(ctx, "model.safetensors", testVersion, size, 0, size)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(all, append(first, second...)))
	assert.True(t, bytes.Equal(all, data))
}

func TestFetchErrorReachesWaiters(t *testing.T) {
	store := memstore.New(0)
	store.Put("w.bin", content(100))
	coord, c := newTestCoordinator(t, store, Config{BlockSize: testBlock})
	store.FailNext("get", errors.NewError(errors.ErrCodeAccessDenied, "denied"))

	_, err := coord.Request(context.Background(), "w.bin", testVersion, 100, 0, 100)
	assert.True(t, errors.IsPermissionDenied(err))
	assert.Equal(t, int64(0), c.CachedBytes("w.bin"))
	assert.Equal(t, 0, coord.InFlight())

	got, err := coord.Request(context.Background(), "w.bin", testVersion, 100, 0, 100)
	require.NoError(t, err)
	assert.Len(t, got, 100)
}

func TestCallerCancellationLeavesFetchRunning(t *testing.T) {
	data := content(testBlock)
	store := memstore.New(0)
	store.Put("w.bin", data)

	release := make(chan struct{})
	store.SetGetHook(func(ctx context.Context, key string, offset, length int64) error {
		<-release
		return nil
	})
	coord, c := newTestCoordinator(t, store, Config{BlockSize: testBlock})

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan error, 1)
	go func() {
		_, err := coord.Request(ctx, "w.bin", testVersion, testBlock, 0, testBlock)
		canceled <- err
	}()
	require.Eventually(t, func() bool { return coord.InFlight() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.True(t, errors.IsCanceled(<-canceled))

	close(release)
	got, err := coord.Request(context.Background(), "w.bin", testVersion, testBlock, 0, testBlock)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(1), store.GetCalls())
	assert.Equal(t, int64(testBlock), c.CachedBytes("w.bin"))
}

func TestCloseCancelsWaiters(t *testing.T) {
	store := memstore.New(0)
	store.Put("w.bin", content(testBlock))
	store.SetGetHook(func(ctx context.Context, key string, offset, length int64) error {
		<-ctx.Done()
		return ctx.Err()
	})
	coord, c := newTestCoordinator(t, store, Config{BlockSize: testBlock})

	result := make(chan error, 1)
	go func() {
		_, err := coord.Request(context.Background(), "w.bin", testVersion, testBlock, 0, testBlock)
		result <- err
	}()
	require.Eventually(t, func() bool { return coord.InFlight() == 1 }, time.Second, time.Millisecond)

	coord.Close()

	select {
	case err := <-result:
		assert.True(t, errors.IsCanceled(err))
	case <-time.After(time.Second):
		t.Fatal("waiter was not released on close")
	}
	assert.Equal(t, int64(0), c.CachedBytes("w.bin"))

	_, err := coord.Request(context.Background(), "w.bin", testVersion, testBlock, 0, testBlock)
	assert.True(t, errors.IsCanceled(err))
}

func TestReadAheadPrefetchesNextWindow(t *testing.T) {
	data := content(16 * testBlock)
	store := memstore.New(0)
	store.Put("w.bin", data)
	coord, c := newTestCoordinator(t, store, Config{BlockSize: testBlock, ReadAheadBlocks: 2, MaxReadAheadJobs: 1})
	ctx := context.Background()

	tracker := NewReadAheadTracker()
	for off := int64(0); off < 2*testBlock; off += testBlock {
		_, err := coord.Request(ctx, "w.bin", testVersion, int64(len(data)), off, testBlock)
		require.NoError(t, err)
		coord.ReadAhead(tracker, "w.bin", testVersion, int64(len(data)), off, testBlock)
	}

	require.Eventually(t, func() bool {
		return c.CachedBytes("w.bin") == 4*testBlock
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.Range{{Offset: 0, Length: 4 * testBlock}}, types.MergeAdjacent(c.CachedRanges("w.bin", testVersion)))
}

func TestReadAheadTracker(t *testing.T) {
	tr := NewReadAheadTracker()

	_, ok := tr.Observe(0, 100, 1000, 10000)
	assert.False(t, ok)

	next, ok := tr.Observe(100, 100, 1000, 10000)
	require.True(t, ok)
	assert.Equal(t, types.Range{Offset: 200, Length: 1000}, next)
	assert.True(t, tr.Sequential())

	// only the part past the previous window is scheduled
	next, ok = tr.Observe(200, 100, 1000, 10000)
	require.True(t, ok)
	assert.Equal(t, types.Range{Offset: 1200, Length: 100}, next)

	// clamped to the object size
	next, ok = tr.Observe(300, 100, 1000, 1250)
	assert.False(t, ok, "got %v", next)

	// a seek resets the pattern
	_, ok = tr.Observe(5000, 100, 1000, 10000)
	assert.False(t, ok)
	assert.False(t, tr.Sequential())
}
