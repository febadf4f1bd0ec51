// Package fetch coordinates backend range fetches so that concurrent readers of the
// same bytes share a single request.
//
// A Request first consults the cache. Every missing sub-range is expanded to block
// boundaries and either joined to an in-flight task of the same object version whose
// range overlaps it, or assigned to a new task. Adjacent missing ranges become one task and so one backend
// call. Tasks run on the coordinator's lifetime, not the caller's: a reader that gives
// up does not abort a fetch others are waiting on, while Close cancels everything.
package fetch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/objectfs/s3fuse/internal/cache"
	"github.com/objectfs/s3fuse/internal/metrics"
	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/types"
)

// Config configures a Coordinator.
type Config struct {
	// BlockSize is the fetch and cache block granularity.
	BlockSize int64 `yaml:"block_size"`

	// ReadAheadBlocks is the read-ahead window in blocks. Zero disables read-ahead.
	ReadAheadBlocks int `yaml:"read_ahead_blocks"`

	// MaxReadAheadJobs bounds concurrent read-ahead fetches.
	MaxReadAheadJobs int `yaml:"max_read_ahead_jobs"`
}

// DefaultConfig returns the default fetch configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize:        4 << 20,
		ReadAheadBlocks:  4,
		MaxReadAheadJobs: 4,
	}
}

// maxAttempts bounds how often a request plans fetches for bytes that were evicted
// again before it could read them.
const maxAttempts = 3

// objectKey names one version of an object.
type objectKey struct {
	key     string
	version string
}

// task is one in-flight backend fetch.
type task struct {
	object objectKey
	rng    types.Range
	done   chan struct{}

	// data and err are set before done is closed.
	data []byte
	err  error

	waiters int
}

// Coordinator deduplicates backend fetches per object version.
type Coordinator struct {
	store   types.ObjectStore
	cache   *cache.Manager
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards tasks and closed. It is never held across a backend call.
	mu     sync.Mutex
	tasks  map[objectKey][]*task
	closed bool

	readAhead *semaphore.Weighted
}

// NewCoordinator creates a coordinator that fetches from store into c.
func NewCoordinator(store types.ObjectStore, c *cache.Manager, config Config, logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	defaults := DefaultConfig()
	if config.BlockSize <= 0 {
		config.BlockSize = defaults.BlockSize
	}
	if config.ReadAheadBlocks < 0 {
		config.ReadAheadBlocks = 0
	}
	if config.MaxReadAheadJobs <= 0 {
		config.MaxReadAheadJobs = defaults.MaxReadAheadJobs
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     store,
		cache:     c,
		config:    config,
		logger:    logger.Named("fetch"),
		metrics:   collector,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[objectKey][]*task),
		readAhead: semaphore.NewWeighted(int64(config.MaxReadAheadJobs)),
	}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// Request returns the bytes [offset, offset+length) of version of key, clamped to
// size. Cached bytes are served from disk; missing bytes are fetched once no matter
// how many callers ask for them concurrently. The result is shorter than requested
// only at the end of the object.
func (c *Coordinator) Request(ctx context.Context, key, version string, size, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid range offset=%d length=%d", offset, length).
			WithComponent("fetch").
			WithOperation("request")
	}
	if c.isClosed() {
		return nil, errors.Canceled("fetch", "request", context.Canceled)
	}

	want := types.Range{Offset: offset, Length: length}.Intersect(types.Range{Offset: 0, Length: size})
	if want.Empty() {
		return []byte{}, nil
	}

	object := objectKey{key: key, version: version}
	res, err := c.cache.Read(key, version, want.Offset, want.Length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, want.Length)
	res.CopyTo(buf, want.Offset)
	if res.Complete() {
		return buf, nil
	}

	filled := covered(res.Segments)
	missing := res.Missing
	end := want.End()

	for attempt := 0; len(missing) > 0; attempt++ {
		if attempt == maxAttempts {
			return nil, errors.Newf(errors.ErrCodeInternalError, "range %s of %q not available after %d fetches", want, key, attempt).
				WithComponent("fetch").
				WithOperation("request")
		}

		tasks := c.acquire(object, size, missing)
		for _, t := range tasks {
			if err := c.wait(ctx, t); err != nil {
				c.release(tasks)
				return nil, err
			}
			got := types.Range{Offset: t.rng.Offset, Length: int64(len(t.data))}
			if got.Length < t.rng.Length {
				// the object ended early
				end = min(end, got.End())
			}
			part := want.Intersect(got)
			if part.Empty() {
				continue
			}
			copy(buf[part.Offset-want.Offset:], t.data[part.Offset-t.rng.Offset:part.End()-t.rng.Offset])
			filled = append(filled, part)
		}
		c.release(tasks)

		limit := types.Range{Offset: want.Offset, Length: max(end-want.Offset, 0)}
		missing = limit.Subtract(types.MergeAdjacent(filled))

		// Parts that were already cached when the tasks were planned.
		for _, gap := range missing {
			r, err := c.cache.Read(key, version, gap.Offset, gap.Length)
			if err != nil {
				return nil, err
			}
			r.CopyTo(buf, want.Offset)
			filled = append(filled, covered(r.Segments)...)
		}
		missing = limit.Subtract(types.MergeAdjacent(filled))
	}

	return buf[:max(end-want.Offset, 0)], nil
}

// acquire returns the tasks covering missing, joining overlapping in-flight tasks and
// starting new ones for the parts neither in flight nor cached. Every returned task
// counts the caller as a waiter.
func (c *Coordinator) acquire(object objectKey, size int64, missing []types.Range) []*task {
	spans := make([]types.Range, 0, len(missing))
	for _, gap := range missing {
		spans = append(spans, types.AlignRange(gap, c.config.BlockSize, size))
	}
	spans = types.MergeAdjacent(spans)

	c.mu.Lock()
	defer c.mu.Unlock()

	inflight := c.tasks[object]
	var out []*task
	var started []*task
	joined := make(map[*task]bool)

	for _, span := range spans {
		var busy []types.Range
		for _, t := range inflight {
			if !t.rng.Overlaps(span) {
				continue
			}
			if !joined[t] {
				joined[t] = true
				t.waiters++
				out = append(out, t)
				c.metrics.RecordFetchJoined()
			}
			busy = append(busy, t.rng)
		}
		// A task that finished since the caller read the cache has stored its bytes
		// before leaving the registry, so they show up here instead.
		busy = append(busy, c.cache.CachedRanges(object.key, object.version)...)

		for _, free := range span.Subtract(types.MergeAdjacent(busy)) {
			t := &task{object: object, rng: free, done: make(chan struct{}), waiters: 1}
			inflight = append(inflight, t)
			started = append(started, t)
			out = append(out, t)
		}
	}
	if len(inflight) > 0 {
		c.tasks[object] = inflight
	}

	for _, t := range started {
		c.start(t)
	}
	return out
}

func (c *Coordinator) release(tasks []*task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		t.waiters--
	}
}

// start runs t in the background. Callers hold c.mu.
func (c *Coordinator) start(t *task) {
	if c.closed {
		t.err = errors.Canceled("fetch", "fetch", context.Canceled)
		c.removeLocked(t)
		close(t.done)
		return
	}
	c.wg.Add(1)
	c.metrics.FetchStarted()
	go c.run(t)
}

func (c *Coordinator) run(t *task) {
	defer c.wg.Done()
	defer c.metrics.FetchFinished()

	start := time.Now()
	data, err := c.store.GetRange(c.ctx, t.object.key, t.rng.Offset, t.rng.Length)
	if err == nil && c.ctx.Err() != nil {
		data, err = nil, c.ctx.Err()
	}
	if err != nil && c.ctx.Err() != nil {
		err = errors.Canceled("fetch", "fetch", c.ctx.Err())
	}

	if err == nil {
		c.persist(t, data)
	}
	c.metrics.RecordOperation("fetch", time.Since(start), int64(len(data)), err == nil)

	if err != nil {
		if errors.IsCanceled(err) {
			c.logger.Debug("Fetch canceled", zap.String("key", t.object.key), zap.Stringer("range", t.rng))
		} else {
			c.logger.Warn("Fetch failed", zap.String("key", t.object.key), zap.Stringer("range", t.rng), zap.Error(err))
		}
	} else {
		c.logger.Debug("Fetched range",
			zap.String("key", t.object.key),
			zap.Stringer("range", t.rng),
			zap.Int("bytes", len(data)),
			zap.Duration("duration", time.Since(start)))
	}

	c.mu.Lock()
	t.data, t.err = data, err
	c.removeLocked(t)
	close(t.done)
	c.mu.Unlock()
}

// persist writes the fetched bytes one block at a time so that eviction works at
// block granularity. A failed write only loses the cached copy. The cache drops the
// bytes when the object changed after the fetch started.
func (c *Coordinator) persist(t *task, data []byte) {
	for off := int64(0); off < int64(len(data)); off += c.config.BlockSize {
		end := min(off+c.config.BlockSize, int64(len(data)))
		if err := c.cache.Store(t.object.key, t.object.version, t.rng.Offset+off, data[off:end]); err != nil {
			c.logger.Warn("Failed to cache fetched block",
				zap.String("key", t.object.key),
				zap.Int64("offset", t.rng.Offset+off),
				zap.Error(err))
			return
		}
	}
}

// removeLocked drops t from the registry. Callers hold c.mu.
func (c *Coordinator) removeLocked(t *task) {
	list := c.tasks[t.object]
	for i, candidate := range list {
		if candidate == t {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.tasks, t.object)
	} else {
		c.tasks[t.object] = list
	}
}

func (c *Coordinator) wait(ctx context.Context, t *task) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return errors.Canceled("fetch", "wait", ctx.Err())
	case <-c.ctx.Done():
		return errors.Canceled("fetch", "wait", c.ctx.Err())
	}
}

// Prefetch fetches [offset, offset+length) of version of key in the background if a
// read-ahead slot is free. Failures are logged and otherwise ignored.
func (c *Coordinator) Prefetch(key, version string, size, offset, length int64) bool {
	if !c.readAhead.TryAcquire(1) {
		c.metrics.RecordReadAhead("skipped")
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.readAhead.Release(1)
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.readAhead.Release(1)

		if _, err := c.Request(c.ctx, key, version, size, offset, length); err != nil {
			if !errors.IsCanceled(err) {
				c.logger.Debug("Read-ahead failed", zap.String("key", key), zap.Int64("offset", offset), zap.Error(err))
			}
			c.metrics.RecordReadAhead("failed")
			return
		}
		c.metrics.RecordReadAhead("completed")
	}()
	return true
}

// ReadAhead records a read on tracker and prefetches the next window when the handle
// reads sequentially.
func (c *Coordinator) ReadAhead(tracker *ReadAheadTracker, key, version string, size, offset, length int64) {
	window := int64(c.config.ReadAheadBlocks) * c.config.BlockSize
	if tracker == nil || window <= 0 {
		return
	}
	if next, ok := tracker.Observe(offset, length, window, size); ok {
		c.Prefetch(key, version, size, next.Offset, next.Length)
	}
}

// InFlight returns the number of running fetch tasks.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.tasks {
		n += len(list)
	}
	return n
}

// Close cancels all fetches. Waiters are released with a cancellation error and no
// bytes of a canceled fetch reach the cache. Close waits for background work to stop.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := 0
	for _, list := range c.tasks {
		pending += len(list)
	}
	c.mu.Unlock()

	if pending > 0 {
		c.logger.Info("Canceling in-flight fetches", zap.Int("tasks", pending))
	}
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func covered(segments []cache.Segment) []types.Range {
	out := make([]types.Range, 0, len(segments))
	for _, seg := range segments {
		out = append(out, types.Range{Offset: seg.Offset, Length: int64(len(seg.Data))})
	}
	return out
}
