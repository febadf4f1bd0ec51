package cache

import (
	"container/list"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/objectfs/s3fuse/internal/metrics"
	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/types"
	"github.com/objectfs/s3fuse/pkg/utils"
)

const (
	blocksDir = "blocks"
	blockExt  = ".blk"
	lockFile  = ".lock"
)

// Config represents cache manager configuration
type Config struct {
	Directory    string        `yaml:"directory"`
	Capacity     int64         `yaml:"capacity"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// Segment is a run of cached bytes starting at Offset.
type Segment struct {
	Offset int64
	Data   []byte
}

// ReadResult splits a read into the cached segments and the ranges still missing.
// Both are in offset order.
type ReadResult struct {
	Segments []Segment
	Missing  []types.Range
}

// Complete reports whether every requested byte was cached.
func (r *ReadResult) Complete() bool {
	return len(r.Missing) == 0
}

// CopyTo copies the segments into dst, where dst[0] corresponds to offset base.
func (r *ReadResult) CopyTo(dst []byte, base int64) {
	for _, seg := range r.Segments {
		copy(dst[seg.Offset-base:], seg.Data)
	}
}

// Manager is the disk-backed block cache of one mount.
type Manager struct {
	dir      string
	capacity int64
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	lock     *flock.Flock

	// mu guards entries, lru, size, dirty, stats and block lastAccess/elem. When both
	// are needed, an entry's mu is taken before mu.
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front is most recently used
	size    int64
	dirty   bool
	stats   types.CacheStats

	indexMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open locks the cache directory, loads the sidecar index and removes block files the
// index does not reference.
func Open(config Config, logger *zap.Logger, collector *metrics.Collector) (*Manager, error) {
	if config.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cache directory is required").
			WithComponent("cache")
	}
	if config.Capacity <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "cache capacity must be positive, got %d", config.Capacity).
			WithComponent("cache")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir, err := filepath.Abs(config.Directory)
	if err != nil {
		return nil, ioError("open", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, blocksDir), 0750); err != nil {
		return nil, ioError("open", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, ioError("lock", err)
	}
	if !locked {
		return nil, errors.NewError(errors.ErrCodeCacheLocked, "cache directory is in use by another mount").
			WithComponent("cache").
			WithContext("directory", dir)
	}

	m := &Manager{
		dir:      dir,
		capacity: config.Capacity,
		config:   config,
		logger:   logger.Named("cache"),
		metrics:  collector,
		lock:     lock,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		stats:    types.CacheStats{Capacity: config.Capacity},
		stopCh:   make(chan struct{}),
	}

	if err := m.loadIndex(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	m.cleanupOrphans()
	m.reclaim(nil)

	m.logger.Info("Cache opened",
		zap.String("directory", dir),
		zap.String("capacity", utils.FormatBytes(config.Capacity)),
		zap.Int("blocks", m.lru.Len()),
		zap.String("size", utils.FormatBytes(m.size)))
	m.metrics.UpdateCacheSize(m.size)

	if config.SyncInterval > 0 {
		m.wg.Add(1)
		go m.syncLoop(config.SyncInterval)
	}
	return m, nil
}

// Directory returns the absolute cache directory.
func (m *Manager) Directory() string {
	return m.dir
}

// Capacity returns the configured capacity in bytes.
func (m *Manager) Capacity() int64 {
	return m.capacity
}

// Read returns the cached parts of [offset, offset+length) of key at version and the
// ranges that are missing. It never blocks on the network. Blocks recorded for another
// version are not served. A block that fails its checksum or cannot be read is dropped
// and reported as missing.
func (m *Manager) Read(key, version string, offset, length int64) (*ReadResult, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid range offset=%d length=%d", offset, length).
			WithComponent("cache").
			WithOperation("read")
	}

	want := types.Range{Offset: offset, Length: length}
	res := &ReadResult{}
	if want.Empty() {
		return res, nil
	}

	e := m.lookup(key)
	if e == nil {
		res.Missing = []types.Range{want}
		m.recordRead(res)
		return res, nil
	}

	var hits []*block
	var present []types.Range

	e.mu.Lock()
	if e.version != version {
		e.mu.Unlock()
		res.Missing = []types.Range{want}
		m.recordRead(res)
		return res, nil
	}
	for _, b := range e.overlapping(want) {
		part := want.Intersect(b.rng())
		data, err := m.readBlock(b, part)
		if err != nil {
			m.dropCorrupt(e, b, err)
			continue
		}
		res.Segments = append(res.Segments, Segment{Offset: part.Offset, Data: data})
		present = append(present, part)
		hits = append(hits, b)
	}
	e.mu.Unlock()

	res.Missing = want.Subtract(present)
	m.touch(hits)
	m.recordRead(res)
	return res, nil
}

// Store writes data fetched from version of key for [offset, offset+len(data)). Only
// the parts no existing block covers are written, so blocks of a key never overlap.
// Data of a version other than the one recorded for key is dropped. Afterwards least
// recently used blocks are evicted until the cache fits its capacity.
func (m *Manager) Store(key, version string, offset int64, data []byte) error {
	if offset < 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "invalid offset %d", offset).
			WithComponent("cache").
			WithOperation("store")
	}
	if len(data) == 0 {
		return nil
	}
	if m.closed.Load() {
		return errors.Canceled("cache", "store", nil)
	}

	want := types.Range{Offset: offset, Length: int64(len(data))}
	e := m.getOrCreate(key)
	added := make(map[*block]struct{})

	var storeErr error
	e.mu.Lock()
	if !m.acceptVersion(e, version) {
		e.mu.Unlock()
		m.logger.Debug("Dropping bytes of a superseded object version",
			zap.String("key", key),
			zap.String("version", version),
			zap.String("current", e.version),
			zap.Int64("offset", offset))
		return nil
	}
	for _, gap := range want.Subtract(covered(e.overlapping(want))) {
		chunk := data[gap.Offset-offset : gap.End()-offset]
		b, err := m.writeBlock(key, gap.Offset, chunk)
		if err != nil {
			storeErr = err
			break
		}
		e.insert(b)

		m.mu.Lock()
		b.elem = m.lru.PushFront(b)
		m.size += b.length
		m.dirty = true
		m.mu.Unlock()

		added[b] = struct{}{}
	}
	e.mu.Unlock()

	if len(added) > 0 {
		m.reclaim(added)
	}
	return storeErr
}

// Evict removes least recently used blocks until at least bytes have been freed or no
// block is left. It returns the number of bytes freed.
func (m *Manager) Evict(bytes int64) int64 {
	var freed int64
	for freed < bytes {
		m.mu.Lock()
		victim := m.oldest(nil)
		m.mu.Unlock()
		if victim == nil {
			break
		}
		freed += m.evictBlock(victim)
	}
	return freed
}

// EnsureVersion records the object version the cached blocks of key belong to. When a
// different version was recorded, the blocks are discarded and true is returned.
func (m *Manager) EnsureVersion(key, version string) bool {
	e := m.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.version == version {
		return false
	}

	discarded := false
	if e.version != "" && len(e.blocks) > 0 {
		m.logger.Info("Object changed, discarding cached blocks",
			zap.String("key", key),
			zap.String("old_version", e.version),
			zap.String("new_version", version),
			zap.Int("blocks", len(e.blocks)))
		m.dropAll(e)
		discarded = true
	}
	e.version = version

	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
	return discarded
}

// Invalidate discards every cached block of key.
func (m *Manager) Invalidate(key string) {
	e := m.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	m.dropAll(e)
	e.version = ""
	e.mu.Unlock()
}

// CachedBytes returns the number of cached bytes of key.
func (m *Manager) CachedBytes(key string) int64 {
	e := m.lookup(key)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size()
}

// CachedRanges returns the cached ranges of key at version in offset order.
func (m *Manager) CachedRanges(key, version string) []types.Range {
	e := m.lookup(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.version != version {
		return nil
	}
	return covered(e.blocks)
}

// Size returns the total size of all blocks.
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Stats returns cache statistics
func (m *Manager) Stats() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Size = m.size
	stats.Blocks = m.lru.Len()
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.Utilization = float64(m.size) / float64(m.capacity)
	return stats
}

// Sync writes the sidecar index if anything changed since the last write.
func (m *Manager) Sync() error {
	m.mu.Lock()
	dirty := m.dirty
	m.mu.Unlock()
	if !dirty {
		return nil
	}
	return m.saveIndex()
}

// Close stops the sync loop, writes the sidecar index and releases the directory lock.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()

	err := m.saveIndex()
	if unlockErr := m.lock.Unlock(); unlockErr != nil && err == nil {
		err = ioError("unlock", unlockErr)
	}
	m.logger.Info("Cache closed", zap.Int64("size", m.Size()))
	return err
}

func (m *Manager) lookup(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key]
}

// getOrCreate returns the entry of key. Entries are never removed from the map, so a
// pointer stays valid after the lookup.
func (m *Manager) getOrCreate(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{key: key}
		m.entries[key] = e
	}
	return e
}

// acceptVersion reports whether bytes of version may be stored for e. A key without a
// recorded version takes the version of its first store. Callers hold the entry lock.
func (m *Manager) acceptVersion(e *entry, version string) bool {
	if e.version == "" && len(e.blocks) == 0 {
		e.version = version
		return true
	}
	return e.version == version
}

// readBlock reads part of b. Callers hold the entry lock.
func (m *Manager) readBlock(b *block, part types.Range) ([]byte, error) {
	path := filepath.Join(m.dir, b.file)
	start := part.Offset - b.offset

	if !b.verified {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, ioError("read", err)
		}
		if int64(len(data)) != b.length {
			return nil, corruption(b, "block size mismatch").
				WithContext("size", strconv.Itoa(len(data)))
		}
		if checksum(data) != b.checksum {
			return nil, corruption(b, "block checksum mismatch")
		}
		b.verified = true
		return data[start : start+part.Length], nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("read", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, part.Length)
	n, err := f.ReadAt(buf, start)
	if int64(n) < part.Length {
		if err == nil || err == io.EOF {
			return nil, corruption(b, "block file truncated")
		}
		return nil, ioError("read", err)
	}
	return buf, nil
}

// writeBlock writes chunk to a new block file through a temporary file so that a
// partially written block never has its final name.
func (m *Manager) writeBlock(key string, offset int64, chunk []byte) (*block, error) {
	rel := blockFile(key, offset)
	path := filepath.Join(m.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, ioError("store", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, ioError("store", err)
	}
	if _, err := tmp.Write(chunk); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, ioError("store", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, ioError("store", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, ioError("store", err)
	}

	return &block{
		key:        key,
		offset:     offset,
		length:     int64(len(chunk)),
		file:       rel,
		checksum:   checksum(chunk),
		lastAccess: time.Now(),
		verified:   true,
	}, nil
}

// unlink removes b from the LRU list and deletes its file. Callers hold the entry lock
// and have already removed b from the entry.
func (m *Manager) unlink(b *block) {
	m.mu.Lock()
	if b.elem != nil {
		m.lru.Remove(b.elem)
		b.elem = nil
	}
	m.size -= b.length
	m.dirty = true
	m.mu.Unlock()

	if err := os.Remove(filepath.Join(m.dir, b.file)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove block file", zap.String("file", b.file), zap.Error(err))
	}
}

func (m *Manager) dropAll(e *entry) {
	for _, b := range e.blocks {
		m.unlink(b)
	}
	e.blocks = nil
	m.metrics.UpdateCacheSize(m.Size())
}

func (m *Manager) dropCorrupt(e *entry, b *block, cause error) {
	m.logger.Warn("Discarding unreadable cache block",
		zap.String("key", b.key),
		zap.Int64("offset", b.offset),
		zap.Int64("length", b.length),
		zap.Error(cause))
	if e.remove(b) {
		m.unlink(b)
		m.mu.Lock()
		m.stats.Corruptions++
		m.mu.Unlock()
	}
}

func (m *Manager) touch(blocks []*block) {
	if len(blocks) == 0 {
		return
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range blocks {
		if b.elem != nil {
			m.lru.MoveToFront(b.elem)
			b.lastAccess = now
		}
	}
}

// oldest returns the least recently used block not in keep. Callers hold m.mu.
func (m *Manager) oldest(keep map[*block]struct{}) *block {
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		b := elem.Value.(*block)
		if _, kept := keep[b]; !kept {
			return b
		}
	}
	return nil
}

// reclaim evicts blocks until the cache fits its capacity. Blocks in keep are skipped;
// when only those remain the cache stays over capacity.
func (m *Manager) reclaim(keep map[*block]struct{}) {
	evicted := 0
	for {
		m.mu.Lock()
		over := m.size - m.capacity
		var victim *block
		if over > 0 {
			victim = m.oldest(keep)
		}
		size := m.size
		m.mu.Unlock()

		if over <= 0 {
			break
		}
		if victim == nil {
			m.logger.Warn("Cache over capacity with nothing left to evict",
				zap.String("size", utils.FormatBytes(size)),
				zap.String("capacity", utils.FormatBytes(m.capacity)))
			break
		}
		if m.evictBlock(victim) > 0 {
			evicted++
		}
	}

	if evicted > 0 {
		m.logger.Debug("Evicted cache blocks", zap.Int("blocks", evicted))
	}
	m.metrics.UpdateCacheSize(m.Size())
}

// evictBlock removes b and returns its length, or 0 if it was already gone.
func (m *Manager) evictBlock(b *block) int64 {
	e := m.lookup(b.key)
	if e == nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remove(b) {
		return 0
	}
	m.unlink(b)

	m.mu.Lock()
	m.stats.Evictions++
	m.mu.Unlock()
	m.metrics.RecordEvictions(1)
	return b.length
}

func (m *Manager) recordRead(res *ReadResult) {
	m.mu.Lock()
	switch {
	case len(res.Missing) == 0:
		m.stats.Hits++
	default:
		m.stats.Misses++
	}
	m.mu.Unlock()

	switch {
	case len(res.Missing) == 0:
		m.metrics.RecordCacheHit()
	case len(res.Segments) == 0:
		m.metrics.RecordCacheMiss()
	default:
		m.metrics.RecordCachePartial()
	}
}

func (m *Manager) syncLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Sync(); err != nil {
				m.logger.Warn("Failed to sync cache index", zap.Error(err))
			}
		}
	}
}

func corruption(b *block, msg string) *errors.ObjectFSError {
	return errors.NewError(errors.ErrCodeCacheCorruption, msg).
		WithComponent("cache").
		WithOperation("read").
		WithContext("key", b.key).
		WithContext("offset", strconv.FormatInt(b.offset, 10)).
		WithContext("length", strconv.FormatInt(b.length, 10))
}

func ioError(op string, err error) error {
	return errors.NewError(errors.ErrCodeCacheIO, "cache I/O failed").
		WithComponent("cache").
		WithOperation(op).
		WithCause(err)
}
