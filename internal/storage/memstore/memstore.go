// Package memstore is an in-memory types.ObjectStore. It backs the tests of every
// layer above the S3 client and can serve a local mount without network access.
package memstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/types"
)

type object struct {
	data     []byte
	modified time.Time
	etag     string
}

// GetHook runs before every GetRange. A non-nil error is returned to the caller. It
// may block, for example until ctx is canceled.
type GetHook func(ctx context.Context, key string, offset, length int64) error

// Store is a concurrency-safe in-memory object store with call counters.
type Store struct {
	mu       sync.RWMutex
	objects  map[string]*object
	pageSize int
	getHook  GetHook
	failures map[string][]error

	heads atomic.Int64
	gets  atomic.Int64
	lists atomic.Int64

	rangesMu sync.Mutex
	ranges   []types.Range
}

var _ types.ObjectStore = (*Store)(nil)

// New creates an empty store. pageSize bounds the entries per List page; zero means
// unlimited.
func New(pageSize int) *Store {
	return &Store{
		objects:  make(map[string]*object),
		pageSize: pageSize,
		failures: make(map[string][]error),
	}
}

// Put stores data under key with the current time as modification time.
func (s *Store) Put(key string, data []byte) {
	s.PutWithTime(key, data, time.Now())
}

// PutWithTime stores data under key. The ETag is the MD5 of the content, as S3 does
// for single-part uploads.
func (s *Store) PutWithTime(key string, data []byte, modified time.Time) {
	sum := md5.Sum(data)
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &object{
		data:     buf,
		modified: modified,
		etag:     `"` + hex.EncodeToString(sum[:]) + `"`,
	}
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
}

// SetGetHook installs hook for subsequent GetRange calls.
func (s *Store) SetGetHook(hook GetHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getHook = hook
}

// FailNext queues err to be returned by the next call of op ("head", "get" or "list").
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

func (s *Store) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	s.failures[op] = queue[1:]
	return queue[0]
}

// HeadCalls, GetCalls and ListCalls count backend calls.
func (s *Store) HeadCalls() int64 { return s.heads.Load() }
func (s *Store) GetCalls() int64  { return s.gets.Load() }
func (s *Store) ListCalls() int64 { return s.lists.Load() }

// Ranges returns the ranges requested through GetRange, in call order.
func (s *Store) Ranges() []types.Range {
	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()
	out := make([]types.Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// ResetCounters zeroes the call counters and the range log.
func (s *Store) ResetCounters() {
	s.heads.Store(0)
	s.gets.Store(0)
	s.lists.Store(0)
	s.rangesMu.Lock()
	s.ranges = nil
	s.rangesMu.Unlock()
}

func notFound(op, key string) error {
	return errors.NewError(errors.ErrCodeObjectNotFound, "object not found").
		WithComponent("memstore").
		WithOperation(op).
		WithContext("key", key)
}

// Head implements types.ObjectStore.
func (s *Store) Head(ctx context.Context, key string) (*types.ObjectInfo, error) {
	s.heads.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, errors.Canceled("memstore", "head", err)
	}
	if err := s.takeFailure("head"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, notFound("head", key)
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		ETag:         obj.etag,
	}, nil
}

// GetRange implements types.ObjectStore.
func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	s.gets.Add(1)
	s.rangesMu.Lock()
	s.ranges = append(s.ranges, types.Range{Offset: offset, Length: length})
	s.rangesMu.Unlock()

	s.mu.RLock()
	hook := s.getHook
	s.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, key, offset, length); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Canceled("memstore", "get_range", err)
	}
	if err := s.takeFailure("get"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, notFound("get_range", key)
	}
	size := int64(len(obj.data))
	if offset >= size || length <= 0 {
		return []byte{}, nil
	}
	end := min(offset+length, size)
	out := make([]byte, end-offset)
	copy(out, obj.data[offset:end])
	return out, nil
}

type listEntry struct {
	name   string
	prefix bool
	info   types.ObjectInfo
}

// List implements types.ObjectStore with "/" as the delimiter.
func (s *Store) List(ctx context.Context, prefix, continuation string) (*types.ListPage, error) {
	s.lists.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, errors.Canceled("memstore", "list", err)
	}
	if err := s.takeFailure("list"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	seen := make(map[string]struct{})
	var entries []listEntry
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			common := prefix + rest[:idx+1]
			if _, ok := seen[common]; !ok {
				seen[common] = struct{}{}
				entries = append(entries, listEntry{name: common, prefix: true})
			}
			continue
		}
		entries = append(entries, listEntry{name: key, info: types.ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
			ETag:         obj.etag,
		}})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	start := 0
	if continuation != "" {
		n, err := strconv.Atoi(continuation)
		if err != nil || n < 0 || n > len(entries) {
			return nil, errors.Newf(errors.ErrCodeInvalidArgument, "bad continuation token %q", continuation).
				WithComponent("memstore").
				WithOperation("list")
		}
		start = n
	}
	end := len(entries)
	if s.pageSize > 0 && start+s.pageSize < end {
		end = start + s.pageSize
	}

	page := &types.ListPage{}
	for _, e := range entries[start:end] {
		if e.prefix {
			page.Prefixes = append(page.Prefixes, e.name)
		} else {
			page.Objects = append(page.Objects, e.info)
		}
	}
	if end < len(entries) {
		page.NextContinuation = strconv.Itoa(end)
	}
	return page, nil
}
