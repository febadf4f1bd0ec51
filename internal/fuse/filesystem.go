package fuse

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/s3fuse/internal/cache"
	"github.com/objectfs/s3fuse/internal/fetch"
	"github.com/objectfs/s3fuse/internal/logging"
	"github.com/objectfs/s3fuse/internal/metrics"
	"github.com/objectfs/s3fuse/internal/namespace"
	"github.com/objectfs/s3fuse/internal/session"
	"github.com/objectfs/s3fuse/pkg/errors"
)

const (
	// attrBlockSize is the unit of st_blocks.
	attrBlockSize = 512

	// statBlockSize is the block size reported by statfs and st_blksize.
	statBlockSize = 4096
)

// Extended attributes exposed on files.
const (
	XattrKey         = "user.s3fuse.key"
	XattrETag        = "user.s3fuse.etag"
	XattrCachedBytes = "user.s3fuse.cached_bytes"
)

// Attr is the platform independent form of a node's attributes.
type Attr struct {
	Ino     uint64
	Dir     bool
	Size    uint64
	Blocks  uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Mtime   time.Time
	Blksize uint32
}

// StatFS describes the capacity of the mount, which is the capacity of its cache.
type StatFS struct {
	BlockSize uint32
	Blocks    uint64
	Free      uint64
	Files     uint64
	NameLen   uint32
}

// OpenResult is returned by Open.
type OpenResult struct {
	Handle *Handle

	// DirectIO asks the kernel to bypass its page cache for this handle.
	DirectIO bool

	// KeepCache tells the kernel that pages cached from an earlier open are still valid.
	KeepCache bool
}

// Stats tracks filesystem operation counts.
type Stats struct {
	Lookups   int64 `json:"lookups"`
	Opens     int64 `json:"opens"`
	Reads     int64 `json:"reads"`
	BytesRead int64 `json:"bytes_read"`
	Errors    int64 `json:"errors"`
}

type counters struct {
	lookups   atomic.Int64
	opens     atomic.Int64
	reads     atomic.Int64
	bytesRead atomic.Int64
	errors    atomic.Int64
}

// FileSystem implements the read-only operations of the mount on top of the namespace
// index, the block cache and the fetch coordinator. It knows nothing about the kernel
// protocol; the go-fuse nodes and the cgofuse host both call into it.
type FileSystem struct {
	session *session.Session
	index   *namespace.Index
	cache   *cache.Manager
	fetcher *fetch.Coordinator
	logger  *zap.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	handles    map[uint64]*Handle
	nextHandle uint64
	// opened records the object version seen by the last open of each inode.
	opened map[uint64]string

	stats counters
}

// NewFileSystem creates a filesystem over the given components.
func NewFileSystem(sess *session.Session, index *namespace.Index, c *cache.Manager, fetcher *fetch.Coordinator,
	logger *zap.Logger, collector *metrics.Collector) *FileSystem {
	return &FileSystem{
		session:    sess,
		index:      index,
		cache:      c,
		fetcher:    fetcher,
		logger:     logging.OrNop(logger).Named("fuse"),
		metrics:    collector,
		handles:    make(map[uint64]*Handle),
		nextHandle: 1,
		opened:     make(map[uint64]string),
	}
}

// Session returns the mount session.
func (f *FileSystem) Session() *session.Session {
	return f.session
}

// Lookup resolves name in directory parentID. The caller needs execute permission on
// the parent.
func (f *FileSystem) Lookup(ctx context.Context, caller Caller, parentID uint64, name string) (attr Attr, err error) {
	start := time.Now()
	f.stats.lookups.Add(1)
	defer func() { f.record("lookup", start, 0, err) }()

	if len(name) > namespace.MaxNameLength {
		return Attr{}, errors.Newf(errors.ErrCodeNameTooLong, "name is %d bytes long", len(name)).
			WithComponent("fuse").
			WithOperation("lookup")
	}
	if parent, ok := f.index.Get(parentID); ok && parent.IsDir() {
		if !f.allowed(dirMode, caller, accessExecute) {
			return Attr{}, accessDenied("lookup", parent.Path)
		}
	}

	child, err := f.index.Lookup(ctx, parentID, name)
	if err != nil {
		return Attr{}, err
	}
	return f.attr(child), nil
}

// GetAttr returns the attributes of id. File attributes older than the attribute TTL
// are refreshed from the object store first.
func (f *FileSystem) GetAttr(ctx context.Context, id uint64) (attr Attr, err error) {
	start := time.Now()
	defer func() { f.record("getattr", start, 0, err) }()

	inode, err := f.index.GetAttr(ctx, id)
	if err != nil {
		return Attr{}, err
	}
	return f.attr(inode), nil
}

// Open opens file id for reading. Write access is refused. The object's current
// version is fetched, and cached blocks of an older version are discarded before the
// handle is returned.
func (f *FileSystem) Open(ctx context.Context, caller Caller, id uint64, flags uint32) (res *OpenResult, err error) {
	start := time.Now()
	f.stats.opens.Add(1)
	defer func() { f.record("open", start, 0, err) }()

	mask, err := openAccess(flags)
	if err != nil {
		return nil, err
	}
	inode, ok := f.index.Get(id)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeObjectNotFound, "unknown inode").
			WithComponent("fuse").
			WithOperation("open").
			WithContext("inode", strconv.FormatUint(id, 10))
	}
	if inode.IsDir() {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "is a directory").
			WithComponent("fuse").
			WithOperation("open").
			WithContext("path", "/"+inode.Path)
	}
	if !f.allowed(fileMode, caller, mask) {
		return nil, accessDenied("open", inode.Path)
	}

	inode, _, err = f.index.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}
	version := inode.Version()
	if f.cache.EnsureVersion(inode.Key, version) {
		f.logger.Info("Discarded cached blocks of changed object",
			zap.String("key", inode.Key),
			zap.String("version", version))
	}

	direct := f.session.DirectIO()

	f.mu.Lock()
	keep := !direct && f.opened[id] == version
	f.opened[id] = version
	h := &Handle{
		ID:      f.nextHandle,
		inodeID: id,
		key:     inode.Key,
		version: version,
		tracker: fetch.NewReadAheadTracker(),
	}
	f.nextHandle++
	f.handles[h.ID] = h
	f.mu.Unlock()

	f.logger.Debug("Opened file",
		zap.String("path", inode.Path),
		zap.Uint64("handle", h.ID),
		zap.Bool("direct_io", direct),
		zap.Bool("keep_cache", keep))

	return &OpenResult{Handle: h, DirectIO: direct, KeepCache: keep}, nil
}

// Read returns up to length bytes at offset through handle h. The result is short
// only at the end of the object.
func (f *FileSystem) Read(ctx context.Context, h *Handle, offset int64, length int) (data []byte, err error) {
	start := time.Now()
	f.stats.reads.Add(1)
	defer func() { f.record("read", start, int64(len(data)), err) }()

	if err := h.begin(); err != nil {
		return nil, err
	}

	inode, err := f.index.GetAttr(ctx, h.inodeID)
	if err != nil {
		return nil, err
	}
	version := inode.Version()
	if h.swapVersion(version) {
		// The object changed while the handle was open.
		f.cache.EnsureVersion(inode.Key, version)
	}

	data, err = f.fetcher.Request(ctx, inode.Key, version, inode.Size, offset, int64(length))
	if err != nil {
		return nil, err
	}
	f.stats.bytesRead.Add(int64(len(data)))
	f.fetcher.ReadAhead(h.tracker, inode.Key, version, inode.Size, offset, int64(len(data)))
	return data, nil
}

// Release closes handle h. Cached blocks are not affected.
func (f *FileSystem) Release(h *Handle) {
	h.release()
	f.mu.Lock()
	delete(f.handles, h.ID)
	f.mu.Unlock()
}

// Handle returns the open handle with the given id.
func (f *FileSystem) Handle(id uint64) (*Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[id]
	return h, ok
}

// OpenHandles returns the number of handles not yet released.
func (f *FileSystem) OpenHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// OpenDir checks that id is a directory the caller may list.
func (f *FileSystem) OpenDir(ctx context.Context, caller Caller, id uint64) error {
	inode, ok := f.index.Get(id)
	if !ok {
		return errors.NewError(errors.ErrCodeObjectNotFound, "unknown inode").
			WithComponent("fuse").
			WithOperation("opendir").
			WithContext("inode", strconv.FormatUint(id, 10))
	}
	if !inode.IsDir() {
		return errors.NewError(errors.ErrCodeNotDirectory, "not a directory").
			WithComponent("fuse").
			WithOperation("opendir").
			WithContext("path", "/"+inode.Path)
	}
	if !f.allowed(dirMode, caller, accessRead) {
		return accessDenied("opendir", inode.Path)
	}
	return nil
}

// ReadDir lists directory id.
func (f *FileSystem) ReadDir(ctx context.Context, id uint64) (entries []namespace.Entry, err error) {
	start := time.Now()
	defer func() { f.record("readdir", start, 0, err) }()

	return f.index.ReadDir(ctx, id)
}

// StatFS reports the cache capacity and usage.
func (f *FileSystem) StatFS() StatFS {
	stats := f.cache.Stats()
	blocks := uint64(max(stats.Capacity, 0)) / statBlockSize
	used := (uint64(max(stats.Size, 0)) + statBlockSize - 1) / statBlockSize
	return StatFS{
		BlockSize: statBlockSize,
		Blocks:    blocks,
		Free:      blocks - min(used, blocks),
		Files:     uint64(f.index.Len()),
		NameLen:   namespace.MaxNameLength,
	}
}

// Listxattr returns the extended attribute names of id.
func (f *FileSystem) Listxattr(id uint64) ([]string, error) {
	inode, ok := f.index.Get(id)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeObjectNotFound, "unknown inode").
			WithComponent("fuse").
			WithOperation("listxattr")
	}
	if inode.IsDir() {
		return nil, nil
	}
	names := []string{XattrKey}
	if inode.ETag != "" {
		names = append(names, XattrETag)
	}
	return append(names, XattrCachedBytes), nil
}

// Getxattr returns the value of extended attribute name on id.
func (f *FileSystem) Getxattr(id uint64, name string) ([]byte, error) {
	inode, ok := f.index.Get(id)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeObjectNotFound, "unknown inode").
			WithComponent("fuse").
			WithOperation("getxattr")
	}
	if !inode.IsDir() {
		switch name {
		case XattrKey:
			return []byte(inode.Key), nil
		case XattrETag:
			if inode.ETag != "" {
				return []byte(inode.ETag), nil
			}
		case XattrCachedBytes:
			return []byte(strconv.FormatInt(f.cache.CachedBytes(inode.Key), 10)), nil
		}
	}
	return nil, errors.NewError(errors.ErrCodeNoAttribute, "no such attribute").
		WithComponent("fuse").
		WithOperation("getxattr").
		WithContext("name", name)
}

// GetStats returns a snapshot of the operation counters.
func (f *FileSystem) GetStats() Stats {
	return Stats{
		Lookups:   f.stats.lookups.Load(),
		Opens:     f.stats.opens.Load(),
		Reads:     f.stats.reads.Load(),
		BytesRead: f.stats.bytesRead.Load(),
		Errors:    f.stats.errors.Load(),
	}
}

func (f *FileSystem) allowed(mode uint32, caller Caller, mask uint32) bool {
	return checkAccess(f.session.UID(), f.session.GID(), mode, caller, mask)
}

func (f *FileSystem) attr(inode namespace.Inode) Attr {
	a := Attr{
		Ino:     inode.ID,
		Dir:     inode.IsDir(),
		UID:     f.session.UID(),
		GID:     f.session.GID(),
		Mtime:   inode.LastModified,
		Blksize: statBlockSize,
	}
	if a.Dir {
		a.Mode = syscall.S_IFDIR | dirMode
		a.Nlink = 2
		return a
	}
	a.Mode = syscall.S_IFREG | fileMode
	a.Nlink = 1
	a.Size = uint64(max(inode.Size, 0))
	a.Blocks = (a.Size + attrBlockSize - 1) / attrBlockSize
	return a
}

func (f *FileSystem) record(op string, start time.Time, size int64, err error) {
	f.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	if err == nil || errors.IsNotFound(err) {
		return
	}
	f.stats.errors.Add(1)
	f.metrics.RecordError(op, err)
	if toErrno(err) == syscall.EIO {
		f.logger.Warn("Operation failed", zap.String("operation", op), zap.Error(err))
		return
	}
	f.logger.Debug("Operation failed", zap.String("operation", op), zap.Error(err))
}

// Resolve walks path from the root, checking the caller's execute permission on every
// directory on the way. It serves path based hosts.
func (f *FileSystem) Resolve(ctx context.Context, caller Caller, path string) (uint64, error) {
	id := session.RootID
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		attr, err := f.Lookup(ctx, caller, id, name)
		if err != nil {
			return 0, err
		}
		id = attr.Ino
	}
	return id, nil
}
