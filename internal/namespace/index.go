// Package namespace maps the virtual directory tree of a mount onto bucket objects.
//
// Directories are materialized lazily: the first lookup or readdir below a directory
// lists its prefix with a "/" delimiter and records every child. Inode ids are assigned
// on first sight and never reused, so an object key (or directory prefix) keeps the
// same id for the whole session.
package namespace

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/types"
)

const (
	// RootID is the inode id of the mount root.
	RootID uint64 = 1

	// MaxNameLength is the longest path component accepted by Lookup.
	MaxNameLength = 255
)

// Config configures an Index.
type Config struct {
	// AttrTTL is how long listings and file attributes are trusted before they are
	// fetched again.
	AttrTTL time.Duration

	// MaxCachedDirs bounds the number of materialized directory listings kept in
	// memory. Evicted directories are listed again on next use; their inodes remain.
	MaxCachedDirs int

	Logger *zap.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Index is the namespace of one mount.
type Index struct {
	store  types.ObjectStore
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	// mu guards the inode tables. It is never held across a backend call.
	mu     sync.RWMutex
	inodes map[uint64]*Inode
	byKey  map[string]uint64 // file object key -> id
	byDir  map[string]uint64 // directory prefix -> id
	nextID atomic.Uint64

	listings *lru.Cache[uint64, *listing]
	flights  singleflight.Group
}

// New creates an index whose root is the whole bucket.
func New(store types.ObjectStore, cfg Config) (*Index, error) {
	if cfg.MaxCachedDirs <= 0 {
		cfg.MaxCachedDirs = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	listings, err := lru.New[uint64, *listing](cfg.MaxCachedDirs)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		store:    store,
		ttl:      cfg.AttrTTL,
		now:      cfg.Clock,
		logger:   cfg.Logger.Named("namespace"),
		inodes:   make(map[uint64]*Inode),
		byKey:    make(map[string]uint64),
		byDir:    make(map[string]uint64),
		listings: listings,
	}

	now := idx.now()
	idx.inodes[RootID] = &Inode{
		ID:            RootID,
		Parent:        RootID,
		Kind:          KindDirectory,
		LastModified:  now,
		AttrFetchedAt: now,
	}
	idx.byDir[""] = RootID
	idx.nextID.Store(RootID)

	return idx, nil
}

// Root returns the root inode.
func (x *Index) Root() Inode {
	inode, _ := x.Get(RootID)
	return inode
}

// Get returns the inode with id without contacting the backend.
func (x *Index) Get(id uint64) (Inode, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	inode, ok := x.inodes[id]
	if !ok {
		return Inode{}, false
	}
	return *inode, true
}

// Len returns the number of inodes created so far.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.inodes)
}

// CachedDirs returns the number of materialized directories.
func (x *Index) CachedDirs() int {
	return x.listings.Len()
}

// Lookup resolves name inside the directory parentID.
func (x *Index) Lookup(ctx context.Context, parentID uint64, name string) (Inode, error) {
	if len(name) > MaxNameLength {
		return Inode{}, errors.NewError(errors.ErrCodeNameTooLong, "name too long").
			WithComponent("namespace").
			WithOperation("lookup").
			WithContext("name", name[:min(len(name), 32)]+"...")
	}

	parent, err := x.directory(parentID, "lookup")
	if err != nil {
		return Inode{}, err
	}

	switch name {
	case ".":
		return parent, nil
	case "..":
		inode, _ := x.Get(parent.Parent)
		return inode, nil
	}

	l, err := x.materialize(ctx, parent)
	if err != nil {
		return Inode{}, err
	}

	entry, ok := l.find(name)
	if !ok {
		return Inode{}, errors.NewError(errors.ErrCodeObjectNotFound, "no such entry").
			WithComponent("namespace").
			WithOperation("lookup").
			WithContext("parent", parent.Path).
			WithContext("name", name)
	}

	inode, ok := x.Get(entry.ID)
	if !ok {
		return Inode{}, errors.Newf(errors.ErrCodeInternalError, "listing references unknown inode %d", entry.ID).
			WithComponent("namespace")
	}
	return inode, nil
}

// Resolve walks path from the root. Both "" and "/" name the root.
func (x *Index) Resolve(ctx context.Context, path string) (Inode, error) {
	current := x.Root()
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, err := x.Lookup(ctx, current.ID, part)
		if err != nil {
			return Inode{}, err
		}
		current = next
	}
	return current, nil
}

// ReadDir returns the entries of directory id sorted by name.
func (x *Index) ReadDir(ctx context.Context, id uint64) ([]Entry, error) {
	dir, err := x.directory(id, "readdir")
	if err != nil {
		return nil, err
	}

	l, err := x.materialize(ctx, dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	return entries, nil
}

// GetAttr returns the attributes of id, refreshing a file's attributes with a head
// request once they are older than the configured TTL.
func (x *Index) GetAttr(ctx context.Context, id uint64) (Inode, error) {
	inode, ok := x.Get(id)
	if !ok {
		return Inode{}, unknownInode(id, "getattr")
	}
	if inode.IsDir() || x.fresh(inode.AttrFetchedAt) {
		return inode, nil
	}

	refreshed, _, err := x.Refresh(ctx, id)
	return refreshed, err
}

// Refresh fetches the current attributes of file id and reports whether the object
// version changed. Directories are returned unchanged.
func (x *Index) Refresh(ctx context.Context, id uint64) (Inode, bool, error) {
	inode, ok := x.Get(id)
	if !ok {
		return Inode{}, false, unknownInode(id, "refresh")
	}
	if inode.IsDir() {
		return inode, false, nil
	}

	v, _, err := x.share(ctx, "head:"+inode.Key, "refresh", func(ctx context.Context) (interface{}, error) {
		return x.store.Head(ctx, inode.Key)
	})
	if err != nil {
		return Inode{}, false, err
	}
	info := v.(*types.ObjectInfo)

	x.mu.Lock()
	current := x.inodes[id]
	before := current.Version()
	x.applyInfo(current, info)
	updated := *current
	x.mu.Unlock()

	changed := before != updated.Version()
	if changed {
		x.logger.Debug("Object changed",
			zap.String("key", inode.Key),
			zap.String("old_version", before),
			zap.String("new_version", updated.Version()))
	}
	return updated, changed, nil
}

// Invalidate drops the listing of directory id, or marks a file's attributes stale.
func (x *Index) Invalidate(id uint64) {
	x.listings.Remove(id)
	x.mu.Lock()
	if inode, ok := x.inodes[id]; ok && !inode.IsDir() {
		inode.AttrFetchedAt = time.Time{}
	}
	x.mu.Unlock()
}

func (x *Index) fresh(at time.Time) bool {
	return !at.IsZero() && x.now().Sub(at) < x.ttl
}

func (x *Index) directory(id uint64, op string) (Inode, error) {
	inode, ok := x.Get(id)
	if !ok {
		return Inode{}, unknownInode(id, op)
	}
	if !inode.IsDir() {
		return Inode{}, errors.NewError(errors.ErrCodeNotDirectory, "not a directory").
			WithComponent("namespace").
			WithOperation(op).
			WithContext("path", inode.Path)
	}
	return inode, nil
}

// materialize returns the listing of dir, listing its prefix when the cached listing
// is missing or older than the TTL. Concurrent callers share one listing.
func (x *Index) materialize(ctx context.Context, dir Inode) (*listing, error) {
	if l, ok := x.listings.Get(dir.ID); ok && x.fresh(l.fetchedAt) {
		return l, nil
	}

	v, shared, err := x.share(ctx, "list:"+strconv.FormatUint(dir.ID, 10), "list", func(ctx context.Context) (interface{}, error) {
		if l, ok := x.listings.Get(dir.ID); ok && x.fresh(l.fetchedAt) {
			return l, nil
		}

		start := time.Now()
		result, err := types.DrainListing(ctx, x.store, dir.Key)
		if err != nil {
			return nil, err
		}

		l := x.build(dir, result)
		x.listings.Add(dir.ID, l)
		x.logger.Debug("Directory listed",
			zap.String("prefix", dir.Key),
			zap.Int("entries", len(l.entries)),
			zap.Duration("duration", time.Since(start)))
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		x.logger.Debug("Joined directory listing", zap.String("prefix", dir.Key))
	}
	return v.(*listing), nil
}

// share runs fn once for all concurrent callers of key. fn does not inherit the
// caller's cancellation, so an interrupted caller leaves the call running for the
// others; each caller stops waiting when its own ctx is done.
func (x *Index) share(ctx context.Context, key, op string, fn func(context.Context) (interface{}, error)) (interface{}, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := x.flights.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	case <-ctx.Done():
		return nil, false, errors.Canceled("namespace", op, ctx.Err())
	}
}

// build records the children of dir from a drained listing. A name that is both a
// prefix and an object resolves to the directory.
func (x *Index) build(dir Inode, result *types.Listing) *listing {
	now := x.now()
	byName := make(map[string]Entry, len(result.Objects)+len(result.Prefixes))

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, prefix := range result.Prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(prefix, dir.Key), "/")
		if !validName(name) {
			continue
		}
		id := x.dirID(dir, name, prefix, now)
		byName[name] = Entry{Name: name, ID: id, Kind: KindDirectory}
	}

	for i := range result.Objects {
		obj := &result.Objects[i]
		name := strings.TrimPrefix(obj.Key, dir.Key)
		if !validName(name) {
			continue
		}
		if _, isDir := byName[name]; isDir {
			continue
		}
		id := x.fileID(dir, name, obj, now)
		byName[name] = Entry{Name: name, ID: id, Kind: KindFile}
	}

	entries := make([]Entry, 0, len(byName))
	for _, e := range byName {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return &listing{entries: entries, fetchedAt: now}
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.Contains(name, "/") && len(name) <= MaxNameLength
}

// dirID returns the id for directory prefix, creating the inode on first sight.
// Callers hold x.mu.
func (x *Index) dirID(parent Inode, name, prefix string, now time.Time) uint64 {
	if id, ok := x.byDir[prefix]; ok {
		return id
	}
	id := x.nextID.Add(1)
	x.inodes[id] = &Inode{
		ID:            id,
		Parent:        parent.ID,
		Kind:          KindDirectory,
		Path:          joinPath(parent.Path, name),
		Key:           prefix,
		LastModified:  now,
		AttrFetchedAt: now,
	}
	x.byDir[prefix] = id
	return id
}

// fileID returns the id for the object, creating the inode on first sight and
// refreshing its attributes otherwise. Callers hold x.mu.
func (x *Index) fileID(parent Inode, name string, obj *types.ObjectInfo, now time.Time) uint64 {
	if id, ok := x.byKey[obj.Key]; ok {
		x.applyInfo(x.inodes[id], obj)
		return id
	}
	id := x.nextID.Add(1)
	inode := &Inode{
		ID:     id,
		Parent: parent.ID,
		Kind:   KindFile,
		Path:   joinPath(parent.Path, name),
		Key:    obj.Key,
	}
	x.applyInfo(inode, obj)
	x.inodes[id] = inode
	x.byKey[obj.Key] = id
	return id
}

// applyInfo copies object metadata into inode. Callers hold x.mu.
func (x *Index) applyInfo(inode *Inode, info *types.ObjectInfo) {
	inode.Size = info.Size
	inode.LastModified = info.LastModified
	inode.ETag = info.ETag
	inode.AttrFetchedAt = x.now()
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func unknownInode(id uint64, op string) error {
	return errors.Newf(errors.ErrCodeObjectNotFound, "unknown inode %d", id).
		WithComponent("namespace").
		WithOperation(op)
}
