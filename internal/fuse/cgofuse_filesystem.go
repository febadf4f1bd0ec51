//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"syscall"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/s3fuse/internal/namespace"
)

// CgoFuseFS serves the filesystem through cgofuse's path based interface, for hosts
// without the Linux FUSE protocol (macFUSE, WinFsp).
type CgoFuseFS struct {
	fuse.FileSystemBase

	fsys *FileSystem

	// ready is closed by Init once the host is serving, stopped by Destroy.
	ready   chan struct{}
	stopped chan struct{}
}

// NewCgoFuseFS creates a cgofuse adapter over filesystem.
func NewCgoFuseFS(filesystem *FileSystem) *CgoFuseFS {
	return &CgoFuseFS{
		fsys:    filesystem,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Init is called by the host when the mount is established.
func (c *CgoFuseFS) Init() {
	close(c.ready)
}

// Destroy is called by the host when the mount goes away.
func (c *CgoFuseFS) Destroy() {
	close(c.stopped)
}

// Getattr gets file attributes
func (c *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	ctx := context.Background()
	id, err := c.fsys.Resolve(ctx, cgoCaller(), path)
	if err != nil {
		return cgoErrno(err)
	}
	attr, err := c.fsys.GetAttr(ctx, id)
	if err != nil {
		return cgoErrno(err)
	}
	fillStat(stat, attr)
	return 0
}

// Open opens a file
func (c *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	ctx := context.Background()
	caller := cgoCaller()
	id, err := c.fsys.Resolve(ctx, caller, path)
	if err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	res, err := c.fsys.Open(ctx, caller, id, uint32(flags))
	if err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	return 0, res.Handle.ID
}

// Read reads from a file
func (c *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h, ok := c.fsys.Handle(fh)
	if !ok {
		return -fuse.EBADF
	}
	data, err := c.fsys.Read(context.Background(), h, ofst, len(buff))
	if err != nil {
		return cgoErrno(err)
	}
	return copy(buff, data)
}

// Release closes a file
func (c *CgoFuseFS) Release(path string, fh uint64) int {
	if h, ok := c.fsys.Handle(fh); ok {
		c.fsys.Release(h)
	}
	return 0
}

func (c *CgoFuseFS) Opendir(path string) (int, uint64) {
	ctx := context.Background()
	caller := cgoCaller()
	id, err := c.fsys.Resolve(ctx, caller, path)
	if err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	if err := c.fsys.OpenDir(ctx, caller, id); err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	return 0, id
}

// Readdir reads directory contents
func (c *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	entries, err := c.fsys.ReadDir(context.Background(), fh)
	if err != nil {
		return cgoErrno(err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, e := range entries {
		stat := &fuse.Stat_t{Ino: e.ID, Mode: fuse.S_IFREG | fileMode}
		if e.Kind == namespace.KindDirectory {
			stat.Mode = fuse.S_IFDIR | dirMode
		}
		if !fill(e.Name, stat, 0) {
			break
		}
	}
	return 0
}

func (c *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	st := c.fsys.StatFS()
	stat.Bsize = uint64(st.BlockSize)
	stat.Frsize = uint64(st.BlockSize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.Free
	stat.Bavail = st.Free
	stat.Files = st.Files
	stat.Namemax = uint64(st.NameLen)
	return 0
}

func (c *CgoFuseFS) Getxattr(path string, name string) (int, []byte) {
	id, err := c.fsys.Resolve(context.Background(), cgoCaller(), path)
	if err != nil {
		return cgoErrno(err), nil
	}
	value, err := c.fsys.Getxattr(id, name)
	if err != nil {
		return cgoErrno(err), nil
	}
	return 0, value
}

func (c *CgoFuseFS) Listxattr(path string, fill func(name string) bool) int {
	id, err := c.fsys.Resolve(context.Background(), cgoCaller(), path)
	if err != nil {
		return cgoErrno(err)
	}
	names, err := c.fsys.Listxattr(id)
	if err != nil {
		return cgoErrno(err)
	}
	for _, name := range names {
		if !fill(name) {
			return -fuse.ERANGE
		}
	}
	return 0
}

func cgoCaller() Caller {
	uid, gid, _ := fuse.Getcontext()
	return Caller{UID: uid, GID: gid}
}

func fillStat(stat *fuse.Stat_t, a Attr) {
	stat.Ino = a.Ino
	stat.Mode = fuse.S_IFREG | (a.Mode & 0o777)
	if a.Dir {
		stat.Mode = fuse.S_IFDIR | (a.Mode & 0o777)
	}
	stat.Nlink = a.Nlink
	stat.Uid = a.UID
	stat.Gid = a.GID
	stat.Size = int64(a.Size)
	stat.Blocks = int64(a.Blocks)
	stat.Blksize = int64(a.Blksize)
	mtime := fuse.NewTimespec(a.Mtime)
	stat.Mtim = mtime
	stat.Atim = mtime
	stat.Ctim = mtime
}

// cgoErrno maps errors to the negative errno values cgofuse expects. cgofuse defines
// its own constants on Windows, so the mapping goes through them rather than the host
// values.
func cgoErrno(err error) int {
	switch toErrno(err) {
	case syscall.ENOENT:
		return -fuse.ENOENT
	case syscall.EACCES:
		return -fuse.EACCES
	case syscall.ENAMETOOLONG:
		return -fuse.ENAMETOOLONG
	case syscall.EINVAL:
		return -fuse.EINVAL
	case syscall.ENOTDIR:
		return -fuse.ENOTDIR
	case syscall.EISDIR:
		return -fuse.EISDIR
	case syscall.ENODATA:
		return -fuse.ENODATA
	case syscall.EBADF:
		return -fuse.EBADF
	case syscall.EINTR:
		return -fuse.EINTR
	}
	return -fuse.EIO
}
