//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/s3fuse/internal/namespace"
	"github.com/objectfs/s3fuse/internal/session"
)

var (
	_ = (fs.NodeLookuper)((*dirNode)(nil))
	_ = (fs.NodeGetattrer)((*dirNode)(nil))
	_ = (fs.NodeOpendirer)((*dirNode)(nil))
	_ = (fs.NodeReaddirer)((*dirNode)(nil))
	_ = (fs.NodeStatfser)((*dirNode)(nil))

	_ = (fs.NodeOpener)((*fileNode)(nil))
	_ = (fs.NodeGetattrer)((*fileNode)(nil))
	_ = (fs.NodeGetxattrer)((*fileNode)(nil))
	_ = (fs.NodeListxattrer)((*fileNode)(nil))

	_ = (fs.FileReader)((*fileHandle)(nil))
	_ = (fs.FileReleaser)((*fileHandle)(nil))
)

// Root returns the go-fuse node of the mount root.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &dirNode{fsys: f, id: session.RootID}
}

// dirNode is a directory in the mount.
type dirNode struct {
	fs.Inode
	fsys *FileSystem
	id   uint64
}

// Lookup looks up a child node by name
func (n *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attr, err := n.fsys.Lookup(ctx, callerFrom(ctx), n.id, name)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, attr)

	if attr.Dir {
		child := &dirNode{fsys: n.fsys, id: attr.Ino}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: attr.Ino}), 0
	}
	child := &fileNode{fsys: n.fsys, id: attr.Ino}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: attr.Ino}), 0
}

func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fsys.GetAttr(ctx, n.id)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *dirNode) Opendir(ctx context.Context) syscall.Errno {
	return toErrno(n.fsys.OpenDir(ctx, callerFrom(ctx), n.id))
}

// Readdir reads directory contents
func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDir(ctx, n.id)
	if err != nil {
		return nil, toErrno(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Kind == namespace.KindDirectory {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Ino: e.ID, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (n *dirNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st := n.fsys.StatFS()
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.Blocks
	out.Bfree = st.Free
	out.Bavail = st.Free
	out.Files = st.Files
	out.Ffree = 0
	out.NameLen = st.NameLen
	return 0
}

// fileNode is an object in the mount.
type fileNode struct {
	fs.Inode
	fsys *FileSystem
	id   uint64
}

// Open opens a file
func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	res, err := n.fsys.Open(ctx, callerFrom(ctx), n.id, flags)
	if err != nil {
		return nil, 0, toErrno(err)
	}

	var fuseFlags uint32
	switch {
	case res.DirectIO:
		fuseFlags = fuse.FOPEN_DIRECT_IO
	case res.KeepCache:
		fuseFlags = fuse.FOPEN_KEEP_CACHE
	}
	return &fileHandle{fsys: n.fsys, h: res.Handle}, fuseFlags, 0
}

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fsys.GetAttr(ctx, n.id)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.fsys.Getxattr(n.id, attr)
	if err != nil {
		return 0, toErrno(err)
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}

func (n *fileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fsys.Listxattr(n.id)
	if err != nil {
		return 0, toErrno(err)
	}
	var buf []byte
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	if len(dest) < len(buf) {
		return uint32(len(buf)), syscall.ERANGE
	}
	return uint32(copy(dest, buf)), 0
}

// fileHandle is an open file as seen by go-fuse.
type fileHandle struct {
	fsys *FileSystem
	h    *Handle
}

// Read reads data from the file
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := fh.fsys.Read(ctx, fh.h, off, len(dest))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

// Release releases the file handle
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	fh.fsys.Release(fh.h)
	return 0
}

func callerFrom(ctx context.Context) Caller {
	if c, ok := fuse.FromContext(ctx); ok {
		return Caller{UID: c.Uid, GID: c.Gid}
	}
	return Caller{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
}

func fillAttr(out *fuse.Attr, a Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.UID
	out.Gid = a.GID
	out.Blksize = a.Blksize
	mtime := a.Mtime
	out.SetTimes(&mtime, &mtime, &mtime)
}
