/*
Package fuse exposes a bucket as a read-only FUSE filesystem.

FileSystem implements the operations of the mount (lookup, getattr, open, read,
readdir, release, statfs and the extended attributes) on top of the namespace index,
the block cache and the fetch coordinator. It is independent of the FUSE binding; thin
adapters translate it for the kernel.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│        Applications (model loaders)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     Kernel VFS, page cache, FUSE driver     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  go-fuse nodes (Linux)  │ cgofuse host      │  ← This Package
	│─────────────────────────┴───────────────────│
	│                 FileSystem                  │
	└─────────────────────────────────────────────┘
	          │                 │
	┌──────────────────┐ ┌────────────────────────┐
	│ namespace.Index  │ │ fetch.Coordinator      │
	│ (paths, inodes)  │ │   └─ cache.Manager     │
	└──────────────────┘ └────────────────────────┘

# Platform Support

Default Build (go-fuse):
- Target: Linux
- Implementation: github.com/hanwen/go-fuse/v2, inode based. Inode numbers reported
  to the kernel are the namespace index ids; the root is 1.

CGO Build (cgofuse):
- Target: macOS (macFUSE) and Windows (WinFsp)
- Build: go build -tags cgofuse
- Implementation: github.com/winfsp/cgofuse, path based. Paths are resolved through
  the namespace index on every call.

# Permissions

Files are reported as 0444 and directories as 0555, owned by the uid and gid of the
mount session. Lookup requires execute permission on the parent, opendir requires read
permission and open requires read permission, or execute permission for an open issued
by execve. Root may read anything but may execute only when an execute bit is set.

Opens for writing are refused with EACCES, as is O_RDONLY combined with O_TRUNC. An
open with an invalid access mode fails with EINVAL.

# Consistency

Every open issues a HEAD request for the object. When its ETag, size or modification
time differ from the version recorded with the cached blocks, those blocks are
discarded before the open returns. In buffered mode the kernel is told to keep its page
cache only when the version did not change since the previous open of the same inode.
In direct I/O mode the kernel page cache is bypassed; the disk cache still serves reads.

# Errors

	Not found                  ENOENT
	Access or permission       EACCES
	Name longer than 255 bytes ENAMETOOLONG
	Unmount during a fetch     EINTR
	Retries exhausted, other   EIO

# Usage

	fsys := fuse.NewFileSystem(sess, index, cacheManager, coordinator, logger, collector)
	mount := fuse.CreatePlatformMountManager(fsys, fuse.MountOptions{
		MountPoint:   "/mnt/weights",
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}, logger)
	if err := mount.Mount(ctx); err != nil {
		return err
	}
	<-mount.Done()
*/
package fuse
