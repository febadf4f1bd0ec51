package fuse

import (
	"syscall"

	"github.com/objectfs/s3fuse/pkg/errors"
)

// Access mask bits as used by access(2).
const (
	accessExists  uint32 = 0
	accessExecute uint32 = 1
	accessWrite   uint32 = 2
	accessRead    uint32 = 4
)

const (
	// oAccMode masks the access mode of open flags.
	oAccMode = 0x3

	// fmodeExec is set by the kernel on opens issued by execve.
	fmodeExec = 0x20
)

// Permission bits reported for every node. The mount is read-only.
const (
	fileMode uint32 = 0o444
	dirMode  uint32 = 0o555
)

// Caller identifies the process behind a request.
type Caller struct {
	UID uint32
	GID uint32
}

// checkAccess reports whether caller may access a node owned by uid:gid with the
// given permission bits. Exactly one of the owner, group or other triplets applies.
// uid 0 may read and write anything but may execute only when some execute bit is set.
func checkAccess(uid, gid, mode uint32, caller Caller, mask uint32) bool {
	if mask == accessExists {
		return true
	}
	perm := mode & 0o777

	if caller.UID == 0 {
		mask &= accessExecute
		mask &^= perm >> 6
		mask &^= perm >> 3
		mask &^= perm
		return mask == 0
	}

	switch {
	case caller.UID == uid:
		mask &^= perm >> 6
	case caller.GID == gid:
		mask &^= perm >> 3
	default:
		mask &^= perm
	}
	return mask&0o7 == 0
}

// openAccess validates open flags and returns the access mask the open needs.
func openAccess(flags uint32) (uint32, error) {
	switch flags & oAccMode {
	case syscall.O_RDONLY:
		if flags&syscall.O_TRUNC != 0 {
			return 0, errors.NewError(errors.ErrCodePermissionDenied, "cannot truncate a read-only file").
				WithComponent("fuse").
				WithOperation("open")
		}
		if flags&fmodeExec != 0 {
			return accessExecute, nil
		}
		return accessRead, nil
	case syscall.O_WRONLY, syscall.O_RDWR:
		return 0, errors.NewError(errors.ErrCodePermissionDenied, "filesystem is read-only").
			WithComponent("fuse").
			WithOperation("open")
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "invalid access mode in open flags %#x", flags).
			WithComponent("fuse").
			WithOperation("open")
	}
}

func accessDenied(op, path string) error {
	return errors.NewError(errors.ErrCodePermissionDenied, "permission denied").
		WithComponent("fuse").
		WithOperation(op).
		WithContext("path", "/"+path)
}
