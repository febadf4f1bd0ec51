package fuse

import (
	"syscall"

	"github.com/objectfs/s3fuse/pkg/errors"
)

// toErrno maps an error from the namespace, cache or fetch layers to the errno
// returned to the kernel. Anything unclassified is an I/O error.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errors.IsCanceled(err) {
		return syscall.EINTR
	}

	switch errors.Code(err) {
	case errors.ErrCodeObjectNotFound, errors.ErrCodeBucketNotFound:
		return syscall.ENOENT
	case errors.ErrCodeAccessDenied, errors.ErrCodePermissionDenied:
		return syscall.EACCES
	case errors.ErrCodeNameTooLong:
		return syscall.ENAMETOOLONG
	case errors.ErrCodeInvalidArgument:
		return syscall.EINVAL
	case errors.ErrCodeNotDirectory:
		return syscall.ENOTDIR
	case errors.ErrCodeIsDirectory:
		return syscall.EISDIR
	case errors.ErrCodeNoAttribute:
		return syscall.ENODATA
	case errors.ErrCodeBadHandle:
		return syscall.EBADF
	}
	return syscall.EIO
}
