package fuse

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/objectfs/s3fuse/pkg/errors"
)

func TestCheckAccess(t *testing.T) {
	owner := Caller{UID: 1000, GID: 1000}
	group := Caller{UID: 2000, GID: 1000}
	other := Caller{UID: 3000, GID: 3000}
	root := Caller{UID: 0, GID: 0}

	tests := []struct {
		name   string
		mode   uint32
		caller Caller
		mask   uint32
		want   bool
	}{
		{"exists always", 0, other, accessExists, true},
		{"owner reads file", fileMode, owner, accessRead, true},
		{"owner cannot write file", fileMode, owner, accessWrite, false},
		{"owner cannot execute file", fileMode, owner, accessExecute, false},
		{"other searches directory", dirMode, other, accessExecute, true},
		{"group bits apply to group", 0o640, group, accessRead, true},
		{"other bits apply to other", 0o640, other, accessRead, false},
		{"owner bits only for owner", 0o077, owner, accessRead, false},
		{"root reads anything", 0o000, root, accessRead, true},
		{"root writes anything", 0o444, root, accessWrite, true},
		{"root cannot execute without x bit", fileMode, root, accessExecute, false},
		{"root executes with any x bit", 0o001, root, accessExecute, true},
		{"type bits are ignored", syscall.S_IFDIR | dirMode, other, accessRead | accessExecute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checkAccess(1000, 1000, tt.mode, tt.caller, tt.mask))
		})
	}
}

func TestOpenAccess(t *testing.T) {
	tests := []struct {
		name  string
		flags uint32
		mask  uint32
		code  errors.ErrorCode
	}{
		{"read only", syscall.O_RDONLY, accessRead, ""},
		{"exec open", syscall.O_RDONLY | fmodeExec, accessExecute, ""},
		{"truncate", syscall.O_RDONLY | syscall.O_TRUNC, 0, errors.ErrCodePermissionDenied},
		{"write only", syscall.O_WRONLY, 0, errors.ErrCodePermissionDenied},
		{"read write", syscall.O_RDWR, 0, errors.ErrCodePermissionDenied},
		{"invalid access mode", oAccMode, 0, errors.ErrCodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask, err := openAccess(tt.flags)
			if tt.code == "" {
				assert.NoError(t, err)
				assert.Equal(t, tt.mask, mask)
				return
			}
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}
