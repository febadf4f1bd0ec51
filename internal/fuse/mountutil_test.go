package fuse

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestUserAllowOther(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"enabled", "# mount_max = 1000\nuser_allow_other\n", true},
		{"enabled with spaces", "  user_allow_other  # needed for sharing\n", true},
		{"commented out", "#user_allow_other\n", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := userAllowOther(writeFile(t, tt.content))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := userAllowOther(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestIsMounted(t *testing.T) {
	mounts := writeFile(t, "proc /proc proc rw 0 0\n"+
		"s3-fuse /mnt/my\\040weights fuse.s3-fuse ro,nosuid 0 0\n"+
		"s3-fuse /mnt/plain fuse.s3-fuse ro 0 0\n")

	for _, tt := range []struct {
		mountPoint string
		want       bool
	}{
		{"/mnt/my weights", true},
		{"/mnt/plain/", true},
		{"/mnt/other", false},
		{"/mnt", false},
	} {
		got, err := isMounted(mounts, tt.mountPoint)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.mountPoint)
	}
}

func TestMountOptionsDefaults(t *testing.T) {
	opts := MountOptions{AttrTimeout: -time.Second}.withDefaults()
	assert.Equal(t, "s3-fuse", opts.FSName)
	assert.Zero(t, opts.AttrTimeout)
	assert.Equal(t, 128*1024, opts.MaxReadAhead)

	kept := MountOptions{FSName: "weights", EntryTimeout: time.Second}.withDefaults()
	assert.Equal(t, "weights", kept.FSName)
	assert.Equal(t, time.Second, kept.EntryTimeout)
}
