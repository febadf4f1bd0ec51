package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/s3fuse/pkg/errors"
)

func validOptions(t *testing.T) Options {
	return Options{
		Bucket:    "weights",
		CacheRoot: t.TempDir(),
		Capacity:  1 << 30,
		BlockSize: 4 << 20,
		AttrTTL:   time.Minute,
		IOMode:    IOModeDirect,
		UID:       1000,
		GID:       1000,
	}
}

func TestNew(t *testing.T) {
	opts := validOptions(t)
	s, err := New(opts)
	require.NoError(t, err)

	assert.Equal(t, "weights", s.Bucket())
	assert.Equal(t, int64(1<<30), s.Capacity())
	assert.Equal(t, RootID, s.RootID())
	assert.True(t, s.DirectIO())
	assert.Equal(t, "direct", s.IOMode().String())
	assert.Equal(t, time.Minute, s.AttrTTL())
	assert.Equal(t, uint32(1000), s.UID())
	assert.NotEmpty(t, s.ID())
	assert.False(t, s.StartedAt().IsZero())
}

func TestNewAssignsDistinctIDs(t *testing.T) {
	a, err := New(validOptions(t))
	require.NoError(t, err)
	b, err := New(validOptions(t))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestNewMakesCacheRootAbsolute(t *testing.T) {
	opts := validOptions(t)
	opts.CacheRoot = "relative/cache"

	s, err := New(opts)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(s.CacheRoot()))
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing bucket", func(o *Options) { o.Bucket = "" }},
		{"missing cache root", func(o *Options) { o.CacheRoot = "" }},
		{"zero capacity", func(o *Options) { o.Capacity = 0 }},
		{"zero block size", func(o *Options) { o.BlockSize = 0 }},
		{"negative ttl", func(o *Options) { o.AttrTTL = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOptions(t)
			tt.mutate(&opts)
			_, err := New(opts)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig), "got %v", err)
		})
	}
}

func TestOptionsIsACopy(t *testing.T) {
	s, err := New(validOptions(t))
	require.NoError(t, err)

	opts := s.Options()
	opts.Bucket = "changed"
	assert.Equal(t, "weights", s.Bucket())
}
