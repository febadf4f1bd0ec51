// Package session holds the per-mount settings shared by every component.
package session

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/s3fuse/pkg/errors"
)

// RootID is the inode id of the mount root.
const RootID uint64 = 1

// IOMode selects whether reads go through the kernel page cache.
type IOMode int

const (
	IOModeBuffered IOMode = iota
	IOModeDirect
)

func (m IOMode) String() string {
	if m == IOModeDirect {
		return "direct"
	}
	return "buffered"
}

// Options are the inputs to New.
type Options struct {
	Bucket    string
	CacheRoot string
	Capacity  int64
	BlockSize int64
	AttrTTL   time.Duration
	IOMode    IOMode
	UID       uint32
	GID       uint32
}

// Session is the immutable state of one mount. It is created once by bootstrap and
// shared by reference. There are no setters.
type Session struct {
	id        uuid.UUID
	startedAt time.Time
	opts      Options
}

// New validates opts and creates a session with a fresh id.
func New(opts Options) (*Session, error) {
	if opts.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name is required").
			WithComponent("session")
	}
	if opts.CacheRoot == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cache root is required").
			WithComponent("session")
	}
	if opts.Capacity <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "cache capacity must be positive, got %d", opts.Capacity).
			WithComponent("session")
	}
	if opts.BlockSize <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "block size must be positive, got %d", opts.BlockSize).
			WithComponent("session")
	}
	if opts.AttrTTL < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "attribute ttl cannot be negative").
			WithComponent("session")
	}

	root, err := filepath.Abs(opts.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	opts.CacheRoot = root

	return &Session{
		id:        uuid.New(),
		startedAt: time.Now(),
		opts:      opts,
	}, nil
}

func (s *Session) ID() string           { return s.id.String() }
func (s *Session) StartedAt() time.Time { return s.startedAt }
func (s *Session) Bucket() string       { return s.opts.Bucket }
func (s *Session) CacheRoot() string    { return s.opts.CacheRoot }
func (s *Session) Capacity() int64      { return s.opts.Capacity }
func (s *Session) BlockSize() int64     { return s.opts.BlockSize }
func (s *Session) AttrTTL() time.Duration {
	return s.opts.AttrTTL
}
func (s *Session) IOMode() IOMode   { return s.opts.IOMode }
func (s *Session) DirectIO() bool   { return s.opts.IOMode == IOModeDirect }
func (s *Session) RootID() uint64   { return RootID }
func (s *Session) UID() uint32      { return s.opts.UID }
func (s *Session) GID() uint32      { return s.opts.GID }
func (s *Session) Options() Options { return s.opts }
