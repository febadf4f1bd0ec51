package fuse

import (
	"strconv"
	"sync"

	"github.com/objectfs/s3fuse/internal/fetch"
	"github.com/objectfs/s3fuse/pkg/errors"
)

// HandleState is the life cycle of an open file: Open, then Reading for as long as
// reads arrive, then Released.
type HandleState int

const (
	HandleOpen HandleState = iota
	HandleReading
	HandleReleased
)

func (s HandleState) String() string {
	switch s {
	case HandleOpen:
		return "open"
	case HandleReading:
		return "reading"
	case HandleReleased:
		return "released"
	}
	return "unknown"
}

// Handle is one open file.
type Handle struct {
	ID      uint64
	inodeID uint64
	key     string
	tracker *fetch.ReadAheadTracker

	mu      sync.Mutex
	state   HandleState
	version string
}

// InodeID returns the inode the handle was opened on.
func (h *Handle) InodeID() uint64 {
	return h.inodeID
}

// Key returns the object key behind the handle.
func (h *Handle) Key() string {
	return h.key
}

// State returns the current state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HandleReleased {
		return errors.NewError(errors.ErrCodeBadHandle, "handle already released").
			WithComponent("fuse").
			WithOperation("read").
			WithContext("handle", strconv.FormatUint(h.ID, 10))
	}
	h.state = HandleReading
	return nil
}

// swapVersion records version and reports whether it differs from the previous one.
func (h *Handle) swapVersion(version string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.version == version {
		return false
	}
	h.version = version
	return true
}

func (h *Handle) release() {
	h.mu.Lock()
	h.state = HandleReleased
	h.mu.Unlock()
}
