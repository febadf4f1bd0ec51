package fetch

import (
	"sync"

	"github.com/objectfs/s3fuse/pkg/types"
)

// minSequential is the number of consecutive sequential reads before read-ahead starts.
const minSequential = 2

// ReadAheadTracker follows the read pattern of one file handle.
type ReadAheadTracker struct {
	mu             sync.Mutex
	nextOffset     int64
	sequentialHits int
	prefetchedTo   int64
}

// NewReadAheadTracker returns a tracker for a freshly opened handle.
func NewReadAheadTracker() *ReadAheadTracker {
	return &ReadAheadTracker{}
}

// Observe records a read of length bytes at offset. When the handle has read
// sequentially long enough it returns the range to prefetch: up to window bytes past
// the read, clamped to size and skipping what an earlier call already scheduled.
func (t *ReadAheadTracker) Observe(offset, length, window, size int64) (types.Range, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset == t.nextOffset {
		t.sequentialHits++
	} else {
		t.sequentialHits = 0
		t.prefetchedTo = 0
	}
	t.nextOffset = offset + length

	if t.sequentialHits < minSequential || length <= 0 {
		return types.Range{}, false
	}

	start := max(t.nextOffset, t.prefetchedTo)
	end := min(t.nextOffset+window, size)
	if end <= start {
		return types.Range{}, false
	}
	t.prefetchedTo = end
	return types.Range{Offset: start, Length: end - start}, true
}

// Sequential reports whether the last reads were sequential.
func (t *ReadAheadTracker) Sequential() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequentialHits >= minSequential
}
