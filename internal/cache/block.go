package cache

import (
	"container/list"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/objectfs/s3fuse/pkg/types"
)

// block is one Present range of an object stored in its own file.
type block struct {
	key        string
	offset     int64
	length     int64
	file       string // relative to the cache directory
	checksum   string
	lastAccess time.Time

	// verified is false for blocks loaded from the sidecar until their checksum has
	// been checked once.
	verified bool

	elem *list.Element
}

func (b *block) rng() types.Range {
	return types.Range{Offset: b.offset, Length: b.length}
}

// entry holds the blocks of one object key sorted by offset.
type entry struct {
	mu      sync.Mutex
	key     string
	version string
	blocks  []*block
}

// overlapping returns the blocks intersecting r in offset order.
func (e *entry) overlapping(r types.Range) []*block {
	i := sort.Search(len(e.blocks), func(i int) bool { return e.blocks[i].offset+e.blocks[i].length > r.Offset })
	var out []*block
	for ; i < len(e.blocks) && e.blocks[i].offset < r.End(); i++ {
		out = append(out, e.blocks[i])
	}
	return out
}

func (e *entry) insert(b *block) {
	i := sort.Search(len(e.blocks), func(i int) bool { return e.blocks[i].offset >= b.offset })
	e.blocks = append(e.blocks, nil)
	copy(e.blocks[i+1:], e.blocks[i:])
	e.blocks[i] = b
}

func (e *entry) remove(b *block) bool {
	for i, candidate := range e.blocks {
		if candidate == b {
			e.blocks = append(e.blocks[:i], e.blocks[i+1:]...)
			return true
		}
	}
	return false
}

func (e *entry) size() int64 {
	var total int64
	for _, b := range e.blocks {
		total += b.length
	}
	return total
}

func covered(blocks []*block) []types.Range {
	out := make([]types.Range, len(blocks))
	for i, b := range blocks {
		out[i] = b.rng()
	}
	return out
}

// keyHash names the files of one object key.
func keyHash(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func blockFile(key string, offset int64) string {
	h := keyHash(key)
	return filepath.Join(blocksDir, h[:2], h+"-"+strconv.FormatInt(offset, 10)+blockExt)
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
