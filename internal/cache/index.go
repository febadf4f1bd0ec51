package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/objectfs/s3fuse/pkg/utils"
)

const (
	indexFile          = "index.cbor"
	indexFormatVersion = 1
)

// sidecar is the persisted form of the cache index.
type sidecar struct {
	Version int            `json:"version"`
	Entries []sidecarEntry `json:"entries"`
}

type sidecarEntry struct {
	Key           string         `json:"key"`
	ObjectVersion string         `json:"object_version,omitempty"`
	Blocks        []sidecarBlock `json:"blocks,omitempty"`
}

type sidecarBlock struct {
	Offset     int64  `json:"offset"`
	Length     int64  `json:"length"`
	File       string `json:"file"`
	Checksum   string `json:"checksum"`
	LastAccess int64  `json:"last_access"`
}

// indexEncMode produces identical bytes for identical indexes.
var indexEncMode cbor.EncMode

var indexDecMode cbor.DecMode

func init() {
	var err error
	indexEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	indexDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

// snapshot captures the current index. Entries are sorted by key and blocks by offset.
func (m *Manager) snapshot() *sidecar {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.dirty = false
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	out := &sidecar{Version: indexFormatVersion}
	for _, e := range entries {
		e.mu.Lock()
		if len(e.blocks) == 0 && e.version == "" {
			e.mu.Unlock()
			continue
		}
		se := sidecarEntry{Key: e.key, ObjectVersion: e.version}
		m.mu.Lock()
		for _, b := range e.blocks {
			se.Blocks = append(se.Blocks, sidecarBlock{
				Offset:     b.offset,
				Length:     b.length,
				File:       filepath.ToSlash(b.file),
				Checksum:   b.checksum,
				LastAccess: b.lastAccess.UnixNano(),
			})
		}
		m.mu.Unlock()
		e.mu.Unlock()
		out.Entries = append(out.Entries, se)
	}
	return out
}

// saveIndex writes the sidecar through a temporary file and renames it into place.
func (m *Manager) saveIndex() error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	data, err := indexEncMode.Marshal(m.snapshot())
	if err != nil {
		m.markDirty()
		return ioError("save_index", err)
	}

	path := filepath.Join(m.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		m.markDirty()
		return ioError("save_index", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		m.markDirty()
		return ioError("save_index", err)
	}
	return nil
}

func (m *Manager) markDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// loadIndex rebuilds the in-memory index from the sidecar. Blocks whose file is
// missing, has the wrong size, points outside the cache directory or overlaps an
// earlier block are skipped. An unreadable sidecar starts the cache empty.
func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(m.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ioError("load_index", err)
	}

	var idx sidecar
	if err := indexDecMode.Unmarshal(data, &idx); err != nil {
		m.logger.Warn("Cache index is unreadable, starting empty", zap.Error(err))
		return nil
	}
	if idx.Version != indexFormatVersion {
		m.logger.Warn("Cache index has an unknown format, starting empty", zap.Int("version", idx.Version))
		return nil
	}

	var loaded []*block
	skipped := 0
	for _, se := range idx.Entries {
		e := &entry{key: se.Key, version: se.ObjectVersion}

		sort.Slice(se.Blocks, func(i, j int) bool { return se.Blocks[i].Offset < se.Blocks[j].Offset })
		var end int64
		for _, sb := range se.Blocks {
			b, ok := m.validBlock(se.Key, sb)
			if !ok || b.offset < end {
				skipped++
				continue
			}
			e.blocks = append(e.blocks, b)
			end = b.offset + b.length
			loaded = append(loaded, b)
		}
		m.entries[e.key] = e
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].lastAccess.Before(loaded[j].lastAccess) })
	for _, b := range loaded {
		b.elem = m.lru.PushFront(b)
		m.size += b.length
	}

	if skipped > 0 {
		m.logger.Warn("Skipped invalid cache blocks", zap.Int("blocks", skipped))
		m.dirty = true
	}
	return nil
}

func (m *Manager) validBlock(key string, sb sidecarBlock) (*block, bool) {
	if sb.Offset < 0 || sb.Length <= 0 {
		return nil, false
	}
	rel := filepath.FromSlash(sb.File)
	if rel != blockFile(key, sb.Offset) {
		return nil, false
	}
	path, err := utils.SecureJoin(m.dir, rel)
	if err != nil {
		return nil, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != sb.Length {
		return nil, false
	}
	return &block{
		key:        key,
		offset:     sb.Offset,
		length:     sb.Length,
		file:       rel,
		checksum:   sb.Checksum,
		lastAccess: time.Unix(0, sb.LastAccess),
	}, true
}

// cleanupOrphans removes block files the index does not reference, including
// temporary files left by an interrupted store.
func (m *Manager) cleanupOrphans() {
	referenced := make(map[string]struct{}, m.lru.Len())
	for elem := m.lru.Front(); elem != nil; elem = elem.Next() {
		referenced[elem.Value.(*block).file] = struct{}{}
	}

	removed := 0
	root := filepath.Join(m.dir, blocksDir)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(m.dir, path)
		if err != nil {
			return nil
		}
		if _, ok := referenced[rel]; ok && strings.HasSuffix(rel, blockExt) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	_ = os.Remove(filepath.Join(m.dir, indexFile+".tmp"))

	if removed > 0 {
		m.logger.Info("Removed orphaned cache files", zap.Int("files", removed))
	}
}
