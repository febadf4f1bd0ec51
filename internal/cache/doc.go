/*
Package cache provides the disk-backed block cache behind a mount.

Fetched byte ranges are stored as block files under the cache directory and described by
a sidecar index, so a restarted mount picks up where the previous one left off.

# Layout

	<dir>/
	  .lock              exclusive lock held while a mount uses the directory
	  index.cbor         sidecar index (deterministic CBOR)
	  blocks/<xx>/<hash>-<offset>.blk

<hash> is the BLAKE3 digest of the object key, <xx> its first two hex digits and
<offset> the byte offset of the block within the object.

# Blocks

Blocks of one key never overlap. Store only writes the parts of a range that no block
covers yet, so concurrent stores of overlapping ranges keep the invariant. Each block
carries a BLAKE3 checksum; a block loaded from the sidecar is verified on first read and
dropped if it does not match, which turns the read into a miss.

# Versions

Every key records the object version its blocks belong to. EnsureVersion discards the
blocks when the version changes. Read and Store name the version they expect, so bytes
fetched from an older version are dropped instead of being stored under the new one.

# Eviction

Blocks are evicted in least-recently-accessed order whenever the total size exceeds the
capacity. Blocks written by the store that triggered the pass are not eligible; when
nothing else is left the cache runs over capacity and logs a warning.

# Usage

	m, err := cache.Open(cache.Config{Directory: dir, Capacity: 10 << 30}, logger, collector)
	if err != nil {
		return err
	}
	defer m.Close()

	m.EnsureVersion(key, etag)
	res, err := m.Read(key, etag, 0, 4096)
	for _, gap := range res.Missing {
		data := fetch(gap)
		m.Store(key, etag, gap.Offset, data)
	}
*/
package cache
