// Package types holds the data structures shared between the storage client, the
// namespace index, the cache manager and the filesystem adapter.
package types

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ObjectInfo represents metadata about a stored object
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag"`
}

// Version identifies the content of an object. Two infos with the same version are
// assumed to hold the same bytes.
func (o *ObjectInfo) Version() string {
	if o.ETag != "" {
		return o.ETag
	}
	return strconv.FormatInt(o.Size, 10) + "@" + strconv.FormatInt(o.LastModified.UnixNano(), 10)
}

// ListPage is one page of a delimited listing.
type ListPage struct {
	Objects          []ObjectInfo
	Prefixes         []string
	NextContinuation string
}

// Listing is a fully drained delimited listing of a prefix.
type Listing struct {
	Objects  []ObjectInfo
	Prefixes []string
}

// DrainListing follows continuation tokens until the listing of prefix is complete.
// Objects are sorted by key and prefixes are sorted and deduplicated.
func DrainListing(ctx context.Context, store ObjectStore, prefix string) (*Listing, error) {
	listing := &Listing{}
	seenPrefix := make(map[string]struct{})
	seenToken := make(map[string]struct{})

	token := ""
	for {
		page, err := store.List(ctx, prefix, token)
		if err != nil {
			return nil, err
		}
		listing.Objects = append(listing.Objects, page.Objects...)
		for _, p := range page.Prefixes {
			if _, ok := seenPrefix[p]; ok {
				continue
			}
			seenPrefix[p] = struct{}{}
			listing.Prefixes = append(listing.Prefixes, p)
		}

		if page.NextContinuation == "" {
			break
		}
		if _, ok := seenToken[page.NextContinuation]; ok {
			return nil, fmt.Errorf("listing %q: continuation token repeated", prefix)
		}
		seenToken[page.NextContinuation] = struct{}{}
		token = page.NextContinuation
	}

	sort.Slice(listing.Objects, func(i, j int) bool { return listing.Objects[i].Key < listing.Objects[j].Key })
	sort.Strings(listing.Prefixes)
	return listing, nil
}

// Range represents a half-open byte range [Offset, Offset+Length).
type Range struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the first offset past the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// Empty reports whether the range covers no bytes.
func (r Range) Empty() bool {
	return r.Length <= 0
}

// Overlaps reports whether the two ranges share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// Contains reports whether o lies entirely inside r.
func (r Range) Contains(o Range) bool {
	return o.Offset >= r.Offset && o.End() <= r.End()
}

// Intersect returns the overlapping part of r and o, which is empty when they do not overlap.
func (r Range) Intersect(o Range) Range {
	start := max(r.Offset, o.Offset)
	end := min(r.End(), o.End())
	if end <= start {
		return Range{Offset: start}
	}
	return Range{Offset: start, Length: end - start}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

// Subtract returns the parts of r not covered by any of covered. covered must be
// sorted by offset and pairwise non-overlapping.
func (r Range) Subtract(covered []Range) []Range {
	var gaps []Range
	cursor := r.Offset
	for _, c := range covered {
		if c.End() <= cursor {
			continue
		}
		if c.Offset >= r.End() {
			break
		}
		if c.Offset > cursor {
			gaps = append(gaps, Range{Offset: cursor, Length: c.Offset - cursor})
		}
		cursor = c.End()
	}
	if cursor < r.End() {
		gaps = append(gaps, Range{Offset: cursor, Length: r.End() - cursor})
	}
	return gaps
}

// MergeAdjacent sorts ranges and joins those that touch or overlap.
func MergeAdjacent(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	merged := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Offset <= last.End() {
			if r.End() > last.End() {
				last.Length = r.End() - last.Offset
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// AlignRange expands r to multiples of blockSize, clamped to [0, limit).
func AlignRange(r Range, blockSize, limit int64) Range {
	if blockSize <= 0 {
		return r.Intersect(Range{Offset: 0, Length: limit})
	}
	start := (r.Offset / blockSize) * blockSize
	end := ((r.End() + blockSize - 1) / blockSize) * blockSize
	if end > limit {
		end = limit
	}
	if end < start {
		end = start
	}
	return Range{Offset: start, Length: end - start}
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Corruptions uint64  `json:"corruptions"`
	Blocks      int     `json:"blocks"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}
