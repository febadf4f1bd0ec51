package namespace

import (
	"time"

	"github.com/objectfs/s3fuse/pkg/types"
)

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Inode is a snapshot of one namespace node. Ids are stable for the life of the index.
type Inode struct {
	ID     uint64
	Parent uint64
	Kind   Kind

	// Path is the virtual path below the mount root without a leading slash. The root
	// has an empty path.
	Path string

	// Key is the object key for files and the listing prefix ("models/") for
	// directories. The root prefix is empty.
	Key string

	Size          int64
	LastModified  time.Time
	ETag          string
	AttrFetchedAt time.Time
}

// IsDir reports whether the inode is a directory.
func (i Inode) IsDir() bool {
	return i.Kind == KindDirectory
}

// Version identifies the object content last seen for a file.
func (i Inode) Version() string {
	info := types.ObjectInfo{Key: i.Key, Size: i.Size, LastModified: i.LastModified, ETag: i.ETag}
	return info.Version()
}

// Entry is one name in a directory listing.
type Entry struct {
	Name string
	ID   uint64
	Kind Kind
}

// listing is a materialized directory. entries are sorted by name.
type listing struct {
	entries   []Entry
	fetchedAt time.Time
}

func (l *listing) find(name string) (Entry, bool) {
	lo, hi := 0, len(l.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.entries[mid].Name < name {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(l.entries) && l.entries[lo].Name == name {
		return l.entries[lo], true
	}
	return Entry{}, false
}
