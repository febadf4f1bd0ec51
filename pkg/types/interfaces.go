package types

import "context"

// ObjectStore is the read side of an object storage backend.
//
// Implementations return errors from pkg/errors so callers can distinguish a missing
// object from a transient failure.
type ObjectStore interface {
	// Head returns the metadata of a single object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// GetRange returns up to length bytes of key starting at offset. A range that
	// extends past the end of the object is truncated.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// List returns one page of the objects and common prefixes directly below prefix.
	// An empty continuation starts a new listing.
	List(ctx context.Context, prefix, continuation string) (*ListPage, error)
}
