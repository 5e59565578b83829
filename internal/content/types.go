// Package content holds the blob store contract and its non-disk
// implementations. Blobs are addressed by utils.HashContent of their bytes.
package content

import (
	"context"

	"quire/internal/safe"
)

// ErrContentNotFound is shared with the disk store so callers can test for
// absence without knowing the backend.
var ErrContentNotFound = safe.ErrContentNotFound

// Store is an append-only blob store. Storing bytes that are already present
// is a no-op returning the same hash, so concurrent writers need no locking.
type Store interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

var _ Store = (*safe.Safe)(nil)
