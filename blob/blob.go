// Package blob defines the blob store port consumed by the download activity
// and provides memory and Mongo implementations. Paths are opaque keys owned
// by the caller; Put overwrites.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound reports that no blob exists at the requested path.
var ErrNotFound = errors.New("blob: not found")

// Store is the blob port.
type Store interface {
	// Get returns the bytes stored at path or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
	// Put stores data at path, replacing any previous content.
	Put(ctx context.Context, path string, data []byte) error
}
