package storage

import (
	"context"
	"io"
)

// ObjectStore accepts finished archive parts and returns retrieval URLs.
type ObjectStore interface {
	// Upload stores size bytes from r under name and returns a URL for it.
	Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error)
	// MaxObjectSize is the largest single object the store accepts.
	MaxObjectSize() int64
}

// Remover is implemented by stores that can delete what they uploaded.
type Remover interface {
	Remove(ctx context.Context, name string) error
}

// Default is the object store chosen at startup.
var Default ObjectStore
