// Package meshkv defines the storage trait the rest of the mesh node persists
// through. The node never writes files directly; every package that needs
// durable state takes a Store and addresses it with a flat key.
package meshkv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("meshkv: key not found")

// Store is the persistence collaborator every stateful package depends on.
// The mesh node never assumes a particular backing engine; callers own that
// choice and pass it in at construction time.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// List returns every key with the given prefix, unordered.
	List(ctx context.Context, prefix string) ([]string, error)
}
