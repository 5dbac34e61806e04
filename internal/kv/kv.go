package kv

import (
	"context"
	"errors"
)

// ErrNotFound means the key does not exist. It is a normal outcome of a
// point lookup, not a failure of the store.
var ErrNotFound = errors.New("key not found")

// ErrUnavailable means the store itself could not be reached. Callers may
// retry; it is never silently swallowed at this layer.
var ErrUnavailable = errors.New("store unavailable")

// Store is a flat key-value store with ordered prefix enumeration.
// There is no cross-key atomicity: each Set is atomic on its own and
// callers must tolerate partial multi-key writes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys starting with prefix, sorted ascending.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}
