// Package backend provides namespaced key/value storage for the offline cache.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("backend closed")

// Entry is one key/value pair written by PutBatch.
type Entry struct {
	Key   string
	Value []byte
}

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Put stores value at key in namespace ns, replacing any previous value.
	// A reader never observes a partially written value.
	Put(ctx context.Context, ns, key string, value []byte) error

	// PutBatch stores every entry or none of them.
	PutBatch(ctx context.Context, ns string, entries []Entry) error

	// Get retrieves the value at key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, ns, key string) ([]byte, error)

	// Delete removes the value at key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, ns, key string) error

	// Keys returns every key in ns. A missing namespace has no keys.
	Keys(ctx context.Context, ns string) ([]string, error)

	// Namespaces returns every namespace that has been written to and not
	// dropped since.
	Namespaces(ctx context.Context) ([]string, error)

	// DropNamespace removes ns and all of its keys. Idempotent.
	DropNamespace(ctx context.Context, ns string) error

	// Close releases resources held by the backend.
	Close() error
}
