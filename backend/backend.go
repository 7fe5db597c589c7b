// Package backend provides the persistent key-value stores behind the resource cache.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when a write would exceed the store's capacity.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Store is a string-keyed persistent store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value stored at key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key, overwriting any existing value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes the value at key.
	// Returns nil if the key does not exist (idempotent).
	Remove(ctx context.Context, key string) error

	// ListKeys returns every key currently held by the store.
	ListKeys(ctx context.Context) ([]string, error)
}

// Closer is implemented by stores holding resources such as file handles.
type Closer interface {
	Close() error
}

// Close releases the store if it implements Closer.
func Close(s Store) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}
