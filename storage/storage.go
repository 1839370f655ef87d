// Package storage defines the durable key-value backend the event queue
// persists through, plus the built-in implementations. Values are opaque
// strings; the queue owns its own serialization format.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// Store is the persistence capability injected into the queue. All methods
// are safe for concurrent use and may fail with a backend-specific error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}
