// Package store defines the capability contract between the engine and
// pluggable state-store implementations. The engine never looks inside a
// store; it only registers it, feeds it changelog records during
// restoration, and drives flush/close.
package store

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when the key is absent. Callers must
// treat it as a normal condition, not a failure.
var ErrKeyNotFound = errors.New("store: key not found")

// Store is the minimal capability set a state-store engine exposes.
type Store interface {
	// Name returns the store name, unique within a task.
	Name() string

	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores a key/value pair. A nil value is a tombstone and
	// deletes the key; changelog replay relies on this.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Flush persists any buffered writes.
	Flush(ctx context.Context) error

	// Close releases the store's resources. No calls are valid afterwards.
	Close() error

	// Persistent reports whether the store survives a process restart.
	// Only persistent stores are checkpointed; in-memory stores must
	// replay their changelog from the beginning.
	Persistent() bool

	// Timestamped reports whether the store persists a record timestamp
	// alongside each value. Timestamped stores get the
	// timestamp-prefixing record converter during restoration.
	Timestamped() bool
}
