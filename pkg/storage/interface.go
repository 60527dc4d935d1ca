package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("storage: not found")

// KV is a named keyspace of a storage backend. Implementations must be safe
// for concurrent use; writes to a single key are atomic.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan calls fn for every key with the given prefix in key order until fn
	// returns false or an error.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) (bool, error)) error
}

// Backend is a storage engine hosting any number of keyspaces.
// Implementations: memory (testing), badger (production)
type Backend interface {
	// Keyspace opens the keyspace called name. Values written through it
	// expire after ttl (0 = never) on backends that support expiry.
	Keyspace(name string, ttl time.Duration) KV

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Stats provides storage health and usage info
type Stats struct {
	// Total keys stored across all keyspaces
	TotalKeys uint64 `json:"total_keys"`

	// Keys per keyspace
	Keyspaces map[string]uint64 `json:"keyspaces"`

	// Storage size in bytes (estimated for memory)
	SizeBytes uint64 `json:"size_bytes"`
}
