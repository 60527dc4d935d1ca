package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/storage"
)

// Storage keeps every keyspace in memory. Data is lost on restart. Expired
// values are hidden from reads and removed lazily. Useful for testing and
// development.
type Storage struct {
	mu        sync.RWMutex
	keyspaces map[string]*keyspace
	now       func() time.Time
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{keyspaces: make(map[string]*keyspace), now: time.Now}
}

// Keyspace returns the keyspace called name, creating it on first use. The
// ttl given on first use applies to every later write.
func (s *Storage) Keyspace(name string, ttl time.Duration) storage.KV {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.keyspaces[name]
	if !ok {
		ks = &keyspace{data: make(map[string]item), ttl: ttl, now: s.now}
		s.keyspaces[name] = ks
	}
	return ks
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{Keyspaces: make(map[string]uint64, len(s.keyspaces))}
	for name, ks := range s.keyspaces {
		ks.mu.RLock()
		now := ks.now()
		var n uint64
		for k, it := range ks.data {
			if it.expired(now) {
				continue
			}
			n++
			stats.SizeBytes += uint64(len(k) + len(it.value))
		}
		ks.mu.RUnlock()

		stats.Keyspaces[name] = n
		stats.TotalKeys += n
	}
	return stats, nil
}

type item struct {
	value     []byte
	expiresAt time.Time // zero = never
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

type keyspace struct {
	mu   sync.RWMutex
	data map[string]item
	ttl  time.Duration
	now  func() time.Time
}

func (k *keyspace) Get(ctx context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	it, ok := k.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if it.expired(k.now()) {
		delete(k.data, key)
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

func (k *keyspace) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	it := item{value: append([]byte(nil), value...)}
	if k.ttl > 0 {
		it.expiresAt = k.now().Add(k.ttl)
	}
	k.data[key] = it
	return nil
}

func (k *keyspace) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.data, key)
	return nil
}

// Scan snapshots matching entries first so fn may write to the keyspace.
func (k *keyspace) Scan(ctx context.Context, prefix string, fn func(string, []byte) (bool, error)) error {
	k.mu.RLock()
	now := k.now()
	keys := make([]string, 0, len(k.data))
	for key, it := range k.data {
		if strings.HasPrefix(key, prefix) && !it.expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = append([]byte(nil), k.data[key].value...)
	}
	k.mu.RUnlock()

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := fn(key, values[i])
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
