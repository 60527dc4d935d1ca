package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinyapm/pkg/storage"
)

const keySeparator = "/"

// Storage implements storage.Backend using BadgerDB (LSM tree). Every keyspace
// shares the database; keys are prefixed with the keyspace name.
type Storage struct {
	db *badger.DB

	mu        sync.Mutex
	keyspaces map[string]*keyspace
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// 16 MB memtable is the floor below which flushes dominate
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = max(cfg.MaxMemoryMB*1024*1024/3, memTableSize)
	}

	// Block and index caches are unbounded unless sized explicitly
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db, keyspaces: make(map[string]*keyspace)}, nil
}

// Keyspace returns the keyspace called name. The ttl of the first call wins.
func (s *Storage) Keyspace(name string, ttl time.Duration) storage.KV {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.keyspaces[name]
	if !ok {
		ks = &keyspace{db: s.db, prefix: name + keySeparator, ttl: ttl}
		s.keyspaces[name] = ks
	}
	return ks
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: rewrite a file if this fraction of it can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when nothing needed collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
// Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &storage.Stats{Keyspaces: make(map[string]uint64)}
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				key := string(it.Item().Key())
				name, _, _ := strings.Cut(key, keySeparator)
				stats.Keyspaces[name]++
				stats.TotalKeys++
			}
			return nil
		})
		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

type keyspace struct {
	db     *badger.DB
	prefix string
	ttl    time.Duration
}

func (k *keyspace) key(key string) []byte {
	return []byte(k.prefix + key)
}

func (k *keyspace) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	return value, err
}

// Set writes value under key, applying the keyspace TTL.
// Enforces context timeout/cancellation to prevent indefinite blocking
func (k *keyspace) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- k.db.Update(func(txn *badger.Txn) error {
			entry := badger.NewEntry(k.key(key), value)
			if k.ttl > 0 {
				entry = entry.WithTTL(k.ttl)
			}
			return txn.SetEntry(entry)
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

func (k *keyspace) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k.key(key))
	})
}

// Scan iterates keys under prefix in order. Values are copied before fn runs
// so fn may write to the database.
func (k *keyspace) Scan(ctx context.Context, prefix string, fn func(string, []byte) (bool, error)) error {
	type entry struct {
		key   string
		value []byte
	}

	var entries []entry
	full := k.key(prefix)
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = full

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			iterCount++
			// Check for cancellation every 1000 iterations
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, entry{
				key:   strings.TrimPrefix(string(item.Key()), k.prefix),
				value: value,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		more, err := fn(e.key, e.value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
