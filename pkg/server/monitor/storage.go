// Package monitor tracks storage usage and the health of background tasks for
// the health and storage endpoints.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/storage"
)

// SizeFunc measures how many bytes the store currently occupies.
type SizeFunc func(ctx context.Context) (int64, error)

// DirSize measures the disk usage of every file under dir.
func DirSize(dir string) SizeFunc {
	return func(context.Context) (int64, error) {
		return calculateDirSize(dir)
	}
}

// BackendSize asks the backend for its own size estimate. Used for backends
// without a data directory.
func BackendSize(b storage.Backend) SizeFunc {
	return func(ctx context.Context) (int64, error) {
		stats, err := b.Stats(ctx)
		if err != nil {
			return 0, err
		}
		return int64(stats.SizeBytes), nil
	}
}

// Usage is the storage usage report.
type Usage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// StorageMonitor caches storage usage so the ingest path can check the limit
// without walking the data directory on every request.
type StorageMonitor struct {
	size     SizeFunc
	maxBytes int64
	ttl      time.Duration

	mu          sync.Mutex
	cachedUsage int64
	lastCheck   time.Time
}

// NewStorageMonitor returns a monitor measuring with size and refreshing at
// most once per ttl. maxBytes <= 0 disables the limit.
func NewStorageMonitor(size SizeFunc, maxBytes int64, ttl time.Duration) *StorageMonitor {
	return &StorageMonitor{size: size, maxBytes: maxBytes, ttl: ttl}
}

// Usage returns the current usage, refreshed when the cached value is older
// than the ttl.
func (m *StorageMonitor) Usage(ctx context.Context) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastCheck.IsZero() || time.Since(m.lastCheck) >= m.ttl {
		used, err := m.size(ctx)
		if err != nil {
			return Usage{}, err
		}
		m.cachedUsage = used
		m.lastCheck = time.Now()
	}
	return Usage{UsedBytes: m.cachedUsage, MaxBytes: m.maxBytes}, nil
}

// Exceeded reports whether usage is at or over the limit. Measurement errors
// do not block ingestion.
func (m *StorageMonitor) Exceeded(ctx context.Context) bool {
	if m.maxBytes <= 0 {
		return false
	}
	usage, err := m.Usage(ctx)
	if err != nil {
		return false
	}
	return usage.UsedBytes >= m.maxBytes
}

// calculateDirSize sums the allocated size of every file under path, so
// sparse badger value logs are not over-counted.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if actual, err := allocatedSize(filePath, info); err == nil {
			size += actual
		} else {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
