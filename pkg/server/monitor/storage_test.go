package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nicktill/tinyapm/pkg/storage/memory"
)

func TestStorageMonitor_DirUsage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "000001.vlog"), []byte("test data"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m := NewStorageMonitor(DirSize(dir), 1<<30, time.Minute)
	usage, err := m.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.UsedBytes < 9 {
		t.Errorf("UsedBytes = %d, want at least 9", usage.UsedBytes)
	}
	if usage.MaxBytes != 1<<30 {
		t.Errorf("MaxBytes = %d, want %d", usage.MaxBytes, 1<<30)
	}
}

func TestStorageMonitor_CachesWithinTTL(t *testing.T) {
	calls := 0
	m := NewStorageMonitor(func(context.Context) (int64, error) {
		calls++
		return int64(calls * 100), nil
	}, 0, time.Hour)

	first, _ := m.Usage(context.Background())
	second, _ := m.Usage(context.Background())
	if calls != 1 || first != second {
		t.Errorf("expected one measurement, got %d calls (%v, %v)", calls, first, second)
	}
}

func TestStorageMonitor_RefreshesAfterTTL(t *testing.T) {
	calls := 0
	m := NewStorageMonitor(func(context.Context) (int64, error) {
		calls++
		return 1, nil
	}, 0, 0)

	m.Usage(context.Background())
	m.Usage(context.Background())
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestStorageMonitor_Exceeded(t *testing.T) {
	used := int64(50)
	m := NewStorageMonitor(func(context.Context) (int64, error) { return used, nil }, 100, 0)
	if m.Exceeded(context.Background()) {
		t.Error("50 of 100 bytes should not exceed the limit")
	}
	used = 100
	if !m.Exceeded(context.Background()) {
		t.Error("100 of 100 bytes should exceed the limit")
	}

	unlimited := NewStorageMonitor(func(context.Context) (int64, error) { return 1 << 40, nil }, 0, 0)
	if unlimited.Exceeded(context.Background()) {
		t.Error("a zero limit should never be exceeded")
	}

	failing := NewStorageMonitor(func(context.Context) (int64, error) { return 0, errors.New("walk failed") }, 1, 0)
	if failing.Exceeded(context.Background()) {
		t.Error("measurement errors should not block ingestion")
	}
}

func TestStorageMonitor_InvalidDir(t *testing.T) {
	m := NewStorageMonitor(DirSize("/nonexistent/path/12345"), 1, time.Minute)
	if _, err := m.Usage(context.Background()); err == nil {
		t.Error("Usage should fail for a missing directory")
	}
}

func TestBackendSize(t *testing.T) {
	b := memory.New()
	b.Keyspace("t", 0).Set(context.Background(), "k", []byte("value"))

	size, err := BackendSize(b)(context.Background())
	if err != nil {
		t.Fatalf("BackendSize failed: %v", err)
	}
	if size <= 0 {
		t.Errorf("size = %d, want > 0", size)
	}
}
