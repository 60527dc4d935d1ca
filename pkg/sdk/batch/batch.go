package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyapm/pkg/sdk/transport"
)

// SendFunc delivers one batch.
type SendFunc[T any] func(ctx context.Context, items []T) error

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	// MaxPending bounds the buffer while the collector pushes back. The
	// oldest items are dropped beyond it.
	MaxPending  int
	SendTimeout time.Duration
}

// Batcher buffers items and sends them in batches, either when MaxBatchSize
// is reached or every FlushEvery.
type Batcher[T any] struct {
	config Config
	send   SendFunc[T]

	items   []T
	mu      sync.Mutex
	dropped atomic.Int64
	// notBefore holds the UnixNano time before which the collector asked
	// not to be called again.
	notBefore atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushing atomic.Bool // one flush at a time
}

// New creates a new batcher
func New[T any](send SendFunc[T], config Config) *Batcher[T] {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	if config.MaxPending < config.MaxBatchSize {
		config.MaxPending = 10 * config.MaxBatchSize
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	return &Batcher[T]{
		config: config,
		send:   send,
		items:  make([]T, 0, config.MaxBatchSize),
		ctx:    context.Background(),
		done:   make(chan struct{}),
	}
}

// Start starts the flush loop.
func (b *Batcher[T]) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

// Add buffers an item and triggers a flush once a batch is full.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.items = append(b.items, item)
	if over := len(b.items) - b.config.MaxPending; over > 0 {
		b.items = append(b.items[:0], b.items[over:]...)
		b.dropped.Add(int64(over))
	}
	shouldFlush := len(b.items) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			defer b.flushing.Store(false)
			_ = b.flushAll(b.ctx)
		}()
	}
}

// Pending returns the number of buffered items.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns how many items were discarded because the buffer was full.
func (b *Batcher[T]) Dropped() int64 { return b.dropped.Load() }

// Flush sends every buffered item now, ignoring any pending Retry-After.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.notBefore.Store(0)
	return b.flushAll(ctx)
}

// Stop stops the flush loop and sends what is left.
func (b *Batcher[T]) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}

	return b.Flush(context.Background())
}

func (b *Batcher[T]) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				_ = b.flushAll(b.ctx)
				b.flushing.Store(false)
			}
		}
	}
}

// flushAll sends full batches until the buffer is empty or the collector
// pushes back.
func (b *Batcher[T]) flushAll(ctx context.Context) error {
	for {
		if time.Now().UnixNano() < b.notBefore.Load() {
			return nil
		}

		b.mu.Lock()
		n := min(len(b.items), b.config.MaxBatchSize)
		if n == 0 {
			b.mu.Unlock()
			return nil
		}
		batch := make([]T, n)
		copy(batch, b.items[:n])
		b.items = append(b.items[:0], b.items[n:]...)
		b.mu.Unlock()

		if err := b.sendBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// sendBatch sends one batch. The unaccepted tail of a retryable rejection
// goes back to the front of the buffer.
func (b *Batcher[T]) sendBatch(parent context.Context, batch []T) error {
	ctx, cancel := context.WithTimeout(parent, b.config.SendTimeout)
	defer cancel()

	err := b.send(ctx, batch)
	if err == nil {
		return nil
	}

	var rejected *transport.RejectedError
	if !errors.As(err, &rejected) || !rejected.Retryable() {
		return err
	}

	accepted := min(max(rejected.Accepted, 0), len(batch))
	rest := batch[accepted:]
	b.mu.Lock()
	b.items = append(rest, b.items...)
	if over := len(b.items) - b.config.MaxPending; over > 0 {
		b.items = append(b.items[:0], b.items[over:]...)
		b.dropped.Add(int64(over))
	}
	b.mu.Unlock()
	b.notBefore.Store(time.Now().Add(rejected.RetryAfter).UnixNano())
	return err
}
