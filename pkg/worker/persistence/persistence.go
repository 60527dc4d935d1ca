// Package persistence implements the merge-on-write worker that aggregates
// metric deltas in memory and periodically writes them to storage.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/logging"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// DefaultMaxWorkingSet bounds the records a worker holds between flushes.
const DefaultMaxWorkingSet = 100000

// ErrWorkingSetFull is returned when a delta for a new key arrives while the
// working set is at its limit and an inline flush could not make room.
var ErrWorkingSetFull = errors.New("persistence: working set full")

// Record is an aggregate that can absorb deltas of its own type.
// Merge must be commutative and associative.
type Record[T any] interface {
	Key() string
	Merge(delta T)
	Clone() T
}

// Config describes one merge worker.
type Config[T Record[T]] struct {
	Name string
	DAO  storage.PersistenceDAO[T]
	// NeedMergeDBData makes the first delta of a key absorb the stored record,
	// so a bucket that outlives one flush keeps accumulating. Workers whose
	// records are complete on their own leave it false and overwrite.
	NeedMergeDBData bool
	// Downstream receives every flushed record.
	Downstream    []graph.WorkerID
	MaxWorkingSet int
}

type entry[T any] struct {
	rec T
	// reconcile marks a record whose stored state could not be read yet.
	reconcile bool
}

type forward[T any] struct {
	rec T
	to  graph.WorkerID
}

// Worker is the merge-persistence worker. It is driven by a single goroutine
// of the dispatcher and is not safe for concurrent use.
type Worker[T Record[T]] struct {
	cfg    Config[T]
	emit   graph.Emitter
	logger *slog.Logger

	held    map[string]*entry[T]
	pending []forward[T]
}

// New builds a worker. emit may be nil when Downstream is empty.
func New[T Record[T]](cfg Config[T], emit graph.Emitter, logger *slog.Logger) *Worker[T] {
	if cfg.MaxWorkingSet <= 0 {
		cfg.MaxWorkingSet = DefaultMaxWorkingSet
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker[T]{
		cfg:    cfg,
		emit:   emit,
		logger: logger,
		held:   make(map[string]*entry[T]),
	}
}

// Factory adapts cfg to the dispatcher's registration table.
func Factory[T Record[T]](cfg Config[T]) graph.Factory {
	return func(env graph.Env) (graph.Worker, error) {
		if cfg.DAO == nil {
			return nil, fmt.Errorf("persistence: %s: no DAO", env.Name)
		}
		if cfg.Name == "" {
			cfg.Name = env.Name
		}
		return New(cfg, env.Emit, env.Logger), nil
	}
}

// ShardKey routes deltas of the same record to the same worker instance.
func ShardKey[T Record[T]](event any) string {
	if rec, ok := event.(T); ok {
		return rec.Key()
	}
	return ""
}

// OnWork accepts one delta.
func (w *Worker[T]) OnWork(ctx context.Context, event any) error {
	delta, ok := event.(T)
	if !ok {
		return fmt.Errorf("persistence: %s: unexpected event %T", w.cfg.Name, event)
	}
	return w.Accept(ctx, delta)
}

// Accept merges delta into the working set.
func (w *Worker[T]) Accept(ctx context.Context, delta T) error {
	key := delta.Key()
	if e, ok := w.held[key]; ok {
		e.rec.Merge(delta)
		return nil
	}

	if len(w.held) >= w.cfg.MaxWorkingSet {
		if err := w.Flush(ctx); err != nil {
			w.logger.Warn("Inline flush failed", "error", err)
		}
		if len(w.held) >= w.cfg.MaxWorkingSet {
			return fmt.Errorf("%w: %s holds %d records", ErrWorkingSetFull, w.cfg.Name, len(w.held))
		}
	}

	e := &entry[T]{rec: delta.Clone()}
	if w.cfg.NeedMergeDBData {
		stored, err := w.cfg.DAO.Get(ctx, key)
		switch {
		case err == nil:
			stored.Merge(e.rec)
			e.rec = stored
		case errors.Is(err, storage.ErrNotFound):
		default:
			// Keep the delta and fold the stored record in at flush.
			e.reconcile = true
			metrics.PersistFailed(w.cfg.Name, "read")
			w.logger.Warn("Failed to read stored record", "key", key, "error", err)
		}
	}

	w.held[key] = e
	metrics.SetWorkingSet(w.cfg.Name, len(w.held))
	return nil
}

// Flush upserts every held record. Records that fail stay held and are
// retried on the next flush; the rest are evicted and forwarded downstream.
// Upserts write the full aggregate, so retrying a record is idempotent.
func (w *Worker[T]) Flush(ctx context.Context) error {
	if len(w.held) == 0 && len(w.pending) == 0 {
		return nil
	}
	start := time.Now()

	var result *multierror.Error
	flushed := 0
	for key, e := range w.held {
		if e.reconcile {
			stored, err := w.cfg.DAO.Get(ctx, key)
			switch {
			case err == nil:
				stored.Merge(e.rec)
				e.rec = stored
				e.reconcile = false
			case errors.Is(err, storage.ErrNotFound):
				e.reconcile = false
			default:
				metrics.PersistFailed(w.cfg.Name, "read")
				result = multierror.Append(result, fmt.Errorf("read %s: %w", key, err))
				continue
			}
		}

		if err := w.cfg.DAO.Upsert(ctx, e.rec); err != nil {
			metrics.PersistFailed(w.cfg.Name, "upsert")
			result = multierror.Append(result, fmt.Errorf("upsert %s: %w", key, err))
			continue
		}

		delete(w.held, key)
		flushed++
		for _, to := range w.cfg.Downstream {
			w.pending = append(w.pending, forward[T]{rec: e.rec, to: to})
		}
	}

	w.forwardPending()

	metrics.ObserveFlush(w.cfg.Name, time.Since(start), flushed)
	metrics.SetWorkingSet(w.cfg.Name, len(w.held))

	if err := result.ErrorOrNil(); err != nil {
		w.logger.Warn("Flush incomplete", "flushed", flushed, "retained", len(w.held), "error", err)
		return err
	}
	if flushed > 0 {
		w.logger.Debug("Flushed working set", "records", flushed)
	}
	return nil
}

// forwardPending hands flushed records to downstream workers. Records refused
// with backpressure are kept for the next flush, up to MaxWorkingSet. It
// returns the number of records dropped.
func (w *Worker[T]) forwardPending() int {
	if len(w.pending) == 0 {
		return 0
	}
	lost := 0
	kept := w.pending[:0]
	for _, f := range w.pending {
		err := w.emit.Dispatch(f.to, f.rec)
		switch {
		case err == nil:
		case errors.Is(err, graph.ErrBackpressure):
			kept = append(kept, f)
		default:
			lost++
			w.logger.Warn("Dropping downstream record", "to", int(f.to), "key", f.rec.Key(), "error", err)
		}
	}

	if over := len(kept) - w.cfg.MaxWorkingSet; over > 0 {
		w.logger.Warn("Downstream backlog full, dropping oldest records", "dropped", over)
		lost += over
		kept = append([]forward[T](nil), kept[over:]...)
	} else {
		clear(w.pending[len(kept):])
	}
	w.pending = kept
	return lost
}

// Drain keeps forwarding pending records until downstream workers have taken
// them all or ctx is done. Records still held after the final flush failed to
// persist and are reported as lost along with undelivered forwards.
func (w *Worker[T]) Drain(ctx context.Context) (int, error) {
	lost := 0
	err := graph.Retry(ctx, func() bool {
		lost += w.forwardPending()
		return len(w.pending) == 0
	})
	lost += len(w.pending) + len(w.held)
	w.pending = nil
	return lost, err
}

// Len returns the number of records held.
func (w *Worker[T]) Len() int { return len(w.held) }

// Pending returns the number of flushed records waiting to be forwarded.
func (w *Worker[T]) Pending() int { return len(w.pending) }
