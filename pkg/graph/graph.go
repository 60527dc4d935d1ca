// Package graph routes events between the workers of the analysis pipeline.
//
// Every worker is registered under a static WorkerID together with a factory
// closure and a bounded queue. Dispatch never blocks: a full queue is reported
// as ErrBackpressure. Each worker instance owns one goroutine, so events
// dispatched to the same instance are handled one at a time in arrival order.
// Workers forward derived events to the downstream ids they declared at
// registration; the resulting graph must be acyclic.
package graph

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultQueueCapacity is the queue size used when Register is given zero.
const DefaultQueueCapacity = 1024

// DefaultFlushInterval is how often Flusher workers are flushed.
const DefaultFlushInterval = 10 * time.Second

var (
	ErrBackpressure      = errors.New("graph: worker queue full")
	ErrDuplicateWorkerID = errors.New("graph: duplicate worker id")
	ErrCycle             = errors.New("graph: worker graph has a cycle")
	ErrUnknownWorker     = errors.New("graph: unknown worker id")
	ErrStopped           = errors.New("graph: dispatcher stopped")
	ErrStarted           = errors.New("graph: dispatcher already started")
)

// WorkerID identifies a worker. Ids are assigned statically and are unique
// within a process.
type WorkerID int

// Worker handles the events dispatched to it. OnWork is never called
// concurrently for the same instance.
type Worker interface {
	OnWork(ctx context.Context, event any) error
}

// Flusher is implemented by workers that hold state between events. Flush is
// called on the dispatcher's ticker, on demand, and once more when the
// worker's queue is drained at shutdown.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Drainer is implemented by workers that hold records for downstream workers
// between flushes. Drain is called after the final flush at shutdown, while
// downstream workers are still running, and keeps handing records off until
// none are left or ctx is done. It returns the number of records it gave up
// on; the dispatcher counts them as dropped.
type Drainer interface {
	Drain(ctx context.Context) (lost int, err error)
}

// Retry calls try until it reports true or ctx is done, backing off between
// attempts so downstream queues get room.
func Retry(ctx context.Context, try func() bool) error {
	wait := time.Millisecond
	for !try() {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(2*wait, maxRetryWait)
	}
	return nil
}

const maxRetryWait = 50 * time.Millisecond

// Emitter sends events to other workers.
type Emitter interface {
	Dispatch(id WorkerID, event any) error
}

// Env is what a Factory receives to build one worker instance.
type Env struct {
	ID       WorkerID
	Name     string
	Instance int
	// Emit only accepts the downstream ids declared at registration.
	Emit   Emitter
	Logger *slog.Logger
}

// Factory builds a worker instance. It runs once per instance at Start.
type Factory func(env Env) (Worker, error)

// Option customises a registration.
type Option func(*registration)

// WithDownstream declares the workers this worker may dispatch to.
func WithDownstream(ids ...WorkerID) Option {
	return func(r *registration) {
		r.downstream = append(r.downstream, ids...)
	}
}

// WithInstances runs n instances of the worker, each with its own queue and
// goroutine. shardKey picks the instance for an event, so events with the same
// key keep their relative order.
func WithInstances(n int, shardKey func(event any) string) Option {
	return func(r *registration) {
		if n > 1 && shardKey != nil {
			r.instanceCount = n
			r.shardKey = shardKey
		}
	}
}

// WorkerStatus is a point-in-time view of one worker, used by health checks.
type WorkerStatus struct {
	ID             WorkerID  `json:"id"`
	Name           string    `json:"name"`
	Instances      int       `json:"instances"`
	QueueDepth     int       `json:"queue_depth"`
	QueueCapacity  int       `json:"queue_capacity"`
	LastFlush      time.Time `json:"last_flush,omitempty"`
	LastFlushError string    `json:"last_flush_error,omitempty"`
}
