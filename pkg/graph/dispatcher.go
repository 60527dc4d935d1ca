package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/tinyapm/pkg/logging"
	"github.com/nicktill/tinyapm/pkg/metrics"
)

// Config controls a Dispatcher.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Dispatcher owns the worker registry and the worker goroutines.
type Dispatcher struct {
	flushInterval time.Duration
	logger        *slog.Logger

	mu       sync.RWMutex
	regs     map[WorkerID]*registration
	order    []WorkerID // registration order
	topo     []*registration
	started  bool
	stopping bool

	runCtx  context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool
	dropped atomic.Int64
}

type registration struct {
	id            WorkerID
	name          string
	factory       Factory
	capacity      int
	downstream    []WorkerID
	instanceCount int
	shardKey      func(event any) string

	instances []*instance
	closed    bool
	wg        sync.WaitGroup
}

type instance struct {
	reg      *registration
	index    int
	label    string
	worker   Worker
	logger   *slog.Logger
	queue    chan any
	flushReq chan chan error
	done     chan struct{}

	statusMu  sync.Mutex
	lastFlush time.Time
	lastErr   error
}

// New creates an empty Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Dispatcher{
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		regs:          make(map[WorkerID]*registration),
	}
}

// Register adds a worker under id. capacity <= 0 selects
// DefaultQueueCapacity. Events may be dispatched to a registered worker before
// Start; they wait in its queue.
func (d *Dispatcher) Register(id WorkerID, name string, factory Factory, capacity int, opts ...Option) error {
	if factory == nil {
		return fmt.Errorf("graph: worker %d: nil factory", id)
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopping {
		return ErrStarted
	}
	if existing, ok := d.regs[id]; ok {
		return fmt.Errorf("%w: %d already registered as %s", ErrDuplicateWorkerID, id, existing.name)
	}

	reg := &registration{
		id:            id,
		name:          name,
		factory:       factory,
		capacity:      capacity,
		instanceCount: 1,
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.name == "" {
		reg.name = "worker-" + strconv.Itoa(int(id))
	}

	for i := 0; i < reg.instanceCount; i++ {
		reg.instances = append(reg.instances, &instance{
			reg:      reg,
			index:    i,
			label:    strconv.Itoa(i),
			queue:    make(chan any, capacity),
			flushReq: make(chan chan error),
			done:     make(chan struct{}),
		})
	}

	d.regs[id] = reg
	d.order = append(d.order, id)
	return nil
}

// Start validates the worker graph, builds every worker instance and starts
// their goroutines. Workers keep running after ctx is cancelled; use Shutdown
// to stop them.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopping {
		return ErrStarted
	}

	topo, err := d.sortLocked()
	if err != nil {
		return err
	}

	for _, reg := range topo {
		for _, inst := range reg.instances {
			log := d.logger.With("worker_id", int(reg.id), "worker", reg.name, "instance", inst.index)
			w, err := reg.factory(Env{
				ID:       reg.id,
				Name:     reg.name,
				Instance: inst.index,
				Emit:     &emitter{d: d, from: reg},
				Logger:   log,
			})
			if err != nil {
				return fmt.Errorf("graph: build worker %s: %w", reg.name, err)
			}
			inst.worker = w
			inst.logger = log
		}
	}

	d.runCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.topo = topo
	d.started = true

	for _, reg := range topo {
		for _, inst := range reg.instances {
			reg.wg.Add(1)
			go d.run(inst)
		}
	}

	d.logger.Info("Dispatcher started", "workers", len(topo), "flush_interval", d.flushInterval)
	return nil
}

// sortLocked returns the registrations upstream-first, or ErrCycle /
// ErrUnknownWorker when the declared downstream edges are invalid.
func (d *Dispatcher) sortLocked() ([]*registration, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[WorkerID]int, len(d.regs))
	post := make([]*registration, 0, len(d.regs))

	var visit func(reg *registration, path []string) error
	visit = func(reg *registration, path []string) error {
		switch state[reg.id] {
		case visiting:
			return fmt.Errorf("%w: %v", ErrCycle, append(path, reg.name))
		case visited:
			return nil
		}
		state[reg.id] = visiting
		for _, next := range reg.downstream {
			nreg, ok := d.regs[next]
			if !ok {
				return fmt.Errorf("%w: %s declares downstream %d", ErrUnknownWorker, reg.name, next)
			}
			if err := visit(nreg, append(path, reg.name)); err != nil {
				return err
			}
		}
		state[reg.id] = visited
		post = append(post, reg)
		return nil
	}

	for _, id := range d.order {
		if err := visit(d.regs[id], nil); err != nil {
			return nil, err
		}
	}

	// reverse postorder puts every worker before its downstream
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post, nil
}

// Dispatch queues event for worker id without blocking.
func (d *Dispatcher) Dispatch(id WorkerID, event any) error {
	return d.dispatch(id, event, false)
}

func (d *Dispatcher) dispatch(id WorkerID, event any, internal bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	reg, ok := d.regs[id]
	if !ok {
		metrics.DispatchRejected(strconv.Itoa(int(id)), metrics.ReasonUnknown)
		return fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	// Workers keep forwarding downstream while the dispatcher drains.
	if reg.closed || (d.stopping && !internal) {
		metrics.DispatchRejected(reg.name, metrics.ReasonStopped)
		return ErrStopped
	}

	inst := reg.pick(event)
	select {
	case inst.queue <- event:
		metrics.EventDispatched(reg.name)
		return nil
	default:
		metrics.DispatchRejected(reg.name, metrics.ReasonBackpressure)
		return fmt.Errorf("%w: %s", ErrBackpressure, reg.name)
	}
}

// Route addresses one event to one worker.
type Route struct {
	ID    WorkerID
	Event any
}

// DispatchAll queues every routed event or none of them. It returns
// ErrBackpressure when any target queue lacks room for its share.
func (d *Dispatcher) DispatchAll(routes []Route) error {
	// The exclusive lock keeps other producers out between the capacity
	// check and the sends, so the sends below cannot block.
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return ErrStopped
	}

	targets := make([]*instance, len(routes))
	need := make(map[*instance]int, len(routes))
	for i, r := range routes {
		reg, ok := d.regs[r.ID]
		if !ok {
			metrics.DispatchRejected(strconv.Itoa(int(r.ID)), metrics.ReasonUnknown)
			return fmt.Errorf("%w: %d", ErrUnknownWorker, r.ID)
		}
		if reg.closed {
			return ErrStopped
		}
		inst := reg.pick(r.Event)
		targets[i] = inst
		need[inst]++
	}
	for inst, n := range need {
		if cap(inst.queue)-len(inst.queue) < n {
			metrics.DispatchRejected(inst.reg.name, metrics.ReasonBackpressure)
			return fmt.Errorf("%w: %s", ErrBackpressure, inst.reg.name)
		}
	}

	for i, r := range routes {
		targets[i].queue <- r.Event
		metrics.EventDispatched(targets[i].reg.name)
	}
	return nil
}

func (r *registration) pick(event any) *instance {
	if len(r.instances) == 1 {
		return r.instances[0]
	}
	h := xxhash.Sum64String(r.shardKey(event))
	return r.instances[h%uint64(len(r.instances))]
}

type emitter struct {
	d    *Dispatcher
	from *registration
}

func (e *emitter) Dispatch(id WorkerID, event any) error {
	for _, allowed := range e.from.downstream {
		if allowed == id {
			return e.d.dispatch(id, event, true)
		}
	}
	return fmt.Errorf("%w: %s did not declare downstream %d", ErrUnknownWorker, e.from.name, id)
}

func (d *Dispatcher) run(inst *instance) {
	defer inst.reg.wg.Done()
	defer close(inst.done)

	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-inst.queue:
			if !ok {
				d.flush(inst)
				d.drain(inst)
				return
			}
			d.process(inst, ev)

		case <-ticker.C:
			d.flush(inst)
			metrics.SetQueueDepth(inst.reg.name, inst.label, len(inst.queue))

		case reply := <-inst.flushReq:
			open := d.drainQueued(inst)
			reply <- d.flush(inst)
			if !open {
				d.drain(inst)
				return
			}
		}
	}
}

// drainQueued handles the events already waiting in the queue. It reports
// false once the queue has been closed and emptied.
func (d *Dispatcher) drainQueued(inst *instance) bool {
	for {
		select {
		case ev, ok := <-inst.queue:
			if !ok {
				return false
			}
			d.process(inst, ev)
		default:
			return true
		}
	}
}

func (d *Dispatcher) process(inst *instance, ev any) {
	if d.aborted.Load() {
		d.dropped.Add(1)
		return
	}
	err := inst.worker.OnWork(d.runCtx, ev)
	metrics.EventProcessed(inst.reg.name, err)
	if err != nil {
		inst.logger.Warn("Worker failed to handle event", "error", err)
	}
}

func (d *Dispatcher) flush(inst *instance) error {
	f, ok := inst.worker.(Flusher)
	if !ok || d.aborted.Load() {
		return nil
	}
	err := f.Flush(d.runCtx)

	inst.statusMu.Lock()
	inst.lastFlush = time.Now()
	inst.lastErr = err
	inst.statusMu.Unlock()

	if err != nil {
		inst.logger.Warn("Worker flush failed", "error", err)
	}
	return err
}

// drain lets a Drainer hand off what it still holds for downstream workers.
func (d *Dispatcher) drain(inst *instance) {
	dr, ok := inst.worker.(Drainer)
	if !ok {
		return
	}
	lost, err := dr.Drain(d.runCtx)
	if lost > 0 {
		d.dropped.Add(int64(lost))
		inst.logger.Warn("Worker stopped with undelivered records", "records", lost, "error", err)
	}
}

// Flush asks every worker instance, upstream first, to handle what is already
// queued and then flush. It returns the first flush error.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.RLock()
	if !d.started {
		d.mu.RUnlock()
		return ErrStopped
	}
	topo := d.topo
	d.mu.RUnlock()

	var firstErr error
	for _, reg := range topo {
		for _, inst := range reg.instances {
			reply := make(chan error, 1)
			select {
			case inst.flushReq <- reply:
			case <-inst.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case err := <-reply:
				if err != nil && firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", reg.name, err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return firstErr
}

// Shutdown stops accepting external events and drains the workers upstream
// first, flushing each one after its queue empties. If ctx expires first, the
// remaining queued events are dropped without being handled, in-flight storage
// calls are cancelled, and the number of dropped events is returned together
// with the context error. Records a Drainer could not hand downstream count as
// dropped too.
func (d *Dispatcher) Shutdown(ctx context.Context) (dropped int64, err error) {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return 0, ErrStopped
	}
	d.stopping = true
	if !d.started {
		var n int64
		for _, reg := range d.regs {
			reg.closed = true
			for _, inst := range reg.instances {
				n += int64(len(inst.queue))
			}
		}
		d.mu.Unlock()
		metrics.EventsDropped(n)
		return n, nil
	}
	topo := d.topo
	d.mu.Unlock()

	aborted := false
	for _, reg := range topo {
		d.mu.Lock()
		reg.closed = true
		for _, inst := range reg.instances {
			close(inst.queue)
		}
		d.mu.Unlock()

		done := make(chan struct{})
		go func() {
			reg.wg.Wait()
			close(done)
		}()

		if aborted {
			<-done
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			aborted = true
			d.aborted.Store(true)
			d.cancel()
			<-done
		}
	}
	d.cancel()

	dropped = d.dropped.Load()
	metrics.EventsDropped(dropped)
	if aborted {
		d.logger.Warn("Dispatcher forced shutdown", "dropped_events", dropped)
		return dropped, fmt.Errorf("graph: forced shutdown: %w", ctx.Err())
	}
	d.logger.Info("Dispatcher drained")
	return dropped, nil
}

// Status reports queue depth and flush state per worker, in registration order.
func (d *Dispatcher) Status() []WorkerStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(d.order))
	for _, id := range d.order {
		reg := d.regs[id]
		st := WorkerStatus{
			ID:            reg.id,
			Name:          reg.name,
			Instances:     len(reg.instances),
			QueueCapacity: reg.capacity * len(reg.instances),
		}
		for _, inst := range reg.instances {
			st.QueueDepth += len(inst.queue)

			inst.statusMu.Lock()
			if inst.lastFlush.After(st.LastFlush) {
				st.LastFlush = inst.lastFlush
			}
			if inst.lastErr != nil {
				st.LastFlushError = inst.lastErr.Error()
			}
			inst.statusMu.Unlock()
		}
		out = append(out, st)
	}
	return out
}
