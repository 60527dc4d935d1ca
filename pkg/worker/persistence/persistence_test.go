package persistence

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
)

// flakyDAO wraps a table and fails reads or upserts of chosen keys.
type flakyDAO struct {
	table      *storage.Table[*model.Metric]
	failRead   map[string]bool
	failUpsert map[string]bool
	upserts    atomic.Int64
}

func newFlakyDAO() *flakyDAO {
	return &flakyDAO{
		table:      storage.NewTable[*model.Metric]("metric", memory.New().Keyspace("metric", 0)),
		failRead:   make(map[string]bool),
		failUpsert: make(map[string]bool),
	}
}

var errInjected = errors.New("injected failure")

func (f *flakyDAO) Get(ctx context.Context, id string) (*model.Metric, error) {
	if f.failRead[id] {
		return nil, errInjected
	}
	return f.table.Get(ctx, id)
}

func (f *flakyDAO) Upsert(ctx context.Context, m *model.Metric) error {
	if f.failUpsert[m.Key()] {
		return errInjected
	}
	f.upserts.Add(1)
	return f.table.Upsert(ctx, m)
}

type captureEmitter struct {
	sent []any
	full bool
}

func (c *captureEmitter) Dispatch(id graph.WorkerID, event any) error {
	if c.full {
		return graph.ErrBackpressure
	}
	c.sent = append(c.sent, event)
	return nil
}

func delta(calls, errs, dur int64) *model.Metric {
	return &model.Metric{
		ID:          model.MetricID(202401011200, 1, model.Caller),
		EntityID:    1,
		TimeBucket:  202401011200,
		Source:      model.Caller,
		Calls:       calls,
		ErrorCalls:  errs,
		DurationSum: dur,
	}
}

func TestWorker_MergeOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	deltas := []*model.Metric{delta(1, 0, 10), delta(5, 2, 100), delta(3, 3, 7), delta(10, 1, 55)}

	var want *model.Metric
	for trial := 0; trial < 10; trial++ {
		dao := newFlakyDAO()
		w := New(Config[*model.Metric]{Name: "t", DAO: dao, NeedMergeDBData: true}, nil, nil)

		perm := rand.Perm(len(deltas))
		for i, idx := range perm {
			if err := w.Accept(ctx, deltas[idx]); err != nil {
				t.Fatalf("Accept failed: %v", err)
			}
			// Flushing part way exercises the read-merge path.
			if i == 1 {
				if err := w.Flush(ctx); err != nil {
					t.Fatalf("Flush failed: %v", err)
				}
			}
		}
		if err := w.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}

		got, err := dao.Get(ctx, deltas[0].ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if want == nil {
			want = got
			continue
		}
		if *got != *want {
			t.Fatalf("order %v produced %+v, want %+v", perm, *got, *want)
		}
	}

	if want.Calls != 19 || want.ErrorCalls != 6 || want.DurationSum != 172 {
		t.Errorf("Unexpected totals %+v", *want)
	}
}

func TestWorker_DeltasAreNotAliased(t *testing.T) {
	ctx := context.Background()
	dao := newFlakyDAO()
	w := New(Config[*model.Metric]{Name: "t", DAO: dao}, nil, nil)

	d := delta(1, 0, 1)
	w.Accept(ctx, d)
	w.Accept(ctx, delta(1, 0, 1))

	if d.Calls != 1 {
		t.Errorf("Accept mutated the caller's delta: %+v", *d)
	}
}

func TestWorker_FlushRetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dao := newFlakyDAO()
	w := New(Config[*model.Metric]{Name: "t", DAO: dao, NeedMergeDBData: true}, nil, nil)

	d := delta(100, 60, 1000)
	dao.failUpsert[d.ID] = true
	w.Accept(ctx, d)

	if err := w.Flush(ctx); !errors.Is(err, errInjected) {
		t.Fatalf("Expected injected failure, got %v", err)
	}
	if w.Len() != 1 {
		t.Fatalf("Failed record must stay held, have %d", w.Len())
	}

	// Fix storage; the retry writes the same aggregate once.
	delete(dao.failUpsert, d.ID)
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Retry flush failed: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Empty flush failed: %v", err)
	}

	got, _ := dao.Get(ctx, d.ID)
	if got.Calls != 100 || got.ErrorCalls != 60 {
		t.Errorf("Expected stored 100/60 after retry, got %d/%d", got.Calls, got.ErrorCalls)
	}
	if n := dao.upserts.Load(); n != 1 {
		t.Errorf("Expected one successful upsert, got %d", n)
	}
	if w.Len() != 0 {
		t.Errorf("Expected empty working set, have %d", w.Len())
	}
}

func TestWorker_FailureIsIsolatedPerRecord(t *testing.T) {
	ctx := context.Background()
	dao := newFlakyDAO()
	w := New(Config[*model.Metric]{Name: "t", DAO: dao}, nil, nil)

	good := delta(1, 0, 1)
	bad := delta(1, 0, 1)
	bad.EntityID = 2
	bad.ID = model.MetricID(bad.TimeBucket, 2, model.Caller)
	dao.failUpsert[bad.ID] = true

	w.Accept(ctx, good)
	w.Accept(ctx, bad)

	if err := w.Flush(ctx); err == nil {
		t.Fatal("Expected flush error")
	}
	if _, err := dao.Get(ctx, good.ID); err != nil {
		t.Errorf("Healthy record should be stored: %v", err)
	}
	if w.Len() != 1 {
		t.Errorf("Only the failed record should remain, have %d", w.Len())
	}
}

func TestWorker_NeedMergeDBData(t *testing.T) {
	ctx := context.Background()

	for _, needMerge := range []bool{true, false} {
		dao := newFlakyDAO()
		stored := delta(50, 5, 500)
		dao.table.Upsert(ctx, stored)

		w := New(Config[*model.Metric]{Name: "t", DAO: dao, NeedMergeDBData: needMerge}, nil, nil)
		w.Accept(ctx, delta(10, 1, 100))
		if err := w.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}

		got, _ := dao.Get(ctx, stored.ID)
		want := int64(10)
		if needMerge {
			want = 60
		}
		if got.Calls != want {
			t.Errorf("needMergeDBData=%v: expected %d calls, got %d", needMerge, want, got.Calls)
		}
	}
}

func TestWorker_ReadFailureReconcilesAtFlush(t *testing.T) {
	ctx := context.Background()
	dao := newFlakyDAO()
	stored := delta(50, 0, 0)
	dao.table.Upsert(ctx, stored)

	w := New(Config[*model.Metric]{Name: "t", DAO: dao, NeedMergeDBData: true}, nil, nil)
	dao.failRead[stored.ID] = true
	if err := w.Accept(ctx, delta(10, 0, 0)); err != nil {
		t.Fatalf("Accept should absorb read failures: %v", err)
	}

	// Still unreadable: nothing is overwritten.
	if err := w.Flush(ctx); err == nil {
		t.Fatal("Expected flush to report the read failure")
	}
	if got, _ := dao.table.Get(ctx, stored.ID); got.Calls != 50 {
		t.Fatalf("Stored record overwritten while unreadable: %d", got.Calls)
	}

	delete(dao.failRead, stored.ID)
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got, _ := dao.Get(ctx, stored.ID); got.Calls != 60 {
		t.Errorf("Expected reconciled 60 calls, got %d", got.Calls)
	}
}

func TestWorker_ForwardsFlushedRecords(t *testing.T) {
	ctx := context.Background()
	emit := &captureEmitter{}
	w := New(Config[*model.Metric]{Name: "t", DAO: newFlakyDAO(), Downstream: []graph.WorkerID{9}}, emit, nil)

	w.Accept(ctx, delta(1, 0, 1))
	w.Accept(ctx, delta(2, 0, 1))
	w.Flush(ctx)

	if len(emit.sent) != 1 {
		t.Fatalf("Expected 1 forwarded record, got %d", len(emit.sent))
	}
	if m := emit.sent[0].(*model.Metric); m.Calls != 3 {
		t.Errorf("Expected merged record downstream, got %+v", *m)
	}
}

func TestWorker_BackpressuredForwardsAreRetried(t *testing.T) {
	ctx := context.Background()
	emit := &captureEmitter{full: true}
	w := New(Config[*model.Metric]{Name: "t", DAO: newFlakyDAO(), Downstream: []graph.WorkerID{9}}, emit, nil)

	w.Accept(ctx, delta(1, 0, 1))
	w.Flush(ctx)
	if w.Pending() != 1 {
		t.Fatalf("Expected 1 pending forward, have %d", w.Pending())
	}

	emit.full = false
	w.Flush(ctx)
	if w.Pending() != 0 || len(emit.sent) != 1 {
		t.Errorf("Expected pending forward delivered, pending=%d sent=%d", w.Pending(), len(emit.sent))
	}
}

func TestWorker_WorkingSetBound(t *testing.T) {
	ctx := context.Background()
	dao := newFlakyDAO()
	w := New(Config[*model.Metric]{Name: "t", DAO: dao, MaxWorkingSet: 1}, nil, nil)

	first := delta(1, 0, 1)
	dao.failUpsert[first.ID] = true
	w.Accept(ctx, first)

	second := delta(1, 0, 1)
	second.ID = "other"
	if err := w.Accept(ctx, second); !errors.Is(err, ErrWorkingSetFull) {
		t.Fatalf("Expected ErrWorkingSetFull, got %v", err)
	}

	// Once storage recovers the inline flush makes room.
	delete(dao.failUpsert, first.ID)
	if err := w.Accept(ctx, second); err != nil {
		t.Fatalf("Expected inline flush to make room: %v", err)
	}
}

func TestWorker_OnWorkRejectsForeignEvents(t *testing.T) {
	w := New(Config[*model.Metric]{Name: "t", DAO: newFlakyDAO()}, nil, nil)
	if err := w.OnWork(context.Background(), "not a metric"); err == nil {
		t.Error("Expected error for foreign event")
	}
}

func TestWorker_ThroughDispatcher(t *testing.T) {
	ctx := context.Background()
	dao := newFlakyDAO()

	d := graph.New(graph.Config{})
	err := d.Register(1, "instance_metric_minute", Factory(Config[*model.Metric]{DAO: dao, NeedMergeDBData: true}), 0,
		graph.WithInstances(2, ShardKey[*model.Metric]))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	d.Start(ctx)

	for i := 0; i < 100; i++ {
		if err := d.Dispatch(1, delta(1, int64(i%2), 10)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}
	if _, err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got, err := dao.Get(ctx, delta(0, 0, 0).ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Calls != 100 || got.ErrorCalls != 50 || got.DurationSum != 1000 {
		t.Errorf("Unexpected aggregate %+v", *got)
	}
}

func TestWorker_DrainReportsUndelivered(t *testing.T) {
	ctx := context.Background()
	dao := newFlakyDAO()
	emit := &captureEmitter{full: true}
	w := New(Config[*model.Metric]{Name: "t", DAO: dao, Downstream: []graph.WorkerID{9}}, emit, nil)

	w.Accept(ctx, delta(1, 0, 1))
	stuck := delta(1, 0, 1)
	stuck.ID = "stuck"
	dao.failUpsert[stuck.ID] = true
	w.Accept(ctx, stuck)
	w.Flush(ctx)

	done, cancel := context.WithCancel(ctx)
	cancel()
	lost, err := w.Drain(done)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	// One forward never delivered, one record never persisted.
	if lost != 2 {
		t.Errorf("Expected 2 lost records, got %d", lost)
	}
	if w.Pending() != 0 {
		t.Errorf("Expected pending forwards cleared, have %d", w.Pending())
	}
}

// slowWorker takes a while per event so its queue fills up.
type slowWorker struct {
	handled *atomic.Int64
}

func (s slowWorker) OnWork(ctx context.Context, event any) error {
	time.Sleep(5 * time.Millisecond)
	s.handled.Add(1)
	return nil
}

func TestWorker_ShutdownDeliversEveryFlushedRecord(t *testing.T) {
	ctx := context.Background()
	var handled atomic.Int64

	d := graph.New(graph.Config{})
	err := d.Register(1, "instance_metric_minute",
		Factory(Config[*model.Metric]{DAO: newFlakyDAO(), Downstream: []graph.WorkerID{2}}), 0,
		graph.WithDownstream(2))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err = d.Register(2, "instance_alarm", func(graph.Env) (graph.Worker, error) {
		return slowWorker{handled: &handled}, nil
	}, 2)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		m := delta(1, 0, 1)
		m.EntityID = i + 1
		m.ID = model.MetricID(m.TimeBucket, m.EntityID, m.Source)
		if err := d.Dispatch(1, m); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	dropped, err := d.Shutdown(ctx)
	if err != nil || dropped != 0 {
		t.Fatalf("Expected clean shutdown, got dropped=%d err=%v", dropped, err)
	}
	if n := handled.Load(); n != 10 {
		t.Errorf("Expected all 10 flushed records handled downstream, got %d", n)
	}
}
