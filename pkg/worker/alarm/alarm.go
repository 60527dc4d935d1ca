// Package alarm evaluates aggregated metrics against the configured
// thresholds and persists one alarm per breached condition.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/logging"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// DefaultRaisedCacheSize is how many raised alarm ids a worker remembers.
const DefaultRaisedCacheSize = 50000

// Thresholds are read on every evaluation, so rule changes apply to the next
// metric without restarting the worker.
type Thresholds interface {
	CallerErrorRateThreshold() float64
	CalleeErrorRateThreshold() float64
	CallerAverageResponseTimeThreshold() float64
	CalleeAverageResponseTimeThreshold() float64
}

// NameResolver returns the display name of an entity.
type NameResolver interface {
	Resolve(ctx context.Context, id int) (string, error)
}

// Notifier is told about every newly persisted alarm.
type Notifier interface {
	Notify(a *model.Alarm)
}

// Config describes one alarm-assert worker.
type Config struct {
	Name       string
	Domain     model.Domain
	Thresholds Thresholds
	Names      NameResolver
	DAO        storage.PersistenceDAO[*model.Alarm]
	Notifier   Notifier
	// ListWorker receives an AlarmListEntry for each new alarm. Zero disables it.
	ListWorker graph.WorkerID
	RaisedSize int
	Now        func() time.Time
}

// Worker evaluates metrics for one domain. It is driven by a single
// dispatcher goroutine.
type Worker struct {
	cfg    Config
	emit   graph.Emitter
	logger *slog.Logger

	// raised remembers alarm ids already persisted, so the same condition in
	// the same bucket is written once.
	raised *lru.Cache
	// pending holds alarms whose upsert failed, retried on Flush.
	pending map[string]*model.Alarm
	// listed holds alarm list entries the list worker refused with
	// backpressure, in raise order.
	listed []*model.AlarmListEntry
}

// New builds a worker.
func New(cfg Config, emit graph.Emitter, logger *slog.Logger) (*Worker, error) {
	if cfg.Thresholds == nil || cfg.DAO == nil {
		return nil, fmt.Errorf("alarm: %s: thresholds and DAO are required", cfg.Name)
	}
	if cfg.RaisedSize <= 0 {
		cfg.RaisedSize = DefaultRaisedCacheSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}
	raised, err := lru.New(cfg.RaisedSize)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:     cfg,
		emit:    emit,
		logger:  logger,
		raised:  raised,
		pending: make(map[string]*model.Alarm),
	}, nil
}

// Factory adapts cfg to the dispatcher's registration table.
func Factory(cfg Config) graph.Factory {
	return func(env graph.Env) (graph.Worker, error) {
		if cfg.Name == "" {
			cfg.Name = env.Name
		}
		return New(cfg, env.Emit, env.Logger)
	}
}

// OnWork evaluates one flushed metric.
func (w *Worker) OnWork(ctx context.Context, event any) error {
	m, ok := event.(*model.Metric)
	if !ok {
		return fmt.Errorf("alarm: %s: unexpected event %T", w.cfg.Name, event)
	}
	return w.Evaluate(ctx, m)
}

type threshold struct {
	errorRate    float64
	responseTime float64
}

func (w *Worker) thresholdsFor(source model.MetricSource) threshold {
	t := w.cfg.Thresholds
	if source == model.Caller {
		return threshold{t.CallerErrorRateThreshold(), t.CallerAverageResponseTimeThreshold()}
	}
	return threshold{t.CalleeErrorRateThreshold(), t.CalleeAverageResponseTimeThreshold()}
}

// Evaluate raises an alarm for every threshold m strictly exceeds. Metrics
// without calls raise nothing.
func (w *Worker) Evaluate(ctx context.Context, m *model.Metric) error {
	rate, ok := m.ErrorRate()
	if !ok {
		return nil
	}
	avg, _ := m.AverageResponseTime()
	th := w.thresholdsFor(m.Source)

	var result *multierror.Error
	if rate > th.errorRate {
		if err := w.raise(ctx, m, model.ErrorRate, th.errorRate); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if avg > th.responseTime {
		if err := w.raise(ctx, m, model.SlowResponseTime, th.responseTime); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (w *Worker) raise(ctx context.Context, m *model.Metric, alarmType model.AlarmType, limit float64) error {
	id := model.AlarmID(m.TimeBucket, alarmType, m.Source, m.EntityID)
	if w.raised.Contains(id) {
		return nil
	}
	if _, ok := w.pending[id]; ok {
		return nil
	}

	// Written once: an alarm found in storage, e.g. after a restart, is
	// not rewritten.
	if _, err := w.cfg.DAO.Get(ctx, id); err == nil {
		w.raised.Add(id, struct{}{})
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		w.logger.Debug("Alarm lookup failed, writing anyway", "alarm_id", id, "error", err)
	}

	a := &model.Alarm{
		ID:             id,
		Domain:         w.cfg.Domain,
		EntityID:       m.EntityID,
		ApplicationID:  m.ApplicationID,
		AlarmType:      alarmType,
		Source:         m.Source,
		LastTimeBucket: m.TimeBucket,
		CreatedAt:      w.cfg.Now().UTC(),
	}
	a.Content = Render(w.cfg.Domain, alarmType, m.Source, w.resolveName(ctx, m.EntityID), limit)

	if err := w.cfg.DAO.Upsert(ctx, a); err != nil {
		metrics.PersistFailed(w.cfg.Name, "upsert")
		w.pending[id] = a
		return fmt.Errorf("alarm %s: %w", id, err)
	}
	w.persisted(a)
	return nil
}

func (w *Worker) resolveName(ctx context.Context, entityID int) string {
	if w.cfg.Names == nil {
		return model.Unknown
	}
	name, err := w.cfg.Names.Resolve(ctx, entityID)
	if err != nil || name == "" {
		w.logger.Debug("Entity name unresolved", "entity_id", entityID, "error", err)
		return model.Unknown
	}
	return name
}

func (w *Worker) persisted(a *model.Alarm) {
	w.raised.Add(a.ID, struct{}{})
	metrics.AlarmRaised(a.Domain.String(), a.AlarmType.String(), a.Source.String())
	w.logger.Info("Alarm raised",
		"alarm_id", a.ID,
		"type", a.AlarmType.String(),
		"source", a.Source.String(),
		"entity_id", a.EntityID,
		"content", a.Content)

	if w.cfg.Notifier != nil {
		w.cfg.Notifier.Notify(a)
	}
	if w.cfg.ListWorker != 0 && w.emit != nil {
		w.listed = append(w.listed, model.NewAlarmListEntry(a))
		if len(w.listed) == 1 {
			w.forwardListed()
		}
	}
}

// forwardListed sends queued entries to the alarm list worker. Entries refused
// with backpressure stay queued, up to RaisedSize. It returns the number of
// entries dropped.
func (w *Worker) forwardListed() int {
	if len(w.listed) == 0 {
		return 0
	}
	lost := 0
	kept := w.listed[:0]
	for _, e := range w.listed {
		err := w.emit.Dispatch(w.cfg.ListWorker, e)
		switch {
		case err == nil:
		case errors.Is(err, graph.ErrBackpressure):
			kept = append(kept, e)
		default:
			lost++
			w.logger.Warn("Failed to forward alarm to list", "entry_id", e.ID, "error", err)
		}
	}

	if over := len(kept) - w.cfg.RaisedSize; over > 0 {
		w.logger.Warn("Alarm list backlog full, dropping oldest entries", "dropped", over)
		lost += over
		kept = append([]*model.AlarmListEntry(nil), kept[over:]...)
	} else {
		clear(w.listed[len(kept):])
	}
	w.listed = kept
	return lost
}

// Flush retries alarms whose upsert failed earlier.
func (w *Worker) Flush(ctx context.Context) error {
	var result *multierror.Error
	for id, a := range w.pending {
		if err := w.cfg.DAO.Upsert(ctx, a); err != nil {
			metrics.PersistFailed(w.cfg.Name, "upsert")
			result = multierror.Append(result, fmt.Errorf("alarm %s: %w", id, err))
			continue
		}
		delete(w.pending, id)
		w.persisted(a)
	}
	w.forwardListed()
	return result.ErrorOrNil()
}

// Drain keeps forwarding queued list entries until the list worker has taken
// them all or ctx is done. Alarms that never persisted count as lost.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	lost := 0
	err := graph.Retry(ctx, func() bool {
		lost += w.forwardListed()
		return len(w.listed) == 0
	})
	lost += len(w.listed) + len(w.pending)
	w.listed = nil
	return lost, err
}

// Pending returns the number of alarms waiting for a retry.
func (w *Worker) Pending() int { return len(w.pending) }

// Listing returns the number of entries waiting for the alarm list worker.
func (w *Worker) Listing() int { return len(w.listed) }
