package analysis

import (
	"errors"
	"fmt"

	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/model"
)

// ErrInvalidEvent is returned for events that cannot be routed.
var ErrInvalidEvent = errors.New("analysis: invalid event")

// BatchDispatcher queues a set of events atomically.
type BatchDispatcher interface {
	DispatchAll(routes []graph.Route) error
}

// Ingestor turns raw events into per-step deltas and hands them to the rollup
// workers. Every event reaches all of its steps or none, so a caller that
// retries after graph.ErrBackpressure never double counts.
type Ingestor struct {
	d BatchDispatcher
}

// NewIngestor returns an Ingestor feeding d.
func NewIngestor(d BatchDispatcher) *Ingestor {
	return &Ingestor{d: d}
}

// IngestMetric routes one metric event to the minute, hour and day workers of
// its domain.
func (i *Ingestor) IngestMetric(ev *model.MetricEvent) error {
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	routes := make([]graph.Route, 0, len(RollupSteps))
	for _, step := range RollupSteps {
		id, err := MetricWorker(ev.Domain, step)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		routes = append(routes, graph.Route{ID: id, Event: ev.ToMetric(step)})
	}
	return i.d.DispatchAll(routes)
}

// IngestGC routes one GC event to the GC rollup workers.
func (i *Ingestor) IngestGC(ev *model.GCEvent) error {
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	routes := make([]graph.Route, 0, len(RollupSteps))
	for _, step := range RollupSteps {
		routes = append(routes, graph.Route{ID: gcWorkers[step], Event: ev.ToMetric(step)})
	}
	return i.d.DispatchAll(routes)
}
