// Package metrics holds the Prometheus collectors of the analysis pipeline.
// Collectors are package level; Register attaches them to a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tinyapm"

// Rejection reasons for DispatchRejected.
const (
	ReasonBackpressure = "backpressure"
	ReasonStopped      = "stopped"
	ReasonUnknown      = "unknown_worker"
)

// Outcomes for EventProcessed.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	dispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_events_total",
			Help:      "Events accepted into a worker queue.",
		},
		[]string{"worker"},
	)

	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_events_total",
			Help:      "Events refused by the dispatcher, partitioned by reason.",
		},
		[]string{"worker", "reason"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in a worker instance queue.",
		},
		[]string{"worker", "instance"},
	)

	processedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_events_total",
			Help:      "Events handled by workers, partitioned by outcome.",
		},
		[]string{"worker", "outcome"},
	)

	droppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Queued events discarded by a forced shutdown.",
		},
	)

	flushSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_seconds",
			Help:      "Working set flush latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"worker"},
	)

	flushedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_records_total",
			Help:      "Records persisted by a flush.",
		},
		[]string{"worker"},
	)

	persistFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Record reads or upserts that failed and will be retried.",
		},
		[]string{"worker", "op"},
	)

	workingSetSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_set_records",
			Help:      "Records held in a worker's working set.",
		},
		[]string{"worker"},
	)

	alarmsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_raised_total",
			Help:      "Alarms raised, partitioned by domain, type and source.",
		},
		[]string{"domain", "type", "source"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "name_cache_lookups_total",
			Help:      "Entity name lookups, partitioned by cache result.",
		},
		[]string{"kind", "result"},
	)
)

// Register attaches the pipeline collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		dispatchedTotal,
		rejectedTotal,
		queueDepth,
		processedTotal,
		droppedTotal,
		flushSeconds,
		flushedRecordsTotal,
		persistFailuresTotal,
		workingSetSize,
		alarmsRaisedTotal,
		cacheLookupsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func EventDispatched(worker string) { dispatchedTotal.WithLabelValues(worker).Inc() }

func DispatchRejected(worker, reason string) {
	rejectedTotal.WithLabelValues(worker, reason).Inc()
}

func SetQueueDepth(worker, instance string, depth int) {
	queueDepth.WithLabelValues(worker, instance).Set(float64(depth))
}

// EventProcessed counts one OnWork call. err decides the outcome label.
func EventProcessed(worker string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	processedTotal.WithLabelValues(worker, outcome).Inc()
}

func EventsDropped(n int64) {
	if n > 0 {
		droppedTotal.Add(float64(n))
	}
}

// ObserveFlush records a flush duration and how many records it persisted.
func ObserveFlush(worker string, duration time.Duration, flushed int) {
	if duration < 0 {
		duration = 0
	}
	flushSeconds.WithLabelValues(worker).Observe(duration.Seconds())
	flushedRecordsTotal.WithLabelValues(worker).Add(float64(flushed))
}

// PersistFailed counts a failed storage operation; op is "read" or "upsert".
func PersistFailed(worker, op string) {
	persistFailuresTotal.WithLabelValues(worker, op).Inc()
}

func SetWorkingSet(worker string, n int) {
	workingSetSize.WithLabelValues(worker).Set(float64(n))
}

func AlarmRaised(domain, alarmType, source string) {
	alarmsRaisedTotal.WithLabelValues(domain, alarmType, source).Inc()
}

// CacheLookup counts a name lookup; result is "hit", "miss" or "unknown".
func CacheLookup(kind, result string) {
	cacheLookupsTotal.WithLabelValues(kind, result).Inc()
}
