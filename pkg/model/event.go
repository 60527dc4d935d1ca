package model

import (
	"time"

	"github.com/nicktill/tinyapm/pkg/timebucket"
)

// MetricEvent is one metric delta reported by the ingestion layer.
type MetricEvent struct {
	Domain        Domain       `json:"-"`
	EntityID      int          `json:"entity_id"`
	ApplicationID int          `json:"application_id"`
	Source        MetricSource `json:"source"`
	Timestamp     time.Time    `json:"timestamp"`

	Calls       int64 `json:"calls"`
	ErrorCalls  int64 `json:"error_calls"`
	DurationSum int64 `json:"duration_sum"`

	TransactionCalls       int64 `json:"transaction_calls"`
	TransactionErrorCalls  int64 `json:"transaction_error_calls"`
	TransactionDurationSum int64 `json:"transaction_duration_sum"`
}

// ToMetric buckets the event at step.
func (e *MetricEvent) ToMetric(step timebucket.Step) *Metric {
	bucket := timebucket.Of(e.Timestamp, step)
	return &Metric{
		ID:                     MetricID(bucket, e.EntityID, e.Source),
		Domain:                 e.Domain,
		EntityID:               e.EntityID,
		ApplicationID:          e.ApplicationID,
		TimeBucket:             bucket,
		Source:                 e.Source,
		Calls:                  e.Calls,
		ErrorCalls:             e.ErrorCalls,
		DurationSum:            e.DurationSum,
		TransactionCalls:       e.TransactionCalls,
		TransactionErrorCalls:  e.TransactionErrorCalls,
		TransactionDurationSum: e.TransactionDurationSum,
	}
}

// GCEvent is one garbage collection report of an instance.
type GCEvent struct {
	InstanceID int       `json:"instance_id"`
	Phrase     GCPhrase  `json:"phrase"`
	Count      int64     `json:"count"`
	Time       int64     `json:"time"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToMetric buckets the event at step.
func (e *GCEvent) ToMetric(step timebucket.Step) *GCMetric {
	bucket := timebucket.Of(e.Timestamp, step)
	return &GCMetric{
		ID:         GCMetricID(bucket, e.InstanceID, e.Phrase),
		InstanceID: e.InstanceID,
		Phrase:     e.Phrase,
		TimeBucket: bucket,
		Count:      e.Count,
		Time:       e.Time,
		Times:      1,
	}
}
