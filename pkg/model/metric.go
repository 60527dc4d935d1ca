package model

import "github.com/nicktill/tinyapm/pkg/timebucket"

// Metric is the call aggregate of one entity, seen from one source, over one
// time bucket. Counters only ever grow through Merge.
type Metric struct {
	ID            string       `json:"id"`
	Domain        Domain       `json:"domain"`
	EntityID      int          `json:"entity_id"`
	ApplicationID int          `json:"application_id"`
	TimeBucket    int64        `json:"time_bucket"`
	Source        MetricSource `json:"source"`

	Calls       int64 `json:"calls"`
	ErrorCalls  int64 `json:"error_calls"`
	DurationSum int64 `json:"duration_sum"`

	TransactionCalls       int64 `json:"transaction_calls"`
	TransactionErrorCalls  int64 `json:"transaction_error_calls"`
	TransactionDurationSum int64 `json:"transaction_duration_sum"`
}

// MetricID builds the composite id of a metric record.
func MetricID(bucket int64, entityID int, source MetricSource) string {
	return timebucket.ID(bucket, entityID, int(source))
}

// Key returns the record id.
func (m *Metric) Key() string { return m.ID }

// Merge adds the counters of other into m.
func (m *Metric) Merge(other *Metric) {
	m.Calls += other.Calls
	m.ErrorCalls += other.ErrorCalls
	m.DurationSum += other.DurationSum
	m.TransactionCalls += other.TransactionCalls
	m.TransactionErrorCalls += other.TransactionErrorCalls
	m.TransactionDurationSum += other.TransactionDurationSum
}

// Clone returns a copy of m.
func (m *Metric) Clone() *Metric {
	c := *m
	return &c
}

// ErrorRate returns ErrorCalls/Calls. ok is false when there were no calls.
func (m *Metric) ErrorRate() (rate float64, ok bool) {
	if m.Calls == 0 {
		return 0, false
	}
	return float64(m.ErrorCalls) / float64(m.Calls), true
}

// AverageResponseTime returns DurationSum/Calls in milliseconds. ok is false
// when there were no calls.
func (m *Metric) AverageResponseTime() (avg float64, ok bool) {
	if m.Calls == 0 {
		return 0, false
	}
	return float64(m.DurationSum) / float64(m.Calls), true
}
