package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinyapm/pkg/model"
)

// Ingest validation limits
const (
	MaxEventsPerRequest = 1000
	MaxIngestBodyBytes  = 8 << 20
	// MaxClockSkew is how far in the future an event timestamp may lie.
	MaxClockSkew = 10 * time.Minute
)

var (
	ErrNoEvents          = errors.New("request holds no events")
	ErrTooManyEvents     = fmt.Errorf("too many events in request (max %d)", MaxEventsPerRequest)
	ErrMissingTimestamp  = errors.New("timestamp is required")
	ErrFutureTimestamp   = fmt.Errorf("timestamp is more than %s in the future", MaxClockSkew)
	ErrNegativeCounter   = errors.New("counters must not be negative")
	ErrErrorsExceedCalls = errors.New("error calls exceed calls")
	ErrInvalidEntity     = errors.New("entity and application ids must be positive")
)

func validateCount(n int) error {
	if n == 0 {
		return ErrNoEvents
	}
	if n > MaxEventsPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManyEvents, n)
	}
	return nil
}

func validateTimestamp(ts, now time.Time) error {
	if ts.IsZero() {
		return ErrMissingTimestamp
	}
	if ts.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: %s", ErrFutureTimestamp, ts.Format(time.RFC3339))
	}
	return nil
}

// ValidateMetricEvent checks one metric delta before it enters the pipeline.
func ValidateMetricEvent(ev *model.MetricEvent, now time.Time) error {
	if ev.EntityID <= 0 || ev.ApplicationID <= 0 {
		return ErrInvalidEntity
	}
	if err := validateTimestamp(ev.Timestamp, now); err != nil {
		return err
	}
	for _, v := range []int64{
		ev.Calls, ev.ErrorCalls, ev.DurationSum,
		ev.TransactionCalls, ev.TransactionErrorCalls, ev.TransactionDurationSum,
	} {
		if v < 0 {
			return ErrNegativeCounter
		}
	}
	if ev.ErrorCalls > ev.Calls || ev.TransactionErrorCalls > ev.TransactionCalls {
		return ErrErrorsExceedCalls
	}
	return nil
}

// ValidateGCEvent checks one GC report.
func ValidateGCEvent(ev *model.GCEvent, now time.Time) error {
	if ev.InstanceID <= 0 {
		return ErrInvalidEntity
	}
	if err := validateTimestamp(ev.Timestamp, now); err != nil {
		return err
	}
	if ev.Count < 0 || ev.Time < 0 {
		return ErrNegativeCounter
	}
	return nil
}
