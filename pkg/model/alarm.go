package model

import (
	"fmt"
	"time"

	"github.com/nicktill/tinyapm/pkg/timebucket"
)

// AlarmType is the condition an alarm was raised for.
type AlarmType int

const (
	ErrorRate AlarmType = iota
	SlowResponseTime
)

func (t AlarmType) String() string {
	switch t {
	case ErrorRate:
		return "ERROR_RATE"
	case SlowResponseTime:
		return "SLOW_RESPONSE_TIME"
	default:
		return fmt.Sprintf("ALARM_TYPE(%d)", int(t))
	}
}

// MarshalText renders the alarm type by name in JSON payloads.
func (t AlarmType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (t *AlarmType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ERROR_RATE":
		*t = ErrorRate
	case "SLOW_RESPONSE_TIME":
		*t = SlowResponseTime
	default:
		return fmt.Errorf("unknown alarm type %q", string(b))
	}
	return nil
}

// Alarm is one raised threshold breach.
type Alarm struct {
	ID             string       `json:"id"`
	Domain         Domain       `json:"domain"`
	EntityID       int          `json:"entity_id"`
	ApplicationID  int          `json:"application_id"`
	AlarmType      AlarmType    `json:"alarm_type"`
	Source         MetricSource `json:"source"`
	Content        string       `json:"content"`
	LastTimeBucket int64        `json:"last_time_bucket"`
	CreatedAt      time.Time    `json:"created_at"`
}

// AlarmID builds the composite alarm id. Raising the same condition for the
// same entity and bucket always yields the same id.
func AlarmID(bucket int64, alarmType AlarmType, source MetricSource, entityID int) string {
	return timebucket.ID(bucket, int(alarmType), int(source), entityID)
}

func (a *Alarm) Key() string { return a.ID }

// AlarmListEntry marks that an application had an alarm of a type in a bucket.
// It backs the alarm trend.
type AlarmListEntry struct {
	ID            string       `json:"id"`
	ApplicationID int          `json:"application_id"`
	TimeBucket    int64        `json:"time_bucket"`
	AlarmType     AlarmType    `json:"alarm_type"`
	Source        MetricSource `json:"source"`
	Content       string       `json:"content"`
}

// AlarmListEntryID builds the id of an alarm list entry.
func AlarmListEntryID(bucket int64, applicationID int, alarmType AlarmType, source MetricSource) string {
	return timebucket.ID(bucket, applicationID, int(alarmType), int(source))
}

// NewAlarmListEntry derives the list entry for a raised alarm.
func NewAlarmListEntry(a *Alarm) *AlarmListEntry {
	return &AlarmListEntry{
		ID:            AlarmListEntryID(a.LastTimeBucket, a.ApplicationID, a.AlarmType, a.Source),
		ApplicationID: a.ApplicationID,
		TimeBucket:    a.LastTimeBucket,
		AlarmType:     a.AlarmType,
		Source:        a.Source,
		Content:       a.Content,
	}
}

func (e *AlarmListEntry) Key() string { return e.ID }

// Merge keeps the most recent content. Entries are markers, so re-merging is
// idempotent.
func (e *AlarmListEntry) Merge(other *AlarmListEntry) {
	e.Content = other.Content
}

func (e *AlarmListEntry) Clone() *AlarmListEntry {
	c := *e
	return &c
}
