package model

import (
	"fmt"

	"github.com/nicktill/tinyapm/pkg/timebucket"
)

// GCPhrase identifies the collected heap generation.
type GCPhrase int

const (
	GCNew GCPhrase = iota
	GCOld
)

func (p GCPhrase) String() string {
	switch p {
	case GCNew:
		return "young"
	case GCOld:
		return "old"
	default:
		return fmt.Sprintf("phrase(%d)", int(p))
	}
}

func (p GCPhrase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText accepts "young" (or "new") and "old".
func (p *GCPhrase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "young", "new":
		*p = GCNew
	case "old":
		*p = GCOld
	default:
		return fmt.Errorf("unknown gc phrase %q", string(b))
	}
	return nil
}

// GCMetric is the garbage collection activity of one instance in one bucket.
type GCMetric struct {
	ID         string   `json:"id"`
	InstanceID int      `json:"instance_id"`
	Phrase     GCPhrase `json:"phrase"`
	TimeBucket int64    `json:"time_bucket"`
	Count      int64    `json:"count"`
	Time       int64    `json:"time"`
	Times      int64    `json:"times"`
}

// GCMetricID builds the composite id of a GC record.
func GCMetricID(bucket int64, instanceID int, phrase GCPhrase) string {
	return timebucket.ID(bucket, instanceID, int(phrase))
}

func (g *GCMetric) Key() string { return g.ID }

// Merge adds the counters of other into g.
func (g *GCMetric) Merge(other *GCMetric) {
	g.Count += other.Count
	g.Time += other.Time
	g.Times += other.Times
}

func (g *GCMetric) Clone() *GCMetric {
	c := *g
	return &c
}
