package runtime

import (
	"context"
	"runtime"
	"time"

	"github.com/nicktill/tinyapm/pkg/model"
)

// GCRecorder receives GC activity.
type GCRecorder interface {
	RecordGC(phrase model.GCPhrase, count int64, pause time.Duration)
}

// Collector reports Go garbage collections as they happen. The Go collector
// is not generational, so every cycle is reported as an old generation
// collection.
type Collector struct {
	client   GCRecorder
	interval time.Duration

	lastNumGC uint32
	lastPause uint64
}

// NewCollector creates a new runtime GC collector.
func NewCollector(client GCRecorder, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &Collector{
		client:    client,
		interval:  interval,
		lastNumGC: m.NumGC,
		lastPause: m.PauseTotalNs,
	}
}

// Start reports GC deltas every interval until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			c.observe(m.NumGC, m.PauseTotalNs)
		}
	}
}

// observe reports the cycles and pause time since the previous observation.
func (c *Collector) observe(numGC uint32, pauseTotalNs uint64) {
	cycles := int64(numGC - c.lastNumGC)
	pause := time.Duration(pauseTotalNs - c.lastPause)
	c.lastNumGC, c.lastPause = numGC, pauseTotalNs
	if cycles <= 0 {
		return
	}
	c.client.RecordGC(model.GCOld, cycles, pause)
}
