package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/tinyapm/pkg/server/monitor"
)

// GarbageCollector is a store whose value log needs periodic collection.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// RunBadgerGC collects the value log every interval until ctx is cancelled.
// Each tick rewrites files until nothing more is reclaimable, so expired
// aggregates actually free disk space.
func RunBadgerGC(ctx context.Context, gc GarbageCollector, interval time.Duration, discardRatio float64,
	mon *monitor.TaskMonitor, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Badger GC scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping Badger GC scheduler")
			return nil
		case <-ticker.C:
			start := time.Now()
			rewrites, err := collect(ctx, gc, discardRatio)
			if err != nil {
				mon.RecordFailure(err)
				logger.Warn("Badger GC failed", "error", err, "rewrites", rewrites)
				continue
			}
			mon.RecordSuccess()
			logger.Debug("Badger GC completed",
				"rewrites", rewrites,
				"duration", time.Since(start).Round(time.Millisecond))
		}
	}
}

func collect(ctx context.Context, gc GarbageCollector, discardRatio float64) (int, error) {
	rewrites := 0
	for ctx.Err() == nil {
		err := gc.RunGC(discardRatio)
		switch {
		case err == nil:
			rewrites++
		case errors.Is(err, badgerdb.ErrNoRewrite), errors.Is(err, badgerdb.ErrRejected):
			return rewrites, nil
		default:
			return rewrites, err
		}
	}
	return rewrites, nil
}
