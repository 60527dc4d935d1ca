package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/nicktill/tinyapm/pkg/analysis"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/server"
	"github.com/nicktill/tinyapm/pkg/server/monitor"
	"github.com/nicktill/tinyapm/pkg/server/stream"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/storage/badger"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
)

// app is the assembled collector.
type app struct {
	backend    storage.Backend
	gc         server.GarbageCollector // nil for the memory backend
	gcTask     *monitor.TaskMonitor
	rules      *config.RuleStore
	hub        *stream.Hub
	dispatcher *graph.Dispatcher
	handler    http.Handler
}

// newApp opens storage and wires the worker graph and the HTTP layer. The
// dispatcher is registered but not started.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	var size monitor.SizeFunc
	switch cfg.Storage.Backend {
	case "memory":
		store := memory.New()
		a.backend = store
		size = monitor.BackendSize(store)
		logger.Warn("Using in-memory storage, data is lost on restart")
	default:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err := badger.New(badger.Config{
			Path:        cfg.Storage.DataDir,
			MaxMemoryMB: cfg.Storage.MaxMemoryMB,
		})
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.backend = store
		a.gc = store
		a.gcTask = monitor.NewTaskMonitor("badger_gc", 3*cfg.Storage.GCInterval)
		size = monitor.DirSize(cfg.Storage.DataDir)
		logger.Info("BadgerDB storage opened", "data_dir", cfg.Storage.DataDir, "max_memory_mb", cfg.Storage.MaxMemoryMB)
	}

	tables := analysis.NewTables(a.backend, cfg.Storage.Retention)
	names, err := analysis.NewNames(tables, cfg.Cache.NameSize)
	if err != nil {
		a.backend.Close()
		return nil, err
	}
	a.rules = config.NewRuleStore(cfg.Rules)
	a.hub = stream.NewHub(logger)

	a.dispatcher = graph.New(graph.Config{FlushInterval: cfg.Pipeline.FlushInterval, Logger: logger})
	if err := analysis.Register(a.dispatcher, analysis.Deps{
		Tables:     tables,
		Rules:      a.rules,
		Names:      names,
		Notifier:   a.hub,
		Pipeline:   cfg.Pipeline,
		RaisedSize: cfg.Cache.RaisedAlarmSize,
	}); err != nil {
		a.backend.Close()
		return nil, fmt.Errorf("build worker graph: %w", err)
	}

	maxBytes := cfg.Storage.MaxStorageGB << 30
	deps := server.Deps{
		Service:        analysis.NewService(tables, names),
		Ingestor:       analysis.NewIngestor(a.dispatcher),
		Pipeline:       a.dispatcher,
		Rules:          a.rules,
		Stream:         a.hub,
		Storage:        monitor.NewStorageMonitor(size, maxBytes, config.StorageUsageCacheTTL),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}
	if a.gcTask != nil {
		deps.Tasks = append(deps.Tasks, a.gcTask)
	}
	a.handler = server.New(deps).Router()

	logger.Info("Storage limit enforcement enabled", "max_gb", cfg.Storage.MaxStorageGB)
	return a, nil
}

// drain stops the pipeline, flushing what it can before ctx expires, and
// closes storage.
func (a *app) drain(ctx context.Context, logger *slog.Logger) error {
	dropped, err := a.dispatcher.Shutdown(ctx)
	if err != nil {
		logger.Error("Pipeline drain incomplete", "dropped_events", dropped, "error", err)
	} else {
		logger.Info("Pipeline drained")
	}
	if cerr := a.backend.Close(); cerr != nil {
		logger.Error("Failed to close storage", "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}
