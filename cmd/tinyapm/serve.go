package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/logging"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/server"
)

func serve(ctx context.Context, configPath string) error {
	envErr := loadDotEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Warn("Ignoring unreadable .env file", "error", envErr)
	}
	logger.Info("Starting tinyapm collector",
		"version", server.Version,
		"address", cfg.Server.Address,
		"backend", cfg.Storage.Backend)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.dispatcher.Start(ctx); err != nil {
		a.backend.Close()
		return fmt.Errorf("start pipeline: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      a.handler,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(gctx) })
	if a.gc != nil {
		g.Go(func() error {
			return server.RunBadgerGC(gctx, a.gc, cfg.Storage.GCInterval, config.BadgerGCDiscardRatio, a.gcTask, logger)
		})
	}
	g.Go(func() error { return reloadRules(gctx, configPath, a.rules, logger) })
	g.Go(func() error {
		logger.Info("HTTP server listening", "address", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		// Stop intake first so the drain sees every accepted event.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", "error", err)
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Pipeline.DrainTimeout)
		defer cancelDrain()
		return a.drain(drainCtx, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("tinyapm collector exited cleanly")
	return nil
}

// loadDotEnv reads .env files into the environment. A missing file is not an
// error; deployments set the environment directly.
func loadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// reloadRules replaces the alarm rules from the config file on SIGHUP. A
// file that fails to load or validate leaves the current rules in place.
func reloadRules(ctx context.Context, configPath string, rules *config.RuleStore, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("Rule reload failed, keeping current rules", "error", err)
				continue
			}
			if err := rules.Replace(cfg.Rules); err != nil {
				logger.Error("Rule reload rejected, keeping current rules", "error", err)
				continue
			}
			logger.Info("Alarm rules reloaded")
		}
	}
}
