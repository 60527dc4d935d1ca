package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyapm/pkg/logging"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/sdk"
	"github.com/nicktill/tinyapm/pkg/sdk/runtime"
)

type loadgenOptions struct {
	endpoint     string
	apiKey       string
	applications int
	instances    int // per application
	services     int // per application
	rate         int // calls per second per instance
	errorRate    float64
	slowRate     float64
	latency      time.Duration
	duration     time.Duration
	seed         int64
	reportGC     bool
}

// Simulate a fleet of instances reporting calls to a collector.
func loadgenCmd() *cobra.Command {
	opts := loadgenOptions{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Register a synthetic fleet and report call metrics to a collector.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			return runLoadgen(ctx, opts, logging.New("info", false))
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.endpoint, "endpoint", "http://localhost:8080", "collector base URL")
	f.StringVar(&opts.apiKey, "api-key", "", "bearer token sent with every request")
	f.IntVar(&opts.applications, "applications", 2, "number of applications")
	f.IntVar(&opts.instances, "instances", 3, "instances per application")
	f.IntVar(&opts.services, "services", 4, "services per application")
	f.IntVar(&opts.rate, "rate", 50, "calls per second per instance")
	f.Float64Var(&opts.errorRate, "error-rate", 0.02, "fraction of failed calls")
	f.Float64Var(&opts.slowRate, "slow-rate", 0.01, "fraction of calls ten times slower than --latency")
	f.DurationVar(&opts.latency, "latency", 80*time.Millisecond, "mean call latency")
	f.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	f.Int64Var(&opts.seed, "seed", 1, "random seed")
	f.BoolVar(&opts.reportGC, "report-gc", true, "report this process's garbage collections as the first instance")
	return cmd
}

// fleetInstance is one simulated instance and the services of its application.
type fleetInstance struct {
	client   *sdk.Client
	services []int
}

func instanceID(app, i int) int { return app*1000 + i }

func serviceID(app, s int) int { return app*1000 + s }

func runLoadgen(ctx context.Context, opts loadgenOptions, logger *slog.Logger) error {
	if opts.applications <= 0 || opts.instances <= 0 || opts.services <= 0 || opts.rate <= 0 {
		return fmt.Errorf("applications, instances, services and rate must be positive")
	}

	var fleet []fleetInstance
	for app := 1; app <= opts.applications; app++ {
		services := make([]int, opts.services)
		for s := range services {
			services[s] = serviceID(app, s+1)
		}
		for i := 1; i <= opts.instances; i++ {
			client, err := sdk.New(sdk.ClientConfig{
				ApplicationID: app,
				InstanceID:    instanceID(app, i),
				APIKey:        opts.apiKey,
				Endpoint:      opts.endpoint,
				FlushEvery:    time.Second,
			})
			if err != nil {
				return err
			}
			if err := client.RegisterSelf(ctx, fmt.Sprintf("app-%d", app), fmt.Sprintf("host-%d-%d", app, i)); err != nil {
				return fmt.Errorf("register instance %d: %w", instanceID(app, i), err)
			}
			if i == 1 {
				for s, id := range services {
					if err := client.RegisterService(ctx, id, fmt.Sprintf("/api/v1/resource-%d", s+1)); err != nil {
						return fmt.Errorf("register service %d: %w", id, err)
					}
				}
			}
			fleet = append(fleet, fleetInstance{client: client, services: services})
		}
	}
	logger.Info("Fleet registered",
		"applications", opts.applications,
		"instances", len(fleet),
		"services_per_application", opts.services)

	g, gctx := errgroup.WithContext(ctx)
	for n, inst := range fleet {
		if err := inst.client.Start(gctx); err != nil {
			return err
		}
		if n == 0 && opts.reportGC {
			collector := runtime.NewCollector(inst.client, 5*time.Second)
			g.Go(func() error {
				collector.Start(gctx)
				return nil
			})
		}

		rng := rand.New(rand.NewSource(opts.seed + int64(n)))
		g.Go(func() error {
			defer func() {
				if err := inst.client.Stop(); err != nil {
					logger.Warn("Final flush failed", "error", err)
				}
			}()
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					simulateSecond(rng, inst, opts)
				}
			}
		})
	}

	err := g.Wait()
	logger.Info("Load generation stopped")
	return err
}

// simulateSecond records one second of traffic of inst: every call is seen
// by the instance as caller and by a service, the instance and the
// application as callee.
func simulateSecond(rng *rand.Rand, inst fleetInstance, opts loadgenOptions) {
	for i := 0; i < opts.rate; i++ {
		latency := time.Duration(rng.ExpFloat64() * float64(opts.latency))
		if rng.Float64() < opts.slowRate {
			latency *= 10
		}
		failed := rng.Float64() < opts.errorRate
		service := inst.services[rng.Intn(len(inst.services))]

		inst.client.RecordCall(sdk.Call{Domain: model.InstanceDomain, Source: model.Caller, Duration: latency, Failed: failed})
		inst.client.RecordCall(sdk.Call{Domain: model.InstanceDomain, Source: model.Callee, Duration: latency, Failed: failed})
		inst.client.RecordCall(sdk.Call{Domain: model.ApplicationDomain, Source: model.Callee, Duration: latency, Failed: failed})
		inst.client.RecordCall(sdk.Call{
			Domain:      model.ServiceDomain,
			EntityID:    service,
			Source:      model.Callee,
			Duration:    latency,
			Failed:      failed,
			Transaction: true,
		})
	}
}
