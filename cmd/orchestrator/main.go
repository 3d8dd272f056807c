// Command orchestrator runs the orchestration core: the HTTP admission
// surface, the workflow scheduler, the response correlator, and the
// worker registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmesh/orchestrator/api"
	"github.com/flowmesh/orchestrator/bus"
	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/orchestration"
	"github.com/flowmesh/orchestrator/registry"
	"github.com/flowmesh/orchestrator/store"
	"github.com/flowmesh/orchestrator/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := core.NewConfig()
	if err != nil {
		return err
	}

	logger := core.NewSimpleLogger().WithFields(map[string]interface{}{
		"service_name": cfg.ServiceName,
	})
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, logger)
	if err != nil {
		logger.Warn("Trace export unavailable", map[string]interface{}{"error": err.Error()})
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()
	metrics := telemetry.NewOTelMetrics(logger)

	var st store.Store
	if cfg.Store.RedisURL != "" {
		redisStore, err := store.NewRedisStore(cfg.Store.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("request store: %w", err)
		}
		defer redisStore.Close()
		st = redisStore
	} else {
		logger.Warn("No store configured, using in-memory store", nil)
		st = store.NewMemoryStore()
	}

	b, err := bus.NewNATSBus(bus.NATSOptions{
		Brokers:       cfg.Bus.Brokers,
		ClientID:      cfg.Bus.ClientID,
		GroupID:       cfg.Bus.GroupID,
		ServiceName:   cfg.ServiceName,
		ReconnectWait: cfg.Bus.ReconnectWait,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	var provider registry.Provider
	switch cfg.Registry.Mode {
	case core.DiscoveryKubernetes:
		provider, err = registry.NewKubernetesProvider(cfg.Registry.Namespace, logger)
		if err != nil {
			return fmt.Errorf("kubernetes discovery: %w", err)
		}
	default:
		provider = registry.NewStaticProvider(cfg.Registry.StaticTypes)
	}
	workers := registry.New(provider, cfg.Registry.DiscoveryInterval, logger)
	prober := registry.NewProber(workers, cfg.Registry.HealthCheckInterval, cfg.Registry.HealthCheckTimeout, logger)
	go workers.Run(ctx)
	go prober.Run(ctx)

	catalog := orchestration.NewCatalog()
	responseTopics := cfg.Scheduler.ResponseTopics
	if cfg.WorkflowsFile != "" {
		fileTopics, err := catalog.LoadFile(cfg.WorkflowsFile)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err)
		}
		if len(fileTopics) > 0 {
			responseTopics = fileTopics
		}
	}
	router := orchestration.NewRouter(catalog, logger)

	scheduler := orchestration.NewScheduler(orchestration.SchedulerOptions{
		Store:                st,
		Bus:                  b,
		Workers:              workers,
		Catalog:              catalog,
		Logger:               logger,
		Metrics:              metrics,
		Tick:                 cfg.Scheduler.Tick,
		PendingDispatchLimit: cfg.Scheduler.PendingDispatchLimit,
		SaturationGrace:      cfg.Scheduler.SaturationGrace,
	})
	correlator := orchestration.NewCorrelator(b, scheduler.ResultChannel(), logger, metrics)
	if err := correlator.SubscribeAll(catalog.WorkerTypes(), responseTopics); err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	go scheduler.Run(ctx)

	server := api.NewServer(api.ServerOptions{
		Store:     st,
		Router:    router,
		Catalog:   catalog,
		Scheduler: scheduler,
		Bus:       b,
		Logger:    logger,
		Metrics:   metrics,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Orchestrator listening", map[string]interface{}{
			"port":           cfg.Port,
			"discovery_mode": cfg.Registry.Mode,
			"brokers":        cfg.Bus.Brokers,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
