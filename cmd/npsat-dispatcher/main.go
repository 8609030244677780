package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/manthysbr/npsat-dispatch/internal/adapters/jobstore"
	"github.com/manthysbr/npsat-dispatch/internal/adapters/mantis"
	"github.com/manthysbr/npsat-dispatch/internal/config"
	"github.com/manthysbr/npsat-dispatch/internal/core/services"
	"github.com/manthysbr/npsat-dispatch/pkg/opsapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger.Info("starting npsat dispatcher",
		"store", cfg.Store.Driver,
		"dsn", config.MaskDSN(cfg.Store.DSN),
		"endpoints", len(cfg.Solver.Endpoints))

	if err := run(logger, cfg); err != nil {
		logger.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	store, err := jobstore.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	clk := clock.RealClock{}
	client := mantis.NewClient(logger, mantis.ClientConfig{
		Timeout:       cfg.Dispatcher.TransportTimeout,
		ProbeTimeout:  cfg.Solver.ProbeTimeout,
		ProbeRequest:  cfg.Solver.ProbeRequest,
		ProbeResponse: cfg.Solver.ProbeResponse,
		MaxReplyBytes: cfg.Solver.MaxReplyBytes,
	})

	registry := services.NewEndpointRegistry(logger, client, clk, cfg.Endpoints(), services.RegistryConfig{
		ProbeInterval:    cfg.Solver.ProbeInterval,
		ProbeConcurrency: cfg.Solver.ProbeConcurrency,
	})
	online := registry.ProbeAll(ctx)
	logger.Info("initial endpoint probe", "online", online, "configured", len(cfg.Solver.Endpoints))

	bus := services.NewEventBus(logger)
	dispatcher := services.NewDispatcher(logger, store, client, registry, cfg.Tables(), bus, clk, services.DispatcherConfig{
		PollInterval:         cfg.Dispatcher.PollInterval,
		NoEndpointBackoff:    cfg.Dispatcher.NoEndpointBackoff,
		NoEndpointWarnWindow: cfg.Dispatcher.NoEndpointWarnWindow,
		ListRetryAttempts:    cfg.Dispatcher.ListRetryAttempts,
		ListRetryDelay:       cfg.Dispatcher.ListRetryDelay,
		Percentiles:          cfg.Percentiles,
	})

	ops := opsapi.NewServer(logger, registry, dispatcher, store, bus, cfg.Ops.AllowedOrigins)
	handler, err := ops.Handler(ctx)
	if err != nil {
		return fmt.Errorf("failed to build ops api: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gCtx)
	})

	g.Go(func() error {
		return registry.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting ops api server", "addr", cfg.Ops.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down ops api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
