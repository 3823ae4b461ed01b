package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/valinor-ai/authguard/internal/platform/config"
	"github.com/valinor-ai/authguard/internal/platform/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logging
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("authguard starting",
		"version", "0.1.0",
		"port", cfg.Server.Port,
		"origin", cfg.Origin.BaseURL,
	)

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := buildApp(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer a.Close()

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	g.Go(func() error {
		return a.refresher.Run(gctx)
	})
	g.Go(func() error {
		// Warm the engine so /readyz settles without waiting for a caller.
		if _, err := a.guard.EnsureReady(gctx); err != nil && gctx.Err() == nil {
			slog.Warn("initial authorization check failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}
