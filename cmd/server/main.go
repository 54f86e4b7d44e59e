package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brojonat/ecoride/service/app"
	"github.com/brojonat/ecoride/service/config"
	"github.com/brojonat/ecoride/service/metrics"
	"github.com/brojonat/ecoride/service/server"
	"github.com/brojonat/ecoride/service/temporal"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	engine, err := app.Build(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build distribution engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Temporal is optional for the server: without it async distribution is off.
	var scheduler temporal.Scheduler
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger, metricsCollector)
	if err != nil {
		logger.Warn("temporal unavailable, async distribution disabled", "error", err)
	} else {
		defer temporalClient.Close()
		scheduler = temporalClient
		if err := temporalClient.UpsertReconcileSchedule(ctx, cfg.ReconcileInterval, 0); err != nil {
			logger.Error("failed to upsert reconcile schedule", "error", err)
		}
	}

	httpServer := server.New(
		cfg.ServerAddr,
		cfg.Ledger.TokenDecimals,
		engine.Orchestrator,
		engine.Validations,
		engine.Ledger,
		scheduler,
		metricsCollector,
		logger,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}
