// Package app assembles the distribution engine from configuration. The
// server and worker binaries share it so both run the same orchestrator.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"

	"github.com/brojonat/ecoride/service/config"
	"github.com/brojonat/ecoride/service/db"
	"github.com/brojonat/ecoride/service/ledger"
	"github.com/brojonat/ecoride/service/metrics"
	natspkg "github.com/brojonat/ecoride/service/nats"
	"github.com/brojonat/ecoride/service/reward"
)

// App holds the wired components and the resources backing them.
type App struct {
	Orchestrator *reward.Orchestrator
	Ledger       *ledger.Client
	Validations  *reward.ValidationCache
	Store        reward.RecordStore

	pool      *pgxpool.Pool
	publisher *natspkg.JetStreamPublisher
	logger    *slog.Logger
}

// Build connects to every configured backend and wires the orchestrator.
// m may be nil. Close releases whatever Build opened, also on error.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (a *App, err error) {
	a = &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()
	clock := clockwork.NewRealClock()

	if cfg.DatabaseURL != "" {
		if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return a, fmt.Errorf("failed to migrate database: %w", err)
		}
		a.pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return a, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := a.pool.Ping(ctx); err != nil {
			return a, fmt.Errorf("failed to ping database: %w", err)
		}
		a.Store = db.NewStore(a.pool, m)
		logger.Info("connected to database")
	} else {
		a.Store = reward.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, distribution records are kept in memory")
	}

	var (
		reviews reward.ReviewSink
		alerts  reward.AlertSink
	)
	if cfg.NATSURL != "" {
		a.publisher, err = natspkg.NewPublisher(cfg.NATSURL, logger, m)
		if err != nil {
			return a, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		reviews, alerts = a.publisher, a.publisher
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, review requests and alerts are only logged")
	}

	signer, err := ledger.LoadSigner(cfg.Ledger.DistributorPrivateKey, cfg.Ledger.DistributorKeyFile)
	if err != nil {
		return a, fmt.Errorf("failed to load distributor key: %w", err)
	}
	if signer == nil {
		logger.Warn("no distributor key configured, every transfer will fail to submit")
	} else {
		logger.Info("loaded distributor key", "address", signer.Address().Hex())
	}

	a.Ledger, err = ledger.NewClient(ledger.Config{
		Logger:       logger.With("component", "ledger"),
		Clock:        clock,
		Metrics:      m,
		Endpoints:    cfg.Ledger.RPCURLs,
		TokenAddress: cfg.Ledger.TokenContractAddress,
		Signer:       signer,
		ChainID:      cfg.Ledger.ChainID,
		GasLimit:     cfg.Ledger.GasLimit,
		ProbeTimeout: cfg.Ledger.ProbeTimeout,
		CallTimeout:  cfg.Ledger.CallTimeout,
		RateLimit:    cfg.Ledger.RateLimit,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create ledger client: %w", err)
	}

	flagged := make([]reward.Category, len(cfg.Distribution.FraudCategories))
	for i, c := range cfg.Distribution.FraudCategories {
		flagged[i] = reward.Category(c)
	}
	router, err := reward.NewRouter(cfg.Distribution.HighThreshold, cfg.Distribution.MediumThreshold, flagged)
	if err != nil {
		return a, fmt.Errorf("failed to create router: %w", err)
	}
	splitter, err := reward.NewSplitter(cfg.Distribution.SplitNumerator, cfg.Distribution.SplitDenominator)
	if err != nil {
		return a, fmt.Errorf("failed to create splitter: %w", err)
	}

	executor, err := reward.NewExecutor(reward.ExecutorConfig{
		Logger:       logger.With("component", "executor"),
		Clock:        clock,
		Metrics:      m,
		Ledger:       a.Ledger,
		PollInterval: cfg.Distribution.PollInterval,
		MaxAttempts:  cfg.Distribution.MaxPollAttempts,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create executor: %w", err)
	}

	a.Orchestrator, err = reward.NewOrchestrator(reward.OrchestratorConfig{
		Logger:      logger.With("component", "orchestrator"),
		Clock:       clock,
		Metrics:     m,
		Router:      router,
		Splitter:    splitter,
		Executor:    executor,
		Store:       a.Store,
		Reviews:     reviews,
		Alerts:      alerts,
		FundAddress: cfg.Ledger.FundAddress,
		LeaseTTL:    cfg.Distribution.LeaseTTL,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	a.Validations, err = reward.NewValidationCache(cfg.Distribution.ValidationCacheTTL, clock, m)
	if err != nil {
		return a, fmt.Errorf("failed to create validation cache: %w", err)
	}

	logger.Info("distribution engine ready",
		"ledger_endpoints", len(cfg.Ledger.RPCURLs),
		"fund_address", cfg.Ledger.FundAddress,
		"high_threshold", cfg.Distribution.HighThreshold,
		"medium_threshold", cfg.Distribution.MediumThreshold,
		"split", fmt.Sprintf("%d/%d", cfg.Distribution.SplitNumerator, cfg.Distribution.SplitDenominator),
	)
	return a, nil
}

// Close releases the ledger, NATS and database connections.
func (a *App) Close() {
	if a.Ledger != nil {
		a.Ledger.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("failed to close NATS publisher", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// NewLogger builds the process logger. Format "text" selects a colored
// human-readable handler; anything else logs JSON.
func NewLogger(levelStr, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if format == "text" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
