package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/ecoride/service/metrics"
	"github.com/brojonat/ecoride/service/reward"
	"github.com/brojonat/ecoride/service/temporal"
)

// Distributor is the orchestrator surface the HTTP API drives.
// *reward.Orchestrator implements it.
type Distributor interface {
	Distribute(ctx context.Context, rc reward.ReceiptContext) (*reward.DistributionRecord, error)
	Override(ctx context.Context, d reward.ReviewDecision) (*reward.DistributionRecord, error)
	Reconcile(ctx context.Context, receiptID string) (*reward.DistributionRecord, error)
	Get(ctx context.Context, receiptID string) (*reward.DistributionRecord, error)
	ListUnsettled(ctx context.Context, limit int) ([]*reward.DistributionRecord, error)
}

// BalanceReader reads token balances. *ledger.Client implements it.
type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
}

// Server represents the HTTP server for the reward distribution service.
type Server struct {
	addr          string
	tokenDecimals int32
	distributor   Distributor
	validations   *reward.ValidationCache
	balances      BalanceReader
	scheduler     temporal.Scheduler
	metrics       *metrics.Metrics
	logger        *slog.Logger
	server        *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler is optional - if nil, async distribution is unavailable.
// The balances reader is optional - if nil, the ledger balance endpoint is not mounted.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, tokenDecimals int32, distributor Distributor, validations *reward.ValidationCache, balances BalanceReader, scheduler temporal.Scheduler, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:          addr,
		tokenDecimals: tokenDecimals,
		distributor:   distributor,
		validations:   validations,
		balances:      balances,
		scheduler:     scheduler,
		metrics:       m,
		logger:        logger,
	}
}

// Handler builds the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Validation cache
	mux.Handle("POST /api/v1/validations", handleCreateValidation(s.validations, s.logger))

	// Distribution routes
	mux.Handle("POST /api/v1/distributions", handleCreateDistribution(s.distributor, s.validations, s.scheduler, s.tokenDecimals, s.logger))
	mux.Handle("GET /api/v1/distributions/unsettled", handleListUnsettled(s.distributor, s.tokenDecimals, s.logger))
	mux.Handle("GET /api/v1/distributions/{receipt_id}", handleGetDistribution(s.distributor, s.tokenDecimals, s.logger))
	mux.Handle("POST /api/v1/distributions/{receipt_id}/review", handleReviewDistribution(s.distributor, s.tokenDecimals, s.logger))
	mux.Handle("POST /api/v1/distributions/{receipt_id}/reconcile", handleReconcileDistribution(s.distributor, s.tokenDecimals, s.logger))

	if s.balances != nil {
		mux.Handle("GET /api/v1/ledger/balance/{address}", handleGetBalance(s.balances, s.tokenDecimals, s.logger))
	} else {
		s.logger.Warn("ledger reader not configured, balance endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(metrics.InstrumentMux(s.metrics, mux))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.scheduler == nil {
		s.logger.Warn("temporal scheduler not configured, async distribution disabled")
	}

	// Distributions wait on ledger receipts, so writes get a long budget.
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
