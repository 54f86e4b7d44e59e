package temporal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/brojonat/ecoride/service/metrics"
)

// defaultMaxConcurrentActivities bounds concurrent ledger work per worker.
// Legs within one receipt are sequential regardless.
const defaultMaxConcurrentActivities = 10

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	Distributor Distributor

	// MaxConcurrentActivities caps distributions executing at once. 0 means 10.
	MaxConcurrentActivities int

	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger
}

// Validate checks the config and fills in defaults.
func (cfg *WorkerConfig) Validate() error {
	if cfg.TaskQueue == "" {
		return errors.New("task queue is required")
	}
	if cfg.Distributor == nil {
		return errors.New("worker requires a distributor")
	}
	if cfg.MaxConcurrentActivities < 0 {
		return errors.New("max concurrent activities cannot be negative")
	}
	if cfg.MaxConcurrentActivities == 0 {
		cfg.MaxConcurrentActivities = defaultMaxConcurrentActivities
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Worker runs the distribution and reconcile workflows on one task queue.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger

	stop     chan interface{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewWorker dials Temporal and registers the workflows and activities.
// Nothing is polled until Start.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("component", "temporal_worker", "task_queue", cfg.TaskQueue)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", cfg.TemporalHost, err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     cfg.MaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.MaxConcurrentActivities,
	})
	register(w, NewActivities(cfg.Distributor, cfg.Metrics, logger))

	logger.Info("temporal worker configured",
		"namespace", cfg.TemporalNamespace,
		"max_concurrent_activities", cfg.MaxConcurrentActivities,
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
		stop:   make(chan interface{}),
		done:   make(chan struct{}),
	}, nil
}

// register adds everything the worker executes to r. Activity names are the
// method names of Activities, which the workflows reference through `a`.
func register(r worker.Registry, activities *Activities) {
	r.RegisterWorkflow(DistributeRewardWorkflow)
	r.RegisterWorkflow(ReconcileWorkflow)
	r.RegisterActivity(activities)
}

// Start polls the task queue until Stop is called. It returns an error if the
// worker could not start or failed while running.
func (w *Worker) Start() error {
	w.started.Store(true)
	defer close(w.done)
	w.logger.Info("starting temporal worker")
	if err := w.worker.Run(w.stop); err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop asks a running worker to finish its in-progress tasks, waits for Start
// to return and closes the Temporal connection. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("stopping temporal worker")
		close(w.stop)
		if w.started.Load() {
			<-w.done
		}
		w.client.Close()
	})
}
