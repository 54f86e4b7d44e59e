package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/brojonat/ecoride/service/metrics"
	"github.com/brojonat/ecoride/service/reward"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a new Temporal client. m may be nil.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		metrics:   m,
		logger:    logger,
	}, nil
}

// StartDistribution starts a DistributeRewardWorkflow keyed by receipt id.
// A start for a receipt whose workflow is running or already completed
// returns that workflow's id instead of starting another one.
func (c *Client) StartDistribution(ctx context.Context, rc reward.ReceiptContext) (string, error) {
	id := DistributionWorkflowID(rc.ReceiptID)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                c.taskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		Memo: map[string]interface{}{
			"receipt_id": rc.ReceiptID,
			"created_by": "ecoride",
		},
	}, DistributeRewardWorkflow, DistributeInput{Context: rc})

	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &already) {
		c.logger.Debug("distribution workflow already ran", "workflow_id", id)
		return id, nil
	}
	if err != nil {
		c.logger.Error("failed to start distribution workflow",
			"receipt_id", rc.ReceiptID,
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("distribution workflow started",
		"receipt_id", rc.ReceiptID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), nil
}

// AwaitDistribution blocks until the workflow completes and returns its result.
func (c *Client) AwaitDistribution(ctx context.Context, workflowID string) (*DistributionResult, error) {
	var result DistributionResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("workflow %q failed: %w", workflowID, err)
	}
	return &result, nil
}

// RunReconcile executes one ReconcileWorkflow outside the schedule and waits
// for it to finish.
func (c *Client) RunReconcile(ctx context.Context, limit int) (*ReconcileResult, error) {
	start := time.Now()
	id := "reconcile-manual-" + uuid.NewString()

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, ReconcileWorkflow, ReconcileInput{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	var result ReconcileResult
	err = run.Get(ctx, &result)
	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordWorkflowDuration("ReconcileWorkflow", status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("workflow %q failed: %w", id, err)
	}
	return &result, nil
}

func (c *Client) createReconcileSchedule(ctx context.Context, interval time.Duration, limit int) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ReconcileScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "reconcile-sweep",
			Workflow:  ReconcileWorkflow,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{ReconcileInput{Limit: limit}},
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Memo: map[string]interface{}{
			"created_by": "ecoride",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule created",
		"schedule_id", ReconcileScheduleID,
		"interval", interval,
		"limit", limit,
	)
	return nil
}

// UpsertReconcileSchedule creates the reconcile schedule or updates its interval.
func (c *Client) UpsertReconcileSchedule(ctx context.Context, interval time.Duration, limit int) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %v", interval)
	}

	handle := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return c.createReconcileSchedule(ctx, interval, limit)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			if action, ok := input.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{ReconcileInput{Limit: limit}}
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule updated",
		"schedule_id", ReconcileScheduleID,
		"interval", interval,
		"limit", limit,
	)
	return nil
}

// DeleteReconcileSchedule deletes the reconcile schedule.
func (c *Client) DeleteReconcileSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule deleted", "schedule_id", ReconcileScheduleID)
	return nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
