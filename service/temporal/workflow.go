package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// DistributionWorkflowID is the workflow id for a receipt. Reusing the receipt
// id makes concurrent starts for the same receipt collapse into one workflow.
func DistributionWorkflowID(receiptID string) string {
	return "distribute-" + receiptID
}

// distributeActivityOptions bounds one orchestrator call. The orchestrator
// itself never waits longer than two exhausted receipt polls, so the timeout
// only catches a hung worker.
var distributeActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 15 * time.Minute,
	RetryPolicy: &temporalsdk.RetryPolicy{
		InitialInterval:        30 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        5 * time.Minute,
		MaximumAttempts:        10,
		NonRetryableErrorTypes: []string{ErrTypeInvalidReceipt, ErrTypeNotFound},
	},
}

// DistributeRewardWorkflow distributes one receipt's reward. It is started by
// the HTTP API in async mode.
func DistributeRewardWorkflow(ctx workflow.Context, input DistributeInput) (*DistributionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("DistributeRewardWorkflow started", "receipt_id", input.Context.ReceiptID)

	ctx = workflow.WithActivityOptions(ctx, distributeActivityOptions)

	var result *DistributionResult
	if err := workflow.ExecuteActivity(ctx, a.Distribute, input).Get(ctx, &result); err != nil {
		logger.Error("distribution failed", "receipt_id", input.Context.ReceiptID, "error", err)
		return nil, fmt.Errorf("failed to distribute reward: %w", err)
	}

	if result.Partial {
		logger.Error("distribution settled partially",
			"receipt_id", result.ReceiptID,
			"recipient_tx", result.RecipientTxHash,
			"fund_tx", result.FundTxHash,
		)
	}
	logger.Info("DistributeRewardWorkflow completed",
		"receipt_id", result.ReceiptID,
		"mode", result.Mode,
		"status", result.Status,
	)
	return result, nil
}

// ReconcileInput contains the input parameters for a reconciliation sweep.
type ReconcileInput struct {
	Limit int `json:"limit"`
}

// ReconcileResult summarizes a reconciliation sweep.
type ReconcileResult struct {
	Scanned    int       `json:"scanned"`
	Reconciled int       `json:"reconciled"`
	Failed     []string  `json:"failed,omitempty"`
	Partial    []string  `json:"partial,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// ReconcileWorkflow visits every unsettled distribution, one at a time.
// It is triggered by a Temporal schedule. A failure on one receipt is
// recorded and the sweep moves on.
func ReconcileWorkflow(ctx workflow.Context, input ReconcileInput) (*ReconcileResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileWorkflow started", "limit", input.Limit)

	result := &ReconcileResult{StartedAt: workflow.Now(ctx)}

	listCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var unsettled *ListUnsettledResult
	if err := workflow.ExecuteActivity(listCtx, a.ListUnsettled, ListUnsettledInput{Limit: input.Limit}).Get(ctx, &unsettled); err != nil {
		return result, fmt.Errorf("failed to list unsettled distributions: %w", err)
	}
	result.Scanned = len(unsettled.ReceiptIDs)

	// Leased records are left for the next sweep rather than waited on.
	reconcileCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeInvalidReceipt, ErrTypeNotFound, ErrTypeInFlight},
		},
	})

	for _, id := range unsettled.ReceiptIDs {
		var rec *DistributionResult
		err := workflow.ExecuteActivity(reconcileCtx, a.ReconcileReceipt, ReconcileReceiptInput{ReceiptID: id}).Get(ctx, &rec)
		if err != nil {
			logger.Warn("failed to reconcile distribution", "receipt_id", id, "error", err)
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Reconciled++
		if rec.Partial {
			result.Partial = append(result.Partial, id)
		}
	}

	logger.Info("ReconcileWorkflow completed",
		"scanned", result.Scanned,
		"reconciled", result.Reconciled,
		"failed", len(result.Failed),
		"partial", len(result.Partial),
	)
	return result, nil
}
