package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/brojonat/ecoride/service/metrics"
	"github.com/brojonat/ecoride/service/reward"
)

// Application error types set on activity failures. Workflows and retry
// policies match on them.
const (
	ErrTypeInvalidReceipt = "InvalidReceipt"
	ErrTypeNotFound       = "NotFound"
	ErrTypeInFlight       = "InFlight"
)

// DistributeInput contains the input parameters for a distribution.
type DistributeInput struct {
	Context reward.ReceiptContext `json:"context"`
}

// DistributionResult summarizes a distribution record for workflow callers.
type DistributionResult struct {
	ReceiptID       string        `json:"receipt_id"`
	Attempt         int           `json:"attempt"`
	Mode            reward.Mode   `json:"mode"`
	Status          reward.Status `json:"status"`
	RecipientTxHash string        `json:"recipient_tx_hash,omitempty"`
	FundTxHash      string        `json:"fund_tx_hash,omitempty"`
	Partial         bool          `json:"partial"`
}

func resultFromRecord(rec *reward.DistributionRecord) *DistributionResult {
	return &DistributionResult{
		ReceiptID:       rec.ReceiptID,
		Attempt:         rec.Attempt,
		Mode:            rec.Mode,
		Status:          rec.Status(),
		RecipientTxHash: rec.RecipientOutcome.TxHash,
		FundTxHash:      rec.FundOutcome.TxHash,
		Partial:         rec.Status() == reward.StatusPartial,
	}
}

// ListUnsettledInput contains parameters for the ListUnsettled activity.
type ListUnsettledInput struct {
	Limit int `json:"limit"`
}

// ListUnsettledResult contains the receipt ids the reconciler should visit.
type ListUnsettledResult struct {
	ReceiptIDs []string `json:"receipt_ids"`
}

// ReconcileReceiptInput contains parameters for the ReconcileReceipt activity.
type ReconcileReceiptInput struct {
	ReceiptID string `json:"receipt_id"`
}

// Distributor is the part of the orchestrator the activities drive.
// *reward.Orchestrator implements it.
type Distributor interface {
	Distribute(ctx context.Context, rc reward.ReceiptContext) (*reward.DistributionRecord, error)
	Reconcile(ctx context.Context, receiptID string) (*reward.DistributionRecord, error)
	ListUnsettled(ctx context.Context, limit int) ([]*reward.DistributionRecord, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	distributor Distributor
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(distributor Distributor, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		distributor: distributor,
		metrics:     m,
		logger:      logger,
	}
}

// Distribute runs one receipt through the orchestrator. A record still leased
// by another attempt fails with a retryable InFlight error so Temporal comes
// back after the lease has had time to expire.
func (a *Activities) Distribute(ctx context.Context, input DistributeInput) (result *DistributionResult, err error) {
	defer a.observe("Distribute", time.Now(), &err)

	a.logger.InfoContext(ctx, "distributing reward",
		"receipt_id", input.Context.ReceiptID,
		"confidence", input.Context.ConfidenceScore,
	)

	rec, err := a.distributor.Distribute(ctx, input.Context)
	if err != nil {
		return nil, classify(err)
	}
	if rec.Status() == reward.StatusInFlight {
		return nil, temporal.NewApplicationError(
			fmt.Sprintf("distribution %s is in flight elsewhere", rec.ReceiptID), ErrTypeInFlight)
	}
	return resultFromRecord(rec), nil
}

// ListUnsettled returns the receipt ids the reconciler still has work for.
func (a *Activities) ListUnsettled(ctx context.Context, input ListUnsettledInput) (result *ListUnsettledResult, err error) {
	defer a.observe("ListUnsettled", time.Now(), &err)

	recs, err := a.distributor.ListUnsettled(ctx, input.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled distributions: %w", err)
	}
	result = &ListUnsettledResult{ReceiptIDs: make([]string, 0, len(recs))}
	for _, rec := range recs {
		result.ReceiptIDs = append(result.ReceiptIDs, rec.ReceiptID)
	}
	a.logger.InfoContext(ctx, "listed unsettled distributions", "count", len(recs))
	return result, nil
}

// ReconcileReceipt repairs a single stored distribution.
func (a *Activities) ReconcileReceipt(ctx context.Context, input ReconcileReceiptInput) (result *DistributionResult, err error) {
	defer a.observe("ReconcileReceipt", time.Now(), &err)

	rec, err := a.distributor.Reconcile(ctx, input.ReceiptID)
	if err != nil {
		return nil, classify(err)
	}
	if rec.Status() == reward.StatusInFlight {
		return nil, temporal.NewApplicationError(
			fmt.Sprintf("distribution %s is in flight elsewhere", rec.ReceiptID), ErrTypeInFlight)
	}
	return resultFromRecord(rec), nil
}

// classify marks errors that retries cannot fix as non-retryable.
func classify(err error) error {
	switch {
	case errors.Is(err, reward.ErrInvalidReceipt), errors.Is(err, reward.ErrInvalidAmount):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidReceipt, err)
	case errors.Is(err, reward.ErrRecordNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotFound, err)
	}
	return err
}

func (a *Activities) observe(activity string, start time.Time, err *error) {
	if a.metrics != nil {
		status := "success"
		if *err != nil {
			status = "error"
		}
		a.metrics.RecordActivityDuration(activity, status, time.Since(start).Seconds())
	}
}
