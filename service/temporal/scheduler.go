package temporal

import (
	"context"
	"time"

	"github.com/brojonat/ecoride/service/reward"
)

// ReconcileScheduleID is the id of the single schedule that triggers the
// ReconcileWorkflow.
const ReconcileScheduleID = "reconcile-distributions"

// Scheduler starts distribution workflows and manages the reconcile schedule.
type Scheduler interface {
	// StartDistribution starts a DistributeRewardWorkflow for the receipt and
	// returns its workflow id. Starting twice for the same receipt returns the
	// running workflow.
	StartDistribution(ctx context.Context, rc reward.ReceiptContext) (string, error)

	// UpsertReconcileSchedule creates the reconcile schedule, or updates its
	// interval if it already exists.
	UpsertReconcileSchedule(ctx context.Context, interval time.Duration, limit int) error

	// DeleteReconcileSchedule removes the reconcile schedule.
	DeleteReconcileSchedule(ctx context.Context) error
}
