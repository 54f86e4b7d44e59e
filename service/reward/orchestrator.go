package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/brojonat/ecoride/service/ledger"
	"github.com/brojonat/ecoride/service/metrics"
)

// ReviewSink receives records that need a human decision.
type ReviewSink interface {
	SubmitReview(ctx context.Context, req *ReviewRequest) error
}

// AlertSink receives partial-distribution alerts.
type AlertSink interface {
	PublishAlert(ctx context.Context, alert *IntegrityAlert) error
}

type OrchestratorConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Metrics  *metrics.Metrics // optional
	Router   *Router
	Splitter *Splitter
	Executor *Executor
	Store    RecordStore
	Reviews  ReviewSink // optional
	Alerts   AlertSink  // optional

	FundAddress string
	LeaseTTL    time.Duration
}

func (cfg *OrchestratorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Router == nil {
		return errors.New("router is required")
	}
	if cfg.Splitter == nil {
		return errors.New("splitter is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Store == nil {
		return errors.New("record store is required")
	}
	if err := ledger.ValidateAddress(cfg.FundAddress); err != nil {
		return fmt.Errorf("fund address: %w", err)
	}
	if cfg.LeaseTTL <= 0 {
		return errors.New("lease ttl must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Orchestrator turns a receipt into at most one effective reward distribution.
type Orchestrator struct {
	log *slog.Logger
	cfg OrchestratorConfig
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

// Distribute routes, splits and executes the reward for rc.
//
// The first call for a receipt id owns it. Later calls return the stored
// record unchanged while it is terminal or leased by another caller. An
// unresolved immediate record whose lease has lapsed is taken over and only
// its unresolved legs are retried.
func (o *Orchestrator) Distribute(ctx context.Context, rc ReceiptContext) (*DistributionRecord, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	mode := o.cfg.Router.Route(rc.ConfidenceScore, rc.Category)
	split, err := o.cfg.Splitter.Split(rc.TotalReward)
	if err != nil {
		return nil, err
	}

	now := o.cfg.Clock.Now()
	fresh := &DistributionRecord{
		ReceiptID:        rc.ReceiptID,
		Attempt:          1,
		Context:          rc.clone(),
		Mode:             mode,
		Split:            split,
		RecipientOutcome: TransferOutcome{},
		FundOutcome:      TransferOutcome{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	switch mode {
	case ModePending:
		placeholders(fresh, now)
	case ModeManualReview:
		skipped(fresh, now)
	case ModeImmediate:
		fresh.lease(uuid.NewString(), now, o.cfg.LeaseTTL)
	}

	created, err := o.cfg.Store.Create(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to create distribution record: %w", err)
	}
	if created {
		o.log.InfoContext(ctx, "distribution created",
			"receipt_id", rc.ReceiptID,
			"mode", mode,
			"recipient_amount", split.RecipientAmount.String(),
			"fund_amount", split.FundAmount.String(),
		)
		switch mode {
		case ModeImmediate:
			return o.run(ctx, fresh)
		case ModeManualReview:
			return o.emitReview(ctx, fresh), nil
		default:
			o.observe(fresh, 0)
			return fresh, nil
		}
	}

	rec, leased, err := o.lease(ctx, rc.ReceiptID)
	if err != nil {
		return nil, err
	}
	if !leased {
		reason := "terminal"
		if !rec.Terminal() {
			reason = "in_flight"
		}
		o.log.InfoContext(ctx, "distribution already recorded",
			"receipt_id", rc.ReceiptID,
			"status", rec.Status(),
			"reason", reason,
		)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.RecordIdempotentReplay(reason)
		}
		return rec, nil
	}

	o.log.WarnContext(ctx, "resuming unresolved distribution",
		"receipt_id", rc.ReceiptID,
		"attempt", rec.Attempt,
		"recipient_status", rec.RecipientOutcome.Status,
		"fund_status", rec.FundOutcome.Status,
	)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordIdempotentReplay("resumed")
	}
	return o.run(ctx, rec)
}

// Override applies a reviewer decision to a Pending or ManualReview record.
// Approval starts a new attempt forced to immediate execution. Rejection
// settles the record with no transfer. Repeating the decision already
// applied returns the stored record.
func (o *Orchestrator) Override(ctx context.Context, d ReviewDecision) (*DistributionRecord, error) {
	if d.ReceiptID == "" {
		return nil, fmt.Errorf("%w: receipt id is required", ErrInvalidReceipt)
	}

	now := o.cfg.Clock.Now()
	var repeat bool
	rec, err := o.cfg.Store.Update(ctx, d.ReceiptID, func(cur *DistributionRecord) error {
		if cur.Review != nil && cur.Review.Approve == d.Approve && cur.Mode != ModeManualReview && cur.Mode != ModePending {
			repeat = true
			return nil
		}
		if cur.Mode != ModeManualReview && cur.Mode != ModePending {
			return fmt.Errorf("%w: record is %s", ErrOverrideNotAllowed, cur.Status())
		}

		decision := d
		decision.DecidedAt = now
		cur.Review = &decision
		cur.Attempt++
		cur.UpdatedAt = now
		if d.Approve {
			cur.Mode = ModeImmediate
			cur.RecipientOutcome = TransferOutcome{}
			cur.FundOutcome = TransferOutcome{}
			cur.lease(uuid.NewString(), now, o.cfg.LeaseTTL)
		} else {
			cur.Mode = ModeRejected
			skipped(cur, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if repeat {
		return rec, nil
	}

	o.log.InfoContext(ctx, "review decision applied",
		"receipt_id", d.ReceiptID,
		"approve", d.Approve,
		"reviewer", d.Reviewer,
		"attempt", rec.Attempt,
	)
	if !d.Approve {
		o.observe(rec, 0)
		return rec, nil
	}
	return o.run(ctx, rec)
}

// Reconcile repairs a stored record: it resumes an unresolved immediate
// record whose lease has lapsed, and re-emits a review request that never
// reached the review sink. Settled records are returned unchanged.
func (o *Orchestrator) Reconcile(ctx context.Context, receiptID string) (*DistributionRecord, error) {
	rec, err := o.cfg.Store.Get(ctx, receiptID)
	if err != nil {
		return nil, err
	}

	if rec.Mode == ModeManualReview && !rec.ReviewQueued {
		return o.emitReview(ctx, rec), nil
	}
	if rec.Terminal() {
		return rec, nil
	}

	rec, leased, err := o.lease(ctx, receiptID)
	if err != nil || !leased {
		return rec, err
	}
	o.log.InfoContext(ctx, "reconciling distribution",
		"receipt_id", receiptID,
		"recipient_status", rec.RecipientOutcome.Status,
		"fund_status", rec.FundOutcome.Status,
	)
	return o.run(ctx, rec)
}

// ListUnsettled returns records that Reconcile may still act on.
func (o *Orchestrator) ListUnsettled(ctx context.Context, limit int) ([]*DistributionRecord, error) {
	return o.cfg.Store.ListUnsettled(ctx, limit)
}

// Get returns the stored record for receiptID.
func (o *Orchestrator) Get(ctx context.Context, receiptID string) (*DistributionRecord, error) {
	return o.cfg.Store.Get(ctx, receiptID)
}

// FundAddress returns the operating fund's address.
func (o *Orchestrator) FundAddress() string {
	return o.cfg.FundAddress
}

// lease takes over an existing record if it is unresolved and unleased.
func (o *Orchestrator) lease(ctx context.Context, receiptID string) (*DistributionRecord, bool, error) {
	now := o.cfg.Clock.Now()
	var leased bool
	rec, err := o.cfg.Store.Update(ctx, receiptID, func(cur *DistributionRecord) error {
		if !cur.leasable(now) {
			return nil
		}
		cur.lease(uuid.NewString(), now, o.cfg.LeaseTTL)
		leased = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to lease distribution record: %w", err)
	}
	return rec, leased, nil
}

// run executes the unresolved legs of a leased immediate record, recipient
// first. The fund leg starts only after the recipient leg has resolved or
// exhausted its receipt polls.
func (o *Orchestrator) run(ctx context.Context, rec *DistributionRecord) (*DistributionRecord, error) {
	start := o.cfg.Clock.Now()
	leaseID := rec.LeaseID

	checkpoint := func(leg Leg) Checkpoint {
		return func(ctx context.Context, out TransferOutcome) error {
			setOutcome(rec, leg, out)
			rec.UpdatedAt = o.cfg.Clock.Now()
			return o.persist(ctx, rec, leaseID)
		}
	}

	legs := []struct {
		leg Leg
		to  string
	}{
		{LegRecipient, rec.Context.RecipientAddress},
		{LegFund, o.cfg.FundAddress},
	}
	for _, l := range legs {
		out, err := o.cfg.Executor.ResumeLeg(ctx, l.leg, l.to, legAmount(rec, l.leg), outcome(rec, l.leg), checkpoint(l.leg))
		if err != nil {
			o.abandon(ctx, rec, leaseID)
			return nil, err
		}
		setOutcome(rec, l.leg, out)
		rec.UpdatedAt = o.cfg.Clock.Now()
		if err := o.persist(ctx, rec, leaseID); err != nil {
			// Without a durable outcome the leg must not be followed by another
			// transfer; the lease lapses and reconciliation picks it up.
			o.log.ErrorContext(ctx, "failed to persist leg outcome",
				"receipt_id", rec.ReceiptID,
				"leg", l.leg,
				"status", out.Status,
				"tx_id", out.TxHash,
				"error", err,
			)
			return nil, fmt.Errorf("failed to persist %s leg: %w", l.leg, err)
		}
	}

	rec.release(o.cfg.Clock.Now())
	if err := o.persist(ctx, rec, leaseID); err != nil {
		return nil, fmt.Errorf("failed to release distribution record: %w", err)
	}

	o.log.InfoContext(ctx, "distribution settled",
		"receipt_id", rec.ReceiptID,
		"attempt", rec.Attempt,
		"status", rec.Status(),
		"recipient_tx", rec.RecipientOutcome.TxHash,
		"fund_tx", rec.FundOutcome.TxHash,
	)
	o.observe(rec, o.cfg.Clock.Since(start).Seconds())

	if alert := rec.IntegrityAlert(); alert != nil {
		o.raise(ctx, alert)
	}
	return rec, nil
}

// persist writes rec only while leaseID still holds the record.
func (o *Orchestrator) persist(ctx context.Context, rec *DistributionRecord, leaseID string) error {
	_, err := o.cfg.Store.Update(ctx, rec.ReceiptID, func(cur *DistributionRecord) error {
		if cur.LeaseID != leaseID {
			return ErrLeaseLost
		}
		*cur = *rec.Clone()
		return nil
	})
	return err
}

// abandon releases the lease without settling, leaving legs as recorded.
func (o *Orchestrator) abandon(ctx context.Context, rec *DistributionRecord, leaseID string) {
	rec.release(o.cfg.Clock.Now())
	if err := o.persist(ctx, rec, leaseID); err != nil {
		o.log.ErrorContext(ctx, "failed to release abandoned distribution",
			"receipt_id", rec.ReceiptID,
			"error", err,
		)
	}
}

func (o *Orchestrator) emitReview(ctx context.Context, rec *DistributionRecord) *DistributionRecord {
	if o.cfg.Reviews == nil {
		o.log.WarnContext(ctx, "no review sink configured, review request not sent",
			"receipt_id", rec.ReceiptID,
		)
		o.observe(rec, 0)
		return rec
	}

	req := &ReviewRequest{
		ReceiptID:   rec.ReceiptID,
		Attempt:     rec.Attempt,
		Context:     rec.Context.clone(),
		Split:       rec.Split.clone(),
		Reason:      o.cfg.Router.Explain(rec.Context.ConfidenceScore, rec.Context.Category),
		RequestedAt: o.cfg.Clock.Now(),
	}
	err := o.cfg.Reviews.SubmitReview(ctx, req)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordReviewRequest(err)
	}
	if err != nil {
		o.log.ErrorContext(ctx, "failed to submit review request",
			"receipt_id", rec.ReceiptID,
			"error", err,
		)
		o.observe(rec, 0)
		return rec
	}

	updated, err := o.cfg.Store.Update(ctx, rec.ReceiptID, func(cur *DistributionRecord) error {
		cur.ReviewQueued = true
		cur.UpdatedAt = o.cfg.Clock.Now()
		return nil
	})
	if err != nil {
		o.log.ErrorContext(ctx, "failed to mark review as queued",
			"receipt_id", rec.ReceiptID,
			"error", err,
		)
		o.observe(rec, 0)
		return rec
	}

	o.log.InfoContext(ctx, "review requested",
		"receipt_id", rec.ReceiptID,
		"reason", req.Reason,
	)
	o.observe(updated, 0)
	return updated
}

func (o *Orchestrator) raise(ctx context.Context, alert *IntegrityAlert) {
	o.log.ErrorContext(ctx, "partial distribution",
		"receipt_id", alert.ReceiptID,
		"attempt", alert.Attempt,
		"confirmed_leg", alert.ConfirmedLeg,
		"failed_leg", alert.FailedLeg,
		"failed_status", alert.Failed.Status,
		"failed_tx", alert.Failed.TxHash,
		"failed_detail", alert.Failed.ErrorDetail,
	)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordIntegrityAlert()
	}
	if o.cfg.Alerts == nil {
		return
	}
	if err := o.cfg.Alerts.PublishAlert(ctx, alert); err != nil {
		o.log.ErrorContext(ctx, "failed to publish integrity alert",
			"receipt_id", alert.ReceiptID,
			"error", err,
		)
	}
}

func (o *Orchestrator) observe(rec *DistributionRecord, seconds float64) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordDistribution(string(rec.Mode), string(rec.Status()), seconds)
	}
}

// placeholders settles a pending record with tagged ids and no ledger call.
func placeholders(rec *DistributionRecord, now time.Time) {
	rec.RecipientOutcome = TransferOutcome{Status: LegSkipped, TxHash: "pending-" + uuid.NewString(), ResolvedAt: now}
	rec.FundOutcome = TransferOutcome{Status: LegSkipped, TxHash: "pending-" + uuid.NewString(), ResolvedAt: now}
}

func skipped(rec *DistributionRecord, now time.Time) {
	rec.RecipientOutcome = TransferOutcome{Status: LegSkipped, ResolvedAt: now}
	rec.FundOutcome = TransferOutcome{Status: LegSkipped, ResolvedAt: now}
}

func outcome(rec *DistributionRecord, leg Leg) TransferOutcome {
	if leg == LegRecipient {
		return rec.RecipientOutcome
	}
	return rec.FundOutcome
}

func setOutcome(rec *DistributionRecord, leg Leg, out TransferOutcome) {
	if leg == LegRecipient {
		rec.RecipientOutcome = out
	} else {
		rec.FundOutcome = out
	}
}

func legAmount(rec *DistributionRecord, leg Leg) *big.Int {
	if leg == LegRecipient {
		return rec.Split.RecipientAmount
	}
	return rec.Split.FundAmount
}
