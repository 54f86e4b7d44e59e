package reward

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/brojonat/ecoride/service/ledger"
)

var (
	// ErrInvalidAmount is returned for a missing, zero, or negative reward total.
	ErrInvalidAmount = errors.New("invalid reward amount")

	// ErrInvalidReceipt is returned when a receipt context fails validation.
	ErrInvalidReceipt = errors.New("invalid receipt context")

	// ErrRecordNotFound is returned when no distribution exists for a receipt id.
	ErrRecordNotFound = errors.New("distribution record not found")

	// ErrOverrideNotAllowed is returned when a reviewer decision targets a record
	// that is not awaiting review, or is being executed.
	ErrOverrideNotAllowed = errors.New("override not allowed")

	// ErrLeaseLost is returned when another worker took over an in-flight record.
	ErrLeaseLost = errors.New("distribution lease lost")
)

// Category is the classifier's label for a receipt.
type Category string

const (
	CategoryRideShare  Category = "ride-share"
	CategoryTransit    Category = "transit"
	CategoryEV         Category = "ev"
	CategoryUnknown    Category = "unknown"
	CategoryKnownFraud Category = "known-fraud-flagged"
)

// Mode is how a distribution is carried out.
type Mode string

const (
	ModeImmediate    Mode = "immediate"
	ModePending      Mode = "pending"
	ModeManualReview Mode = "manual_review"
	// ModeRejected is only reachable through a reviewer override.
	ModeRejected Mode = "rejected"
)

// Leg identifies one of the two transfers of a distribution.
type Leg string

const (
	LegRecipient Leg = "recipient"
	LegFund      Leg = "fund"
)

// LegStatus is the outcome of one transfer leg.
type LegStatus string

const (
	LegConfirmed LegStatus = "confirmed"
	LegReverted  LegStatus = "reverted"
	LegTimedOut  LegStatus = "timed_out"
	LegSkipped   LegStatus = "skipped"
	// LegSubmitted marks a leg whose transaction was accepted but whose
	// receipt has not been fetched yet.
	LegSubmitted LegStatus = "submitted"
)

// Status is the derived state of a distribution record.
type Status string

const (
	StatusInFlight     Status = "in_flight"
	StatusPending      Status = "pending"
	StatusManualReview Status = "manual_review"
	StatusRejected     Status = "rejected"
	StatusConfirmed    Status = "confirmed"
	StatusPartial      Status = "partial"
	StatusReverted     Status = "reverted"
	StatusTimedOut     Status = "timed_out"
)

// ReceiptContext is a validated transportation receipt ready for distribution.
type ReceiptContext struct {
	ReceiptID        string   `json:"receipt_id"`
	RecipientAddress string   `json:"recipient_address"`
	TotalReward      *big.Int `json:"total_reward"` // token minor units
	ConfidenceScore  float64  `json:"confidence_score"`
	Category         Category `json:"category,omitempty"`
}

// Validate performs the I/O-free checks done before any routing.
func (rc ReceiptContext) Validate() error {
	if strings.TrimSpace(rc.ReceiptID) == "" {
		return fmt.Errorf("%w: receipt id is required", ErrInvalidReceipt)
	}
	if err := ledger.ValidateAddress(rc.RecipientAddress); err != nil {
		return fmt.Errorf("%w: recipient address: %v", ErrInvalidReceipt, err)
	}
	if math.IsNaN(rc.ConfidenceScore) || rc.ConfidenceScore < 0 || rc.ConfidenceScore > 1 {
		return fmt.Errorf("%w: confidence score %v outside [0,1]", ErrInvalidReceipt, rc.ConfidenceScore)
	}
	if rc.TotalReward == nil || rc.TotalReward.Sign() <= 0 {
		return fmt.Errorf("%w: total reward must be positive", ErrInvalidAmount)
	}
	return nil
}

func (rc ReceiptContext) clone() ReceiptContext {
	out := rc
	out.TotalReward = cloneInt(rc.TotalReward)
	return out
}

// SplitResult holds the two leg amounts. They always sum to the total.
type SplitResult struct {
	RecipientAmount *big.Int `json:"recipient_amount"`
	FundAmount      *big.Int `json:"fund_amount"`
}

func (s SplitResult) clone() SplitResult {
	return SplitResult{
		RecipientAmount: cloneInt(s.RecipientAmount),
		FundAmount:      cloneInt(s.FundAmount),
	}
}

// TransferOutcome records what happened to one leg.
type TransferOutcome struct {
	Status      LegStatus `json:"status,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	GasUsed     uint64    `json:"gas_used,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitzero"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`

	// RawTx is the signed transaction while no node has acknowledged it.
	RawTx hexutil.Bytes `json:"raw_tx,omitempty"`
}

// Resolved reports whether the leg can never change again.
// A timed-out or merely submitted leg may still land on the ledger.
func (o TransferOutcome) Resolved() bool {
	switch o.Status {
	case LegConfirmed, LegReverted, LegSkipped:
		return true
	}
	return false
}

// ReviewDecision is a human reviewer's verdict on a held distribution.
type ReviewDecision struct {
	ReceiptID string    `json:"receipt_id"`
	Approve   bool      `json:"approve"`
	Reviewer  string    `json:"reviewer,omitempty"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitzero"`
}

// ReviewRequest is emitted to the review sink for every manual-review record.
type ReviewRequest struct {
	ReceiptID   string         `json:"receipt_id"`
	Attempt     int            `json:"attempt"`
	Context     ReceiptContext `json:"context"`
	Split       SplitResult    `json:"split"`
	Reason      string         `json:"reason"`
	RequestedAt time.Time      `json:"requested_at"`
}

// IntegrityAlert describes a distribution where only one leg confirmed.
type IntegrityAlert struct {
	ReceiptID    string          `json:"receipt_id"`
	Attempt      int             `json:"attempt"`
	ConfirmedLeg Leg             `json:"confirmed_leg"`
	FailedLeg    Leg             `json:"failed_leg"`
	Failed       TransferOutcome `json:"failed_outcome"`
	Split        SplitResult     `json:"split"`
	DetectedAt   time.Time       `json:"detected_at"`
}

// DistributionRecord is the persisted state of one receipt's reward.
type DistributionRecord struct {
	ReceiptID        string          `json:"receipt_id"`
	Attempt          int             `json:"attempt"`
	Context          ReceiptContext  `json:"context"`
	Mode             Mode            `json:"mode"`
	Split            SplitResult     `json:"split"`
	RecipientOutcome TransferOutcome `json:"recipient_outcome"`
	FundOutcome      TransferOutcome `json:"fund_outcome"`

	Review       *ReviewDecision `json:"review,omitempty"`
	ReviewQueued bool            `json:"review_queued"`

	InFlight       bool      `json:"in_flight"`
	LeaseID        string    `json:"-"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status derives the record's state from its mode and leg outcomes.
func (r *DistributionRecord) Status() Status {
	if r.InFlight {
		return StatusInFlight
	}
	switch r.Mode {
	case ModePending:
		return StatusPending
	case ModeManualReview:
		return StatusManualReview
	case ModeRejected:
		return StatusRejected
	}

	rOK := settledOK(r.RecipientOutcome)
	fOK := settledOK(r.FundOutcome)
	switch {
	case rOK && fOK:
		return StatusConfirmed
	case r.RecipientOutcome.Status == LegConfirmed || r.FundOutcome.Status == LegConfirmed:
		return StatusPartial
	case r.RecipientOutcome.Resolved() && r.FundOutcome.Resolved():
		return StatusReverted
	default:
		return StatusTimedOut
	}
}

// settledOK is true for a leg that needs nothing more: it confirmed, or it
// carried a zero amount and was skipped.
func settledOK(o TransferOutcome) bool {
	return o.Status == LegConfirmed || o.Status == LegSkipped
}

// Terminal reports whether the record is settled. Non-immediate modes are
// terminal as soon as they are recorded; an immediate record is terminal
// once both legs are resolved.
func (r *DistributionRecord) Terminal() bool {
	if r.Mode != ModeImmediate {
		return true
	}
	return !r.InFlight && r.RecipientOutcome.Resolved() && r.FundOutcome.Resolved()
}

// NeedsReconcile reports whether the reconciler has work to do on the record:
// it is not terminal, or its review request was never delivered.
func (r *DistributionRecord) NeedsReconcile() bool {
	return !r.Terminal() || (r.Mode == ModeManualReview && !r.ReviewQueued)
}

// leasable reports whether a worker may take over execution at now.
func (r *DistributionRecord) leasable(now time.Time) bool {
	if r.Terminal() {
		return false
	}
	return !r.InFlight || !now.Before(r.LeaseExpiresAt)
}

func (r *DistributionRecord) lease(id string, now time.Time, ttl time.Duration) {
	r.InFlight = true
	r.LeaseID = id
	r.LeaseExpiresAt = now.Add(ttl)
	r.UpdatedAt = now
}

func (r *DistributionRecord) release(now time.Time) {
	r.InFlight = false
	r.LeaseID = ""
	r.LeaseExpiresAt = time.Time{}
	r.UpdatedAt = now
}

// IntegrityAlert returns the alert for a partial distribution: exactly one
// leg confirmed and the other did not. It returns nil otherwise.
func (r *DistributionRecord) IntegrityAlert() *IntegrityAlert {
	if r.Status() != StatusPartial {
		return nil
	}
	alert := &IntegrityAlert{
		ReceiptID:  r.ReceiptID,
		Attempt:    r.Attempt,
		Split:      r.Split.clone(),
		DetectedAt: r.UpdatedAt,
	}
	if r.RecipientOutcome.Status == LegConfirmed {
		alert.ConfirmedLeg, alert.FailedLeg, alert.Failed = LegRecipient, LegFund, r.FundOutcome
	} else {
		alert.ConfirmedLeg, alert.FailedLeg, alert.Failed = LegFund, LegRecipient, r.RecipientOutcome
	}
	return alert
}

// Clone returns a deep copy.
func (r *DistributionRecord) Clone() *DistributionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = r.Context.clone()
	out.Split = r.Split.clone()
	if r.Review != nil {
		review := *r.Review
		out.Review = &review
	}
	return &out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
