package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/brojonat/ecoride/service/ledger"
	"github.com/brojonat/ecoride/service/metrics"
)

// Ledger is the part of the ledger client the executor drives.
// *ledger.Client implements it.
type Ledger interface {
	SubmitTransfer(ctx context.Context, to string, amount *big.Int) (string, error)
	WaitForReceipt(ctx context.Context, txID string, pollInterval time.Duration, maxAttempts int) (*ledger.Receipt, error)
	Rebroadcast(ctx context.Context, rawTx []byte) (string, error)
}

// Checkpoint is called once a leg's transaction id is known, before the
// receipt wait begins, so the id can be persisted.
type Checkpoint func(ctx context.Context, submitted TransferOutcome) error

type ExecutorConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics // optional
	Ledger       Ledger
	PollInterval time.Duration
	MaxAttempts  int
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll interval must be greater than 0")
	}
	if cfg.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Executor runs single transfer legs and turns every ledger failure mode
// into a TransferOutcome.
type Executor struct {
	log *slog.Logger
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// ExecuteLeg submits one transfer and waits for its receipt. The returned
// error is reserved for invalid arguments; ledger problems come back as a
// TimedOut or Reverted outcome.
func (e *Executor) ExecuteLeg(ctx context.Context, leg Leg, to string, amount *big.Int) (TransferOutcome, error) {
	return e.execute(ctx, leg, to, amount, nil)
}

// ResumeLeg continues a leg from its previous outcome. Resolved legs are
// returned unchanged. A leg that already has a transaction id is never signed
// again: an unacknowledged transaction is rebroadcast as-is, then polled. A
// leg without an id, or whose transaction was dropped for good, is submitted
// afresh.
func (e *Executor) ResumeLeg(ctx context.Context, leg Leg, to string, amount *big.Int, prev TransferOutcome, checkpoint Checkpoint) (TransferOutcome, error) {
	if prev.Resolved() {
		return prev, nil
	}
	if prev.TxHash == "" {
		return e.execute(ctx, leg, to, amount, checkpoint)
	}

	if len(prev.RawTx) > 0 {
		_, err := e.cfg.Ledger.Rebroadcast(ctx, prev.RawTx)
		switch {
		case errors.Is(err, ledger.ErrTransactionDropped):
			e.log.WarnContext(ctx, "previous leg transaction was dropped, submitting again",
				"leg", leg,
				"tx_id", prev.TxHash,
			)
			return e.execute(ctx, leg, to, amount, checkpoint)
		case err != nil:
			// Still unknown whether it landed; polling is the only safe move.
			e.log.WarnContext(ctx, "rebroadcast of leg transaction failed",
				"leg", leg,
				"tx_id", prev.TxHash,
				"error", err,
			)
		}
	}

	e.log.InfoContext(ctx, "re-polling previously submitted leg",
		"leg", leg,
		"tx_id", prev.TxHash,
	)
	return e.await(ctx, leg, prev), nil
}

func (e *Executor) execute(ctx context.Context, leg Leg, to string, amount *big.Int, checkpoint Checkpoint) (TransferOutcome, error) {
	if amount == nil || amount.Sign() < 0 {
		return TransferOutcome{}, fmt.Errorf("%w: %s leg amount %v", ErrInvalidAmount, leg, amount)
	}
	if to == "" {
		return TransferOutcome{}, fmt.Errorf("%s leg has no destination address", leg)
	}

	now := e.cfg.Clock.Now()
	if amount.Sign() == 0 {
		e.record(leg, LegSkipped)
		return TransferOutcome{Status: LegSkipped, ResolvedAt: now}, nil
	}

	out := TransferOutcome{SubmittedAt: now}
	txID, err := e.cfg.Ledger.SubmitTransfer(ctx, to, amount)
	if err != nil {
		var subErr *ledger.SubmissionError
		if !errors.As(err, &subErr) || subErr.TxID == "" {
			e.log.WarnContext(ctx, "transfer leg submission failed",
				"leg", leg,
				"to", to,
				"amount", amount.String(),
				"error", err,
			)
			out.Status = LegTimedOut
			out.ErrorDetail = err.Error()
			out.ResolvedAt = e.cfg.Clock.Now()
			e.record(leg, out.Status)
			return out, nil
		}

		// The signed transaction may be in a pool despite the error. From here
		// on the leg is tracked by that id.
		e.log.WarnContext(ctx, "transfer leg send unacknowledged, tracking signed transaction",
			"leg", leg,
			"to", to,
			"tx_id", subErr.TxID,
			"error", err,
		)
		txID = subErr.TxID
		out.RawTx = subErr.RawTx
		out.ErrorDetail = err.Error()
	}

	out.Status = LegSubmitted
	out.TxHash = txID
	if checkpoint != nil {
		if err := checkpoint(ctx, out); err != nil {
			// The transaction is already out; keep waiting so the outcome is still known.
			e.log.ErrorContext(ctx, "failed to checkpoint submitted leg",
				"leg", leg,
				"tx_id", txID,
				"error", err,
			)
		}
	}
	return e.await(ctx, leg, out), nil
}

func (e *Executor) await(ctx context.Context, leg Leg, out TransferOutcome) TransferOutcome {
	receipt, err := e.cfg.Ledger.WaitForReceipt(ctx, out.TxHash, e.cfg.PollInterval, e.cfg.MaxAttempts)
	out.ResolvedAt = e.cfg.Clock.Now()

	switch {
	case err != nil:
		out.Status = LegTimedOut
		out.ErrorDetail = err.Error()
		e.log.WarnContext(ctx, "transfer leg unresolved",
			"leg", leg,
			"tx_id", out.TxHash,
			"error", err,
		)
	case receipt.Reverted:
		out.Status = LegReverted
		out.ErrorDetail = "transaction reverted"
		out.RawTx = nil
		out.BlockNumber = receipt.BlockNumber
		out.GasUsed = receipt.GasUsed
		e.log.WarnContext(ctx, "transfer leg reverted",
			"leg", leg,
			"tx_id", out.TxHash,
			"block", receipt.BlockNumber,
		)
	default:
		out.Status = LegConfirmed
		out.ErrorDetail = ""
		out.RawTx = nil
		out.BlockNumber = receipt.BlockNumber
		out.GasUsed = receipt.GasUsed
		e.log.InfoContext(ctx, "transfer leg confirmed",
			"leg", leg,
			"tx_id", out.TxHash,
			"block", receipt.BlockNumber,
		)
	}
	e.record(leg, out.Status)
	return out
}

func (e *Executor) record(leg Leg, status LegStatus) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordTransferLeg(string(leg), string(status))
	}
}
