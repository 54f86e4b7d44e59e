package db

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ecoride/service/reward"
)

const testRecipient = "0x00000000000000000000000000000000000000aa"

func newRecord(id string, mode reward.Mode, created time.Time) *reward.DistributionRecord {
	total, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	recipient := new(big.Int).Div(new(big.Int).Mul(total, big.NewInt(70)), big.NewInt(100))
	return &reward.DistributionRecord{
		ReceiptID: id,
		Attempt:   1,
		Context: reward.ReceiptContext{
			ReceiptID:        id,
			RecipientAddress: testRecipient,
			TotalReward:      total,
			ConfidenceScore:  0.91,
			Category:         reward.CategoryTransit,
		},
		Mode: mode,
		Split: reward.SplitResult{
			RecipientAmount: recipient,
			FundAmount:      new(big.Int).Sub(total, recipient),
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := NewTestStore(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := newRecord("R1", reward.ModeImmediate, now)
	rec.InFlight = true
	rec.LeaseID = "lease-1"
	rec.LeaseExpiresAt = now.Add(time.Minute)
	rec.RecipientOutcome = reward.TransferOutcome{Status: reward.LegSubmitted, TxHash: "0xabc", RawTx: []byte{0xf8, 0x6b, 0x07}, SubmittedAt: now}

	created, err := store.Create(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, rec.Context.TotalReward.String(), got.Context.TotalReward.String(), "amounts survive beyond 64 bits")
	assert.Equal(t, rec.Split.RecipientAmount.String(), got.Split.RecipientAmount.String())
	assert.Equal(t, rec.Split.FundAmount.String(), got.Split.FundAmount.String())
	assert.Equal(t, reward.CategoryTransit, got.Context.Category)
	assert.Equal(t, reward.ModeImmediate, got.Mode)
	assert.True(t, got.InFlight)
	assert.Equal(t, "lease-1", got.LeaseID)
	assert.WithinDuration(t, rec.LeaseExpiresAt, got.LeaseExpiresAt, time.Microsecond)
	assert.Equal(t, reward.LegSubmitted, got.RecipientOutcome.Status)
	assert.Equal(t, "0xabc", got.RecipientOutcome.TxHash)
	assert.Equal(t, []byte{0xf8, 0x6b, 0x07}, []byte(got.RecipientOutcome.RawTx), "signed transaction survives for rebroadcast")
	assert.Nil(t, got.Review)

	t.Run("duplicate is not inserted", func(t *testing.T) {
		other := newRecord("R1", reward.ModePending, now)
		created, err := store.Create(ctx, other)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := store.Get(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, reward.ModeImmediate, got.Mode)
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, reward.ErrRecordNotFound)
	})
}

func TestStore_Update(t *testing.T) {
	store := NewTestStore(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := store.Create(ctx, newRecord("R1", reward.ModeManualReview, now))
	require.NoError(t, err)

	updated, err := store.Update(ctx, "R1", func(r *reward.DistributionRecord) error {
		r.Review = &reward.ReviewDecision{ReceiptID: "R1", Approve: false, Reviewer: "ops@example.com"}
		r.Mode = reward.ModeRejected
		r.Attempt = 2
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, reward.ModeRejected, updated.Mode)

	got, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, reward.ModeRejected, got.Mode)
	assert.Equal(t, 2, got.Attempt)
	require.NotNil(t, got.Review)
	assert.Equal(t, "ops@example.com", got.Review.Reviewer)

	t.Run("failed update writes nothing", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := store.Update(ctx, "R1", func(r *reward.DistributionRecord) error {
			r.Mode = reward.ModeImmediate
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, reward.ModeRejected, got.Mode)
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := store.Update(ctx, "nope", func(*reward.DistributionRecord) error { return nil })
		assert.ErrorIs(t, err, reward.ErrRecordNotFound)
	})
}

func TestStore_UpdateSerializesWriters(t *testing.T) {
	store := NewTestStore(t)

	ctx := context.Background()
	_, err := store.Create(ctx, newRecord("R1", reward.ModeImmediate, time.Now().UTC()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "R1", func(r *reward.DistributionRecord) error {
				r.Attempt++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 11, got.Attempt, "row lock prevents lost updates")
}

func TestStore_ListUnsettled(t *testing.T) {
	store := NewTestStore(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	timedOut := newRecord("timed-out", reward.ModeImmediate, now)
	timedOut.RecipientOutcome = reward.TransferOutcome{Status: reward.LegConfirmed, TxHash: "0x1"}
	timedOut.FundOutcome = reward.TransferOutcome{Status: reward.LegTimedOut, TxHash: "0x2"}

	confirmed := newRecord("confirmed", reward.ModeImmediate, now)
	confirmed.RecipientOutcome = reward.TransferOutcome{Status: reward.LegConfirmed}
	confirmed.FundOutcome = reward.TransferOutcome{Status: reward.LegConfirmed}

	unqueued := newRecord("unqueued", reward.ModeManualReview, now)
	pending := newRecord("pending", reward.ModePending, now)

	for _, r := range []*reward.DistributionRecord{timedOut, confirmed, unqueued, pending} {
		_, err := store.Create(ctx, r)
		require.NoError(t, err)
	}
	store.Backdate(t, "unqueued", now.Add(-time.Hour))

	got, err := store.ListUnsettled(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "unqueued", got[0].ReceiptID, "oldest first")
	assert.Equal(t, "timed-out", got[1].ReceiptID)

	got, err = store.ListUnsettled(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Delivering the review request settles the record.
	_, err = store.Update(ctx, "unqueued", func(r *reward.DistributionRecord) error {
		r.ReviewQueued = true
		return nil
	})
	require.NoError(t, err)
	got, err = store.ListUnsettled(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "timed-out", got[0].ReceiptID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[reward.StatusPartial])
	assert.Equal(t, int64(1), counts[reward.StatusConfirmed])
	assert.Equal(t, int64(1), counts[reward.StatusManualReview])
	assert.Equal(t, int64(1), counts[reward.StatusPending])
}

// The Postgres store must satisfy the orchestrator's store contract.
var _ reward.RecordStore = (*Store)(nil)
