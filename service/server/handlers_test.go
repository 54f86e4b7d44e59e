package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ecoride/service/metrics"
	"github.com/brojonat/ecoride/service/reward"
	"github.com/brojonat/ecoride/service/temporal"
)

const (
	testDecimals  = 6
	testRecipient = "0x00000000000000000000000000000000000000aa"
)

type MockDistributor struct {
	mock.Mock
}

func (m *MockDistributor) Distribute(ctx context.Context, rc reward.ReceiptContext) (*reward.DistributionRecord, error) {
	args := m.Called(ctx, rc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reward.DistributionRecord), args.Error(1)
}

func (m *MockDistributor) Override(ctx context.Context, d reward.ReviewDecision) (*reward.DistributionRecord, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reward.DistributionRecord), args.Error(1)
}

func (m *MockDistributor) Reconcile(ctx context.Context, receiptID string) (*reward.DistributionRecord, error) {
	args := m.Called(ctx, receiptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reward.DistributionRecord), args.Error(1)
}

func (m *MockDistributor) Get(ctx context.Context, receiptID string) (*reward.DistributionRecord, error) {
	args := m.Called(ctx, receiptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reward.DistributionRecord), args.Error(1)
}

func (m *MockDistributor) ListUnsettled(ctx context.Context, limit int) ([]*reward.DistributionRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*reward.DistributionRecord), args.Error(1)
}

type fakeBalances struct {
	balance *big.Int
	err     error
}

func (f *fakeBalances) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	return f.balance, f.err
}

type testServer struct {
	distributor *MockDistributor
	scheduler   *temporal.MockScheduler
	cache       *reward.ValidationCache
	clock       *clockwork.FakeClock
	handler     http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clock := clockwork.NewFakeClock()
	cache, err := reward.NewValidationCache(10*time.Minute, clock, nil)
	require.NoError(t, err)

	ts := &testServer{
		distributor: new(MockDistributor),
		scheduler:   temporal.NewMockScheduler(),
		cache:       cache,
		clock:       clock,
	}
	balances := &fakeBalances{balance: big.NewInt(12_500_000)}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	ts.handler = New(":0", testDecimals, ts.distributor, cache, balances, ts.scheduler, m, logger).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func confirmedRecord(id string) *reward.DistributionRecord {
	return &reward.DistributionRecord{
		ReceiptID: id,
		Attempt:   1,
		Context: reward.ReceiptContext{
			ReceiptID:        id,
			RecipientAddress: testRecipient,
			TotalReward:      big.NewInt(10_000_000),
			ConfidenceScore:  0.9,
		},
		Mode:             reward.ModeImmediate,
		Split:            reward.SplitResult{RecipientAmount: big.NewInt(7_000_000), FundAmount: big.NewInt(3_000_000)},
		RecipientOutcome: reward.TransferOutcome{Status: reward.LegConfirmed, TxHash: "0x01", BlockNumber: 10},
		FundOutcome:      reward.TransferOutcome{Status: reward.LegConfirmed, TxHash: "0x02", BlockNumber: 11},
	}
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["error"]
}

func TestCreateDistribution(t *testing.T) {
	ts := newTestServer(t)

	want := mock.MatchedBy(func(rc reward.ReceiptContext) bool {
		return rc.ReceiptID == "R1" &&
			rc.RecipientAddress == testRecipient &&
			rc.TotalReward.String() == "10000000" &&
			rc.ConfidenceScore == 0.9 &&
			rc.Category == reward.CategoryTransit
	})
	ts.distributor.On("Distribute", mock.Anything, want).Return(confirmedRecord("R1"), nil).Once()

	w := ts.do(t, "POST", "/api/v1/distributions", fmt.Sprintf(
		`{"receipt_id":"R1","recipient_address":%q,"total_reward":"10","confidence_score":0.9,"category":"transit"}`,
		testRecipient))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp distributionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "R1", resp.ReceiptID)
	assert.Equal(t, reward.StatusConfirmed, resp.Status)
	assert.Equal(t, "10", resp.TotalReward)
	assert.Equal(t, "10000000", resp.TotalRewardUnits)
	assert.Equal(t, "7", resp.Recipient.Amount)
	assert.Equal(t, "3000000", resp.Fund.AmountUnits)
	assert.Equal(t, "0x01", resp.Recipient.TxHash)
	ts.distributor.AssertExpectations(t)
}

func TestCreateDistribution_ConfidenceFromValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/validations", `{"receipt_id":"R1","confidence_score":0.75,"category":"ev"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v reward.Validation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.NotEmpty(t, v.Token)

	match := mock.MatchedBy(func(rc reward.ReceiptContext) bool {
		return rc.ConfidenceScore == 0.75 && rc.Category == reward.CategoryEV
	})
	held := &reward.DistributionRecord{ReceiptID: "R1", Mode: reward.ModeManualReview, ReviewQueued: true}
	ts.distributor.On("Distribute", mock.Anything, match).Return(held, nil)

	t.Run("by token", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/distributions", fmt.Sprintf(
			`{"receipt_id":"R1","recipient_address":%q,"total_reward":"1","validation_token":%q}`, testRecipient, v.Token))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("by receipt id", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/distributions", fmt.Sprintf(
			`{"receipt_id":"R1","recipient_address":%q,"total_reward":"1"}`, testRecipient))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("token for another receipt", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/distributions", fmt.Sprintf(
			`{"receipt_id":"R2","recipient_address":%q,"total_reward":"1","validation_token":%q}`, testRecipient, v.Token))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, errorBody(t, w), "different receipt")
	})

	t.Run("expired validation", func(t *testing.T) {
		ts.clock.Advance(11 * time.Minute)
		w := ts.do(t, "POST", "/api/v1/distributions", fmt.Sprintf(
			`{"receipt_id":"R1","recipient_address":%q,"total_reward":"1","validation_token":%q}`, testRecipient, v.Token))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, errorBody(t, w), "expired")
	})
}

func TestCreateDistribution_BadInput(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{"malformed JSON", `{"receipt_id":`, "invalid request body"},
		{"too large", `{"receipt_id":"` + strings.Repeat("A", 2<<20) + `"}`, "request body too large"},
		{"missing receipt id", `{"total_reward":"1","confidence_score":0.9}`, "receipt_id is required"},
		{"missing amount", `{"receipt_id":"R1","confidence_score":0.9}`, "total_reward is required"},
		{"not a number", `{"receipt_id":"R1","total_reward":"ten","confidence_score":0.9}`, "must be a decimal number"},
		{"zero amount", `{"receipt_id":"R1","total_reward":"0","confidence_score":0.9}`, "must be positive"},
		{"negative amount", `{"receipt_id":"R1","total_reward":"-1","confidence_score":0.9}`, "must be positive"},
		{"too precise", `{"receipt_id":"R1","total_reward":"0.0000001","confidence_score":0.9}`, "more than 6 decimal places"},
		{"no confidence", `{"receipt_id":"R1","total_reward":"1"}`, "confidence_score"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/v1/distributions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, errorBody(t, w), tt.wantError)
		})
	}
	ts.distributor.AssertNotCalled(t, "Distribute", mock.Anything, mock.Anything)
}

func TestCreateDistribution_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid receipt", fmt.Errorf("%w: recipient address: bad", reward.ErrInvalidReceipt), http.StatusBadRequest},
		{"invalid amount", reward.ErrInvalidAmount, http.StatusBadRequest},
		{"lease lost", reward.ErrLeaseLost, http.StatusConflict},
		{"store failure", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.distributor.On("Distribute", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := ts.do(t, "POST", "/api/v1/distributions",
				`{"receipt_id":"R1","recipient_address":"0xAAA","total_reward":"1","confidence_score":0.9}`)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	t.Run("in flight elsewhere", func(t *testing.T) {
		ts := newTestServer(t)
		rec := confirmedRecord("R1")
		rec.InFlight = true
		ts.distributor.On("Distribute", mock.Anything, mock.Anything).Return(rec, nil)

		w := ts.do(t, "POST", "/api/v1/distributions", fmt.Sprintf(
			`{"receipt_id":"R1","recipient_address":%q,"total_reward":"1","confidence_score":0.9}`, testRecipient))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})
}

func TestCreateDistribution_Async(t *testing.T) {
	body := fmt.Sprintf(`{"receipt_id":"R1","recipient_address":%q,"total_reward":"2.5","confidence_score":0.95}`, testRecipient)

	t.Run("starts workflow", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, "POST", "/api/v1/distributions?async=true", body)

		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, temporal.DistributionWorkflowID("R1"), resp["workflow_id"])

		rc, ok := ts.scheduler.Started(resp["workflow_id"])
		require.True(t, ok)
		assert.Equal(t, "2500000", rc.TotalReward.String())
		ts.distributor.AssertNotCalled(t, "Distribute", mock.Anything, mock.Anything)
	})

	t.Run("invalid receipt is rejected before starting", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, "POST", "/api/v1/distributions?async=true",
			`{"receipt_id":"R1","recipient_address":"0xAAA","total_reward":"1","confidence_score":0.9}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, ts.scheduler.StartedCount())
	})

	t.Run("start failure", func(t *testing.T) {
		ts := newTestServer(t)
		ts.scheduler.SetStartError(errors.New("temporal unavailable"))
		w := ts.do(t, "POST", "/api/v1/distributions?async=true", body)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("bad flag", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, "POST", "/api/v1/distributions?async=maybe", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no scheduler", func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)
		cache, err := reward.NewValidationCache(time.Minute, nil, nil)
		require.NoError(t, err)
		h := New(":0", testDecimals, new(MockDistributor), cache, nil, nil, nil, logger).Handler()

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/distributions?async=true", strings.NewReader(body)))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestGetDistribution(t *testing.T) {
	ts := newTestServer(t)
	ts.distributor.On("Get", mock.Anything, "R1").Return(confirmedRecord("R1"), nil)
	ts.distributor.On("Get", mock.Anything, "missing").Return(nil, reward.ErrRecordNotFound)

	w := ts.do(t, "GET", "/api/v1/distributions/R1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp distributionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(11), resp.Fund.BlockNumber)

	w = ts.do(t, "GET", "/api/v1/distributions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListUnsettled(t *testing.T) {
	ts := newTestServer(t)
	ts.distributor.On("ListUnsettled", mock.Anything, 100).
		Return([]*reward.DistributionRecord{confirmedRecord("A")}, nil)
	ts.distributor.On("ListUnsettled", mock.Anything, 5).
		Return([]*reward.DistributionRecord{}, nil)

	w := ts.do(t, "GET", "/api/v1/distributions/unsettled", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Distributions []distributionResponse `json:"distributions"`
		Count         int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "A", resp.Distributions[0].ReceiptID)

	w = ts.do(t, "GET", "/api/v1/distributions/unsettled?limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)

	for _, bad := range []string{"0", "abc", "1001"} {
		w = ts.do(t, "GET", "/api/v1/distributions/unsettled?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", bad)
	}
}

func TestReviewDistribution(t *testing.T) {
	ts := newTestServer(t)

	rejected := &reward.DistributionRecord{ReceiptID: "R1", Attempt: 2, Mode: reward.ModeRejected}
	ts.distributor.On("Override", mock.Anything, reward.ReviewDecision{
		ReceiptID: "R1", Approve: false, Reviewer: "ops", Note: "duplicate",
	}).Return(rejected, nil)
	ts.distributor.On("Override", mock.Anything, mock.MatchedBy(func(d reward.ReviewDecision) bool {
		return d.ReceiptID == "R2"
	})).Return(nil, fmt.Errorf("%w: record is confirmed", reward.ErrOverrideNotAllowed))

	w := ts.do(t, "POST", "/api/v1/distributions/R1/review", `{"approve":false,"reviewer":"ops","note":"duplicate"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp distributionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, reward.StatusRejected, resp.Status)

	w = ts.do(t, "POST", "/api/v1/distributions/R2/review", `{"approve":true}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "POST", "/api/v1/distributions/R1/review", `{"reviewer":"ops"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "approve is required")
}

func TestReconcileDistribution(t *testing.T) {
	ts := newTestServer(t)
	ts.distributor.On("Reconcile", mock.Anything, "R1").Return(confirmedRecord("R1"), nil)
	ts.distributor.On("Reconcile", mock.Anything, "gone").Return(nil, reward.ErrRecordNotFound)

	w := ts.do(t, "POST", "/api/v1/distributions/R1/reconcile", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/v1/distributions/gone/reconcile", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetBalance(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/api/v1/ledger/balance/"+testRecipient, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "12.5", resp["balance"])
	assert.Equal(t, "12500000", resp["balance_units"])

	w = ts.do(t, "GET", "/api/v1/ledger/balance/not-an-address", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateValidation_BadInput(t *testing.T) {
	ts := newTestServer(t)

	for name, body := range map[string]string{
		"missing receipt":    `{"confidence_score":0.5}`,
		"missing score":      `{"receipt_id":"R1"}`,
		"score out of range": `{"receipt_id":"R1","confidence_score":1.5}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/v1/validations", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Zero(t, ts.cache.Len())
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = ts.do(t, "OPTIONS", "/api/v1/distributions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		decimals int32
		want     string
	}{
		{"1", 6, "1000000"},
		{"0.000001", 6, "1"},
		{" 12.50 ", 6, "12500000"},
		{"1", 18, "1000000000000000000"},
		{"123456789012345678901234567890", 0, "123456789012345678901234567890"},
	}
	for _, tt := range tests {
		got, err := parseAmount(tt.in, tt.decimals)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got.String(), tt.in)
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "12.5", formatAmount(big.NewInt(12_500_000), 6))
	assert.Equal(t, "0.000001", formatAmount(big.NewInt(1), 6))
	assert.Equal(t, "7", formatAmount(big.NewInt(7), 0))
	assert.Empty(t, formatAmount(nil, 6))
}
