package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/ecoride/service/ledger"
	"github.com/brojonat/ecoride/service/reward"
	"github.com/brojonat/ecoride/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxReceiptIDLength = 256
	maxUnsettledLimit  = 1000
)

// handleCreateValidation returns a handler that caches a classifier result.
// POST /api/v1/validations
func handleCreateValidation(cache *reward.ValidationCache, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ReceiptID       string          `json:"receipt_id"`
			ConfidenceScore *float64        `json:"confidence_score"`
			Category        reward.Category `json:"category"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if err := validateReceiptID(req.ReceiptID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ConfidenceScore == nil {
			writeError(w, "confidence_score is required", http.StatusBadRequest)
			return
		}

		v, err := cache.Put(req.ReceiptID, *req.ConfidenceScore, req.Category)
		if err != nil {
			logger.Debug("invalid validation", "receipt_id", req.ReceiptID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		logger.Debug("validation cached", "receipt_id", v.ReceiptID, "expires_at", v.ExpiresAt)
		writeJSON(w, v, http.StatusCreated)
	})
}

// distributionRequest is the JSON body of POST /api/v1/distributions.
// The confidence score comes from the body, else from the validation token,
// else from the most recent cached validation for the receipt.
type distributionRequest struct {
	ReceiptID        string          `json:"receipt_id"`
	RecipientAddress string          `json:"recipient_address"`
	TotalReward      string          `json:"total_reward"` // decimal token amount, e.g. "12.5"
	ConfidenceScore  *float64        `json:"confidence_score,omitempty"`
	Category         reward.Category `json:"category,omitempty"`
	ValidationToken  string          `json:"validation_token,omitempty"`
}

// handleCreateDistribution returns a handler that distributes a receipt's reward.
// POST /api/v1/distributions[?async=true]
//
// Synchronous requests block until both legs resolve. Async requests start a
// Temporal workflow and return its id.
func handleCreateDistribution(d Distributor, cache *reward.ValidationCache, scheduler temporal.Scheduler, decimals int32, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req distributionRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		rc, err := receiptContext(req, cache, decimals)
		if err != nil {
			logger.Debug("invalid distribution request", "receipt_id", req.ReceiptID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		async, err := parseBool(r.URL.Query().Get("async"))
		if err != nil {
			writeError(w, "invalid async parameter: must be a boolean", http.StatusBadRequest)
			return
		}

		if async {
			if scheduler == nil {
				writeError(w, "async distribution requires temporal", http.StatusServiceUnavailable)
				return
			}
			if err := rc.Validate(); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			workflowID, err := scheduler.StartDistribution(r.Context(), rc)
			if err != nil {
				logger.Error("failed to start distribution workflow", "receipt_id", rc.ReceiptID, "error", err)
				writeError(w, "failed to start distribution", http.StatusInternalServerError)
				return
			}
			logger.Info("distribution workflow started", "receipt_id", rc.ReceiptID, "workflow_id", workflowID)
			writeJSON(w, map[string]string{
				"receipt_id":  rc.ReceiptID,
				"workflow_id": workflowID,
				"status":      "accepted",
			}, http.StatusAccepted)
			return
		}

		rec, err := d.Distribute(r.Context(), rc)
		if err != nil {
			writeDistributionError(w, rc.ReceiptID, err, logger)
			return
		}
		writeRecord(w, rec, decimals)
	})
}

// handleGetDistribution returns a handler that retrieves a distribution record.
// GET /api/v1/distributions/{receipt_id}
func handleGetDistribution(d Distributor, decimals int32, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receiptID := r.PathValue("receipt_id")
		if err := validateReceiptID(receiptID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		rec, err := d.Get(r.Context(), receiptID)
		if err != nil {
			writeDistributionError(w, receiptID, err, logger)
			return
		}
		writeJSON(w, recordToResponse(rec, decimals), http.StatusOK)
	})
}

// handleListUnsettled returns a handler that lists records the reconciler still has work for.
// GET /api/v1/distributions/unsettled?limit=N
func handleListUnsettled(d Distributor, decimals int32, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if n < 1 || n > maxUnsettledLimit {
				writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxUnsettledLimit), http.StatusBadRequest)
				return
			}
			limit = n
		}

		recs, err := d.ListUnsettled(r.Context(), limit)
		if err != nil {
			logger.Error("failed to list unsettled distributions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]distributionResponse, len(recs))
		for i, rec := range recs {
			resp[i] = recordToResponse(rec, decimals)
		}
		writeJSON(w, map[string]interface{}{
			"distributions": resp,
			"count":         len(resp),
		}, http.StatusOK)
	})
}

// handleReviewDistribution returns a handler that applies a reviewer decision.
// POST /api/v1/distributions/{receipt_id}/review
func handleReviewDistribution(d Distributor, decimals int32, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receiptID := r.PathValue("receipt_id")
		if err := validateReceiptID(receiptID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req struct {
			Approve  *bool  `json:"approve"`
			Reviewer string `json:"reviewer"`
			Note     string `json:"note"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if req.Approve == nil {
			writeError(w, "approve is required", http.StatusBadRequest)
			return
		}

		rec, err := d.Override(r.Context(), reward.ReviewDecision{
			ReceiptID: receiptID,
			Approve:   *req.Approve,
			Reviewer:  req.Reviewer,
			Note:      req.Note,
		})
		if err != nil {
			writeDistributionError(w, receiptID, err, logger)
			return
		}
		writeRecord(w, rec, decimals)
	})
}

// handleReconcileDistribution returns a handler that repairs one stored distribution.
// POST /api/v1/distributions/{receipt_id}/reconcile
func handleReconcileDistribution(d Distributor, decimals int32, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receiptID := r.PathValue("receipt_id")
		if err := validateReceiptID(receiptID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		rec, err := d.Reconcile(r.Context(), receiptID)
		if err != nil {
			writeDistributionError(w, receiptID, err, logger)
			return
		}
		writeRecord(w, rec, decimals)
	})
}

// handleGetBalance returns a handler that reads an address's token balance.
// GET /api/v1/ledger/balance/{address}
func handleGetBalance(b BalanceReader, decimals int32, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := ledger.ValidateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		balance, err := b.GetBalance(r.Context(), address)
		if err != nil {
			logger.Error("failed to read balance", "address", address, "error", err)
			writeError(w, "failed to read balance from ledger", http.StatusBadGateway)
			return
		}

		writeJSON(w, map[string]string{
			"address":       address,
			"balance":       formatAmount(balance, decimals),
			"balance_units": balance.String(),
		}, http.StatusOK)
	})
}

// receiptContext resolves the request into a receipt context.
func receiptContext(req distributionRequest, cache *reward.ValidationCache, decimals int32) (reward.ReceiptContext, error) {
	if err := validateReceiptID(req.ReceiptID); err != nil {
		return reward.ReceiptContext{}, err
	}
	total, err := parseAmount(req.TotalReward, decimals)
	if err != nil {
		return reward.ReceiptContext{}, err
	}

	rc := reward.ReceiptContext{
		ReceiptID:        req.ReceiptID,
		RecipientAddress: strings.TrimSpace(req.RecipientAddress),
		TotalReward:      total,
		Category:         req.Category,
	}

	if req.ConfidenceScore != nil {
		rc.ConfidenceScore = *req.ConfidenceScore
		return rc, nil
	}
	if cache == nil {
		return rc, errors.New("confidence_score is required")
	}

	var (
		v  *reward.Validation
		ok bool
	)
	if req.ValidationToken != "" {
		v, ok = cache.Lookup(req.ValidationToken)
		if !ok {
			return rc, errors.New("validation token is unknown or expired")
		}
		if v.ReceiptID != req.ReceiptID {
			return rc, errors.New("validation token belongs to a different receipt")
		}
	} else if v, ok = cache.LookupReceipt(req.ReceiptID); !ok {
		return rc, errors.New("confidence_score or a live validation is required")
	}

	rc.ConfidenceScore = v.ConfidenceScore
	if rc.Category == "" {
		rc.Category = v.Category
	}
	return rc, nil
}

// parseAmount converts a decimal token amount into minor units.
// Amounts with more precision than the token supports are rejected.
func parseAmount(s string, decimals int32) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("total_reward is required")
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid total_reward %q: must be a decimal number", s)
	}
	if !d.IsPositive() {
		return nil, errors.New("total_reward must be positive")
	}
	units := d.Shift(decimals)
	if !units.IsInteger() {
		return nil, fmt.Errorf("total_reward %q has more than %d decimal places", s, decimals)
	}
	return units.BigInt(), nil
}

// formatAmount renders minor units as a decimal token amount.
func formatAmount(v *big.Int, decimals int32) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// decodeBody decodes a size-limited JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Debug("failed to decode request body", "path", r.URL.Path, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func validateReceiptID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("receipt_id is required")
	}
	if len(id) > maxReceiptIDLength {
		return fmt.Errorf("receipt_id too long: maximum %d characters", maxReceiptIDLength)
	}
	return nil
}

// writeDistributionError maps orchestrator errors onto status codes.
func writeDistributionError(w http.ResponseWriter, receiptID string, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, reward.ErrInvalidReceipt), errors.Is(err, reward.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reward.ErrRecordNotFound):
		writeError(w, "distribution not found", http.StatusNotFound)
	case errors.Is(err, reward.ErrOverrideNotAllowed), errors.Is(err, reward.ErrLeaseLost):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("distribution request failed", "receipt_id", receiptID, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeRecord writes a record, answering 202 while another attempt holds it.
func writeRecord(w http.ResponseWriter, rec *reward.DistributionRecord, decimals int32) {
	status := http.StatusOK
	if rec.Status() == reward.StatusInFlight {
		status = http.StatusAccepted
	}
	writeJSON(w, recordToResponse(rec, decimals), status)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// legResponse is the JSON response format for one transfer leg.
type legResponse struct {
	Amount      string           `json:"amount"`
	AmountUnits string           `json:"amount_units"`
	Status      reward.LegStatus `json:"status,omitempty"`
	TxHash      string           `json:"tx_hash,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	BlockNumber uint64           `json:"block_number,omitempty"`
	GasUsed     uint64           `json:"gas_used,omitempty"`
}

// distributionResponse is the JSON response format for a distribution record.
type distributionResponse struct {
	ReceiptID        string                 `json:"receipt_id"`
	Attempt          int                    `json:"attempt"`
	Mode             reward.Mode            `json:"mode"`
	Status           reward.Status          `json:"status"`
	RecipientAddress string                 `json:"recipient_address"`
	TotalReward      string                 `json:"total_reward"`
	TotalRewardUnits string                 `json:"total_reward_units"`
	ConfidenceScore  float64                `json:"confidence_score"`
	Category         reward.Category        `json:"category,omitempty"`
	Recipient        legResponse            `json:"recipient"`
	Fund             legResponse            `json:"fund"`
	Review           *reward.ReviewDecision `json:"review,omitempty"`
	ReviewQueued     bool                   `json:"review_queued"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func legToResponse(amount *big.Int, o reward.TransferOutcome, decimals int32) legResponse {
	resp := legResponse{
		Amount:      formatAmount(amount, decimals),
		Status:      o.Status,
		TxHash:      o.TxHash,
		ErrorDetail: o.ErrorDetail,
		BlockNumber: o.BlockNumber,
		GasUsed:     o.GasUsed,
	}
	if amount != nil {
		resp.AmountUnits = amount.String()
	}
	return resp
}

// recordToResponse converts a distribution record to a response format.
func recordToResponse(rec *reward.DistributionRecord, decimals int32) distributionResponse {
	resp := distributionResponse{
		ReceiptID:        rec.ReceiptID,
		Attempt:          rec.Attempt,
		Mode:             rec.Mode,
		Status:           rec.Status(),
		RecipientAddress: rec.Context.RecipientAddress,
		TotalReward:      formatAmount(rec.Context.TotalReward, decimals),
		ConfidenceScore:  rec.Context.ConfidenceScore,
		Category:         rec.Context.Category,
		Recipient:        legToResponse(rec.Split.RecipientAmount, rec.RecipientOutcome, decimals),
		Fund:             legToResponse(rec.Split.FundAmount, rec.FundOutcome, decimals),
		Review:           rec.Review,
		ReviewQueued:     rec.ReviewQueued,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if rec.Context.TotalReward != nil {
		resp.TotalRewardUnits = rec.Context.TotalReward.String()
	}
	return resp
}
