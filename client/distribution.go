package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Leg is one transfer of a distribution.
type Leg struct {
	Amount      string `json:"amount"`       // decimal token amount
	AmountUnits string `json:"amount_units"` // token minor units
	Status      string `json:"status,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
}

// Review is a reviewer decision recorded on a distribution.
type Review struct {
	ReceiptID string    `json:"receipt_id"`
	Approve   bool      `json:"approve"`
	Reviewer  string    `json:"reviewer,omitempty"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Distribution is the server's view of one receipt's reward.
type Distribution struct {
	ReceiptID        string    `json:"receipt_id"`
	Attempt          int       `json:"attempt"`
	Mode             string    `json:"mode"`
	Status           string    `json:"status"`
	RecipientAddress string    `json:"recipient_address"`
	TotalReward      string    `json:"total_reward"`
	TotalRewardUnits string    `json:"total_reward_units"`
	ConfidenceScore  float64   `json:"confidence_score"`
	Category         string    `json:"category,omitempty"`
	Recipient        Leg       `json:"recipient"`
	Fund             Leg       `json:"fund"`
	Review           *Review   `json:"review,omitempty"`
	ReviewQueued     bool      `json:"review_queued"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DistributionRequest asks the server to distribute a receipt's reward.
// Leave ConfidenceScore nil to use a cached validation.
type DistributionRequest struct {
	ReceiptID        string   `json:"receipt_id"`
	RecipientAddress string   `json:"recipient_address"`
	TotalReward      string   `json:"total_reward"`
	ConfidenceScore  *float64 `json:"confidence_score,omitempty"`
	Category         string   `json:"category,omitempty"`
	ValidationToken  string   `json:"validation_token,omitempty"`
}

// AsyncDistribution identifies a distribution workflow started on the server.
type AsyncDistribution struct {
	ReceiptID  string `json:"receipt_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// Validation is a cached classifier result.
type Validation struct {
	Token           string    `json:"token"`
	ReceiptID       string    `json:"receipt_id"`
	ConfidenceScore float64   `json:"confidence_score"`
	Category        string    `json:"category,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Balance is a token balance read from the ledger.
type Balance struct {
	Address      string `json:"address"`
	Balance      string `json:"balance"`
	BalanceUnits string `json:"balance_units"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the ecoride distribution service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new distribution service client.
// Synchronous distributions wait on the ledger, so the default timeout is long.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreateValidation caches a classifier result and returns its token.
func (c *Client) CreateValidation(ctx context.Context, receiptID string, score float64, category string) (*Validation, error) {
	reqBody := map[string]interface{}{
		"receipt_id":       receiptID,
		"confidence_score": score,
		"category":         category,
	}
	var v Validation
	if err := c.do(ctx, "POST", "/api/v1/validations", reqBody, &v, http.StatusCreated); err != nil {
		return nil, err
	}
	c.logger.Debug("validation cached", "receipt_id", receiptID, "expires_at", v.ExpiresAt)
	return &v, nil
}

// Distribute runs a distribution and waits for it to settle. A distribution
// still held by another attempt is returned with status in_flight.
func (c *Client) Distribute(ctx context.Context, req DistributionRequest) (*Distribution, error) {
	var d Distribution
	if err := c.do(ctx, "POST", "/api/v1/distributions", req, &d, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("distribution settled", "receipt_id", d.ReceiptID, "status", d.Status)
	return &d, nil
}

// StartDistribution asks the server to run the distribution as a workflow.
func (c *Client) StartDistribution(ctx context.Context, req DistributionRequest) (*AsyncDistribution, error) {
	var a AsyncDistribution
	if err := c.do(ctx, "POST", "/api/v1/distributions?async=true", req, &a, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("distribution workflow started", "receipt_id", a.ReceiptID, "workflow_id", a.WorkflowID)
	return &a, nil
}

// GetDistribution retrieves the record for a receipt.
func (c *Client) GetDistribution(ctx context.Context, receiptID string) (*Distribution, error) {
	var d Distribution
	if err := c.do(ctx, "GET", "/api/v1/distributions/"+url.PathEscape(receiptID), nil, &d, http.StatusOK); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListUnsettled retrieves records the reconciler still has work for.
func (c *Client) ListUnsettled(ctx context.Context, limit int) ([]*Distribution, error) {
	path := "/api/v1/distributions/unsettled"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Distributions []*Distribution `json:"distributions"`
	}
	if err := c.do(ctx, "GET", path, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Distributions, nil
}

// Review applies a reviewer decision to a held distribution.
func (c *Client) Review(ctx context.Context, receiptID string, approve bool, reviewer, note string) (*Distribution, error) {
	reqBody := map[string]interface{}{
		"approve":  approve,
		"reviewer": reviewer,
		"note":     note,
	}
	var d Distribution
	path := "/api/v1/distributions/" + url.PathEscape(receiptID) + "/review"
	if err := c.do(ctx, "POST", path, reqBody, &d, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("review applied", "receipt_id", receiptID, "approve", approve, "status", d.Status)
	return &d, nil
}

// Reconcile asks the server to repair one stored distribution.
func (c *Client) Reconcile(ctx context.Context, receiptID string) (*Distribution, error) {
	var d Distribution
	path := "/api/v1/distributions/" + url.PathEscape(receiptID) + "/reconcile"
	if err := c.do(ctx, "POST", path, nil, &d, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &d, nil
}

// Balance reads a token balance through the server's ledger connection.
func (c *Client) Balance(ctx context.Context, address string) (*Balance, error) {
	var b Balance
	if err := c.do(ctx, "GET", "/api/v1/ledger/balance/"+url.PathEscape(address), nil, &b, http.StatusOK); err != nil {
		return nil, err
	}
	return &b, nil
}

// do sends a JSON request and decodes the response into out when the status
// is one of want.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, want ...int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	for _, code := range want {
		if resp.StatusCode == code {
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}
	}
	return c.parseErrorResponse(resp)
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
