package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/ecoride/service/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Receipt is the resolved result of a submitted transaction.
type Receipt struct {
	TxID        string
	Reverted    bool
	BlockNumber uint64
	GasUsed     uint64
}

// Config wires a Client.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Metrics // optional

	// Endpoints are tried in order; the first that answers a probe becomes active.
	Endpoints []string
	Dialer    Dialer

	TokenAddress string
	Signer       *Signer // optional; without it every submission fails
	ChainID      int64   // 0 asks the node
	GasLimit     uint64

	ProbeTimeout time.Duration
	CallTimeout  time.Duration // bounds each RPC; 0 means ProbeTimeout
	RateLimit    float64 // requests per second, 0 disables limiting
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	if err := ValidateAddress(cfg.TokenAddress); err != nil {
		return fmt.Errorf("token address: %w", err)
	}
	if cfg.GasLimit == 0 {
		return errors.New("gas limit must be greater than 0")
	}
	if cfg.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be greater than 0")
	}
	if cfg.CallTimeout < 0 {
		return errors.New("call timeout cannot be negative")
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = cfg.ProbeTimeout
	}
	if cfg.RateLimit < 0 {
		return errors.New("rate limit cannot be negative")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialEthereum
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Client talks to an EVM ledger through an ordered list of endpoints.
// Only one endpoint is active at a time; failures trigger a re-probe.
type Client struct {
	log     *slog.Logger
	cfg     Config
	token   common.Address
	limiter *rate.Limiter
	probes  singleflight.Group

	mu        sync.RWMutex
	active    RPCClient
	activeURL string
	lastURL   string // survives demotion, for failover accounting
	chainID   *big.Int

	// Submissions share one nonce space.
	submitMu sync.Mutex
}

// NewClient creates a ledger client. No connection is made until first use.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		log:   cfg.Logger,
		cfg:   cfg,
		token: common.HexToAddress(cfg.TokenAddress),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// ActiveEndpoint returns the endpoint currently in use, or "" before the first probe.
func (c *Client) ActiveEndpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeURL
}

// Probe walks the endpoint list in order and activates the first one that
// reports a current block within ProbeTimeout. Concurrent callers share one probe.
func (c *Client) Probe(ctx context.Context) (string, error) {
	v, err, _ := c.probes.Do("probe", func() (any, error) {
		return c.probe(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) probe(ctx context.Context) (string, error) {
	var lastErr error
	for _, endpoint := range c.cfg.Endpoints {
		label := endpointLabel(endpoint)
		conn, block, err := c.probeOne(ctx, endpoint)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordProbe(label, err)
		}
		if err != nil {
			c.log.WarnContext(ctx, "ledger endpoint probe failed",
				"endpoint", label,
				"error", err,
			)
			lastErr = err
			continue
		}

		c.mu.Lock()
		previous, previousURL := c.active, c.lastURL
		c.active, c.activeURL, c.lastURL = conn, endpoint, endpoint
		c.mu.Unlock()

		if previous != nil {
			previous.Close()
		}
		if previousURL != endpoint {
			if previousURL != "" && c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordFailover(label)
			}
			c.log.InfoContext(ctx, "ledger endpoint selected",
				"endpoint", label,
				"block", block,
			)
		}
		return endpoint, nil
	}

	if lastErr == nil {
		return "", ErrNoHealthyEndpoint
	}
	return "", fmt.Errorf("%w: %v", ErrNoHealthyEndpoint, lastErr)
}

func (c *Client) probeOne(ctx context.Context, endpoint string) (RPCClient, uint64, error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	conn, err := c.cfg.Dialer(pctx, endpoint)
	if err != nil {
		return nil, 0, fmt.Errorf("dial: %w", err)
	}

	start := c.cfg.Clock.Now()
	block, err := conn.BlockNumber(pctx)
	c.observe("BlockNumber", endpoint, start, err)
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("best block: %w", err)
	}
	return conn, block, nil
}

// conn returns the active connection, probing first if there is none.
func (c *Client) conn(ctx context.Context) (RPCClient, string, error) {
	c.mu.RLock()
	conn, endpoint := c.active, c.activeURL
	c.mu.RUnlock()
	if conn != nil {
		return conn, endpoint, nil
	}

	if _, err := c.Probe(ctx); err != nil {
		return nil, "", err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil, "", ErrNoHealthyEndpoint
	}
	return c.active, c.activeURL, nil
}

// demote drops endpoint as the active connection so the next call re-probes.
// It is a no-op if another goroutine already replaced it.
func (c *Client) demote(endpoint string) {
	c.mu.Lock()
	var stale RPCClient
	if c.activeURL == endpoint {
		stale = c.active
		c.active, c.activeURL = nil, ""
	}
	c.mu.Unlock()
	if stale != nil {
		stale.Close()
	}
}

// bounded limits one RPC to CallTimeout. Nodes and the default HTTP
// transport never time out on their own.
func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) observe(method, endpoint string, start time.Time, err error) {
	if c.cfg.Metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		status = "error"
	}
	c.cfg.Metrics.RecordRPCCall(method, status, endpointLabel(endpoint), c.cfg.Clock.Since(start).Seconds())
}

// SubmitTransfer sends amount of the configured token to the given address and
// returns the transaction id. A returned id only means the node accepted the
// transaction; use WaitForReceipt to learn whether it succeeded.
//
// If the active endpoint rejects the submission, the client re-probes once and
// resends the same signed transaction, so a retry can never spend a second nonce.
// When both sends fail after signing, the SubmissionError carries the signed
// transaction: it may already be in a node's pool, so callers must Rebroadcast
// it rather than submit the transfer again.
func (c *Client) SubmitTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if c.cfg.Signer == nil {
		return "", &SubmissionError{Err: ErrNoSigner}
	}
	if err := ValidateAddress(to); err != nil {
		return "", &SubmissionError{Err: err}
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", &SubmissionError{Err: fmt.Errorf("transfer amount must be positive, got %v", amount)}
	}

	data, err := packTransfer(common.HexToAddress(to), amount)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	signed, endpoint, err := c.submit(ctx, data, nil)
	if err != nil && ctx.Err() == nil {
		c.log.WarnContext(ctx, "transfer submission failed, re-probing",
			"endpoint", endpointLabel(endpoint),
			"to", to,
			"error", err,
		)
		c.demote(endpoint)
		signed, endpoint, err = c.submit(ctx, data, signed)
	}
	if err != nil {
		return "", newSubmissionError(endpointLabel(endpoint), signed, err)
	}

	txID := signed.Hash().Hex()
	c.log.InfoContext(ctx, "transfer submitted",
		"tx_id", txID,
		"to", to,
		"amount", amount.String(),
		"nonce", signed.Nonce(),
		"endpoint", endpointLabel(endpoint),
	)
	return txID, nil
}

// submit builds, signs and sends one transfer. If signed is non-nil it is
// resent as-is. The signed transaction is returned even on send failure so
// the caller can retry it.
func (c *Client) submit(ctx context.Context, data []byte, signed *types.Transaction) (*types.Transaction, string, error) {
	conn, endpoint, err := c.conn(ctx)
	if err != nil {
		return signed, "", err
	}

	if signed == nil {
		signed, err = c.buildTransfer(ctx, conn, endpoint, data)
		if err != nil {
			return nil, endpoint, err
		}
	}

	if err := c.wait(ctx); err != nil {
		return signed, endpoint, err
	}
	if err := c.send(ctx, conn, endpoint, signed); err != nil && !isAlreadyKnown(err) {
		return signed, endpoint, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, endpoint, nil
}

func (c *Client) send(ctx context.Context, conn RPCClient, endpoint string, signed *types.Transaction) error {
	sctx, cancel := c.bounded(ctx)
	defer cancel()
	start := c.cfg.Clock.Now()
	err := conn.SendTransaction(sctx, signed)
	c.observe("SendTransaction", endpoint, start, err)
	return err
}

// Rebroadcast resends a transaction signed by an earlier SubmitTransfer and
// returns its id. It never signs anything, so it cannot spend another nonce.
//
// A node answering "nonce too low" means some transaction with that nonce was
// mined. If it was not this one, Rebroadcast returns ErrTransactionDropped:
// the transfer can then never land and may be submitted afresh.
func (c *Client) Rebroadcast(ctx context.Context, rawTx []byte) (string, error) {
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(rawTx); err != nil {
		return "", fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	txID := signed.Hash().Hex()

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	conn, endpoint, err := c.conn(ctx)
	if err != nil {
		return txID, err
	}
	if err := c.wait(ctx); err != nil {
		return txID, err
	}

	err = c.send(ctx, conn, endpoint, signed)
	switch {
	case err == nil, isAlreadyKnown(err):
	case isNonceTooLow(err):
		_, rerr := c.fetchReceipt(ctx, signed.Hash())
		if errors.Is(rerr, ethereum.NotFound) {
			return txID, fmt.Errorf("%w: %s nonce %d", ErrTransactionDropped, txID, signed.Nonce())
		}
		if rerr != nil {
			return txID, fmt.Errorf("failed to check replaced transaction: %w", rerr)
		}
	default:
		if ctx.Err() == nil {
			c.demote(endpoint)
		}
		return txID, fmt.Errorf("failed to rebroadcast transaction: %w", err)
	}

	c.log.InfoContext(ctx, "transfer rebroadcast",
		"tx_id", txID,
		"nonce", signed.Nonce(),
		"endpoint", endpointLabel(endpoint),
	)
	return txID, nil
}

func (c *Client) buildTransfer(ctx context.Context, conn RPCClient, endpoint string, data []byte) (*types.Transaction, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	chainID, err := c.resolveChainID(ctx, conn, endpoint)
	if err != nil {
		return nil, err
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start := c.cfg.Clock.Now()
	nonce, err := conn.PendingNonceAt(ctx, c.cfg.Signer.Address())
	c.observe("PendingNonceAt", endpoint, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start = c.cfg.Clock.Now()
	gasPrice, err := conn.SuggestGasPrice(ctx)
	c.observe("SuggestGasPrice", endpoint, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	// Token transfers carry no native value.
	tx := types.NewTransaction(nonce, c.token, big.NewInt(0), c.cfg.GasLimit, gasPrice, data)
	return c.cfg.Signer.SignTx(tx, chainID)
}

func (c *Client) resolveChainID(ctx context.Context, conn RPCClient, endpoint string) (*big.Int, error) {
	c.mu.RLock()
	chainID := c.chainID
	c.mu.RUnlock()
	if chainID != nil {
		return chainID, nil
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start := c.cfg.Clock.Now()
	chainID, err := conn.ChainID(ctx)
	c.observe("ChainID", endpoint, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	c.mu.Lock()
	c.chainID = chainID
	c.mu.Unlock()
	return chainID, nil
}

// WaitForReceipt polls for the receipt of txID up to maxAttempts times,
// pollInterval apart. It returns ErrReceiptTimeout once attempts run out;
// the transaction is then unresolved, not failed.
func (c *Client) WaitForReceipt(ctx context.Context, txID string, pollInterval time.Duration, maxAttempts int) (*Receipt, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}
	hash := common.HexToHash(txID)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		receipt, err := c.fetchReceipt(ctx, hash)
		switch {
		case err == nil:
			if c.cfg.Metrics != nil {
				outcome := "confirmed"
				if receipt.Status == types.ReceiptStatusFailed {
					outcome = "reverted"
				}
				c.cfg.Metrics.RecordReceiptPolls(outcome, attempt)
			}
			return &Receipt{
				TxID:        txID,
				Reverted:    receipt.Status == types.ReceiptStatusFailed,
				BlockNumber: blockNumber(receipt),
				GasUsed:     receipt.GasUsed,
			}, nil
		case errors.Is(err, ethereum.NotFound):
			c.log.DebugContext(ctx, "receipt not available yet",
				"tx_id", txID,
				"attempt", attempt,
			)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			c.log.WarnContext(ctx, "receipt lookup failed",
				"tx_id", txID,
				"attempt", attempt,
				"error", err,
			)
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.cfg.Clock.After(pollInterval):
		}
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordReceiptPolls("timed_out", maxAttempts)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrReceiptTimeout, txID, maxAttempts)
}

func (c *Client) fetchReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	conn, endpoint, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	rctx, cancel := c.bounded(ctx)
	defer cancel()
	start := c.cfg.Clock.Now()
	receipt, err := conn.TransactionReceipt(rctx, hash)
	c.observe("TransactionReceipt", endpoint, start, err)
	if err != nil {
		// A lookup that hit CallTimeout counts as a failed attempt.
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			c.demote(endpoint)
		}
		return nil, err
	}
	if receipt == nil {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// GetBalance returns the token balance of address in minor units.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	data, err := packBalanceOf(common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	conn, endpoint, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	cctx, cancel := c.bounded(ctx)
	defer cancel()
	start := c.cfg.Clock.Now()
	result, err := conn.CallContract(cctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	c.observe("CallContract", endpoint, start, err)
	if err != nil {
		if ctx.Err() == nil {
			c.demote(endpoint)
		}
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return unpackBalance(result)
}

// Close releases the active connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.Close()
		c.active, c.activeURL = nil, ""
	}
}

func blockNumber(r *types.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}

// isAlreadyKnown reports a node telling us it already holds this exact
// transaction, which happens when a resend follows a send that did land.
func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// endpointLabel reduces an endpoint URL to its host for logs and metric labels,
// keeping API keys embedded in paths or queries out of both.
func endpointLabel(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	return parsed.Hostname()
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
