package reward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ecoride/service/ledger"
	"github.com/brojonat/ecoride/service/metrics"
)

const (
	testRecipient = "0xAAAaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testFund      = "0xFFFfffffffffffffffffffffffffffffffffffff"
)

type submission struct {
	seq    int
	to     string
	amount *big.Int
	txID   string
}

// fakeLedger implements Ledger for testing. Behaviour is configured per
// destination address; every call is recorded with a global sequence number
// so tests can check ordering.
type fakeLedger struct {
	mu  sync.Mutex
	seq int

	submitErr map[string]error // by destination
	revert    map[string]bool  // by destination
	timeout   map[string]bool  // by destination
	delay     time.Duration    // applied inside WaitForReceipt
	// unacked sends reach the pool but the caller gets a SubmissionError
	// carrying the signed transaction, as after a lost response
	unacked map[string]bool // by destination

	rebroadcastErr error
	rebroadcasts   []string

	submits []submission
	waits   []string
	// waitDone maps tx id to the sequence number at which its wait returned
	waitDone map[string]int
	owner    map[string]string // tx id -> destination
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		submitErr: map[string]error{},
		revert:    map[string]bool{},
		timeout:   map[string]bool{},
		unacked:   map[string]bool{},
		waitDone:  map[string]int{},
		owner:     map[string]string{},
	}
}

func (f *fakeLedger) SubmitTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if err := f.submitErr[to]; err != nil {
		return "", &ledger.SubmissionError{Endpoint: "node.example.com", Err: err}
	}
	txID := fmt.Sprintf("0x%064x", f.seq)
	f.submits = append(f.submits, submission{seq: f.seq, to: to, amount: new(big.Int).Set(amount), txID: txID})
	f.owner[txID] = to
	if f.unacked[to] {
		return "", &ledger.SubmissionError{
			Endpoint: "node.example.com",
			TxID:     txID,
			RawTx:    []byte(txID),
			Err:      errors.New("failed to send transaction: i/o timeout"),
		}
	}
	return txID, nil
}

// Rebroadcast treats rawTx as the tx id, matching what unacked sends return.
func (f *fakeLedger) Rebroadcast(ctx context.Context, rawTx []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txID := string(rawTx)
	f.rebroadcasts = append(f.rebroadcasts, txID)
	return txID, f.rebroadcastErr
}

func (f *fakeLedger) WaitForReceipt(ctx context.Context, txID string, pollInterval time.Duration, maxAttempts int) (*ledger.Receipt, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.waits = append(f.waits, txID)
	f.waitDone[txID] = f.seq

	to := f.owner[txID]
	if f.timeout[to] {
		return nil, fmt.Errorf("%w: %s after %d attempts", ledger.ErrReceiptTimeout, txID, maxAttempts)
	}
	return &ledger.Receipt{TxID: txID, Reverted: f.revert[to], BlockNumber: 42, GasUsed: 51000}, nil
}

func (f *fakeLedger) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeLedger) waitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waits)
}

// fakeSink records review requests and alerts.
type fakeSink struct {
	mu      sync.Mutex
	err     error
	reviews []*ReviewRequest
	alerts  []*IntegrityAlert
}

func (s *fakeSink) SubmitReview(ctx context.Context, req *ReviewRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reviews = append(s.reviews, req)
	return nil
}

func (s *fakeSink) PublishAlert(ctx context.Context, alert *IntegrityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *fakeSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

var errSinkDown = errors.New("nats: no responders available")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	orch   *Orchestrator
	ledger *fakeLedger
	store  *MemoryStore
	sink   *fakeSink
	clock  clockwork.Clock
}

type harnessOption func(*OrchestratorConfig)

func withClock(c clockwork.Clock) harnessOption {
	return func(cfg *OrchestratorConfig) { cfg.Clock = c }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	fl := newFakeLedger()
	store := NewMemoryStore()
	sink := &fakeSink{}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	router, err := NewRouter(0.85, 0.70, []Category{CategoryKnownFraud})
	require.NoError(t, err)
	splitter, err := NewSplitter(70, 100)
	require.NoError(t, err)
	exec, err := NewExecutor(ExecutorConfig{
		Logger:       testLogger(),
		Metrics:      m,
		Ledger:       fl,
		PollInterval: time.Millisecond,
		MaxAttempts:  3,
	})
	require.NoError(t, err)

	cfg := OrchestratorConfig{
		Logger:      testLogger(),
		Metrics:     m,
		Router:      router,
		Splitter:    splitter,
		Executor:    exec,
		Store:       store,
		Reviews:     sink,
		Alerts:      sink,
		FundAddress: testFund,
		LeaseTTL:    time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	return &harness{orch: orch, ledger: fl, store: store, sink: sink, clock: cfg.Clock}
}

func receipt(id string, total int64, score float64) ReceiptContext {
	return ReceiptContext{
		ReceiptID:        id,
		RecipientAddress: testRecipient,
		TotalReward:      big.NewInt(total),
		ConfidenceScore:  score,
		Category:         CategoryRideShare,
	}
}
