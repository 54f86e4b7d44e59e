package reward

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/brojonat/ecoride/service/metrics"
)

// Validation is a classifier result held until the distribution request for
// the same receipt arrives.
type Validation struct {
	Token           string    `json:"token"`
	ReceiptID       string    `json:"receipt_id"`
	ConfidenceScore float64   `json:"confidence_score"`
	Category        Category  `json:"category,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ValidationCache keeps recent validations for a fixed TTL, addressable by
// the token handed to the client or by receipt id.
type ValidationCache struct {
	clock   clockwork.Clock
	ttl     time.Duration
	metrics *metrics.Metrics

	mu        sync.Mutex
	byToken   map[string]*Validation
	byReceipt map[string]string // receipt id -> token
}

// NewValidationCache creates a cache. clock may be nil for the real clock.
func NewValidationCache(ttl time.Duration, clock clockwork.Clock, m *metrics.Metrics) (*ValidationCache, error) {
	if ttl <= 0 {
		return nil, errors.New("validation ttl must be greater than 0")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ValidationCache{
		clock:     clock,
		ttl:       ttl,
		metrics:   m,
		byToken:   make(map[string]*Validation),
		byReceipt: make(map[string]string),
	}, nil
}

// Put stores a validation, replacing any earlier one for the same receipt.
func (c *ValidationCache) Put(receiptID string, score float64, category Category) (*Validation, error) {
	if strings.TrimSpace(receiptID) == "" {
		return nil, fmt.Errorf("%w: receipt id is required", ErrInvalidReceipt)
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: confidence score %v outside [0,1]", ErrInvalidReceipt, score)
	}

	now := c.clock.Now()
	v := &Validation{
		Token:           uuid.NewString(),
		ReceiptID:       receiptID,
		ConfidenceScore: score,
		Category:        category,
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(now)
	if old, ok := c.byReceipt[receiptID]; ok {
		delete(c.byToken, old)
	}
	c.byToken[v.Token] = v
	c.byReceipt[receiptID] = v.Token

	out := *v
	return &out, nil
}

// Lookup returns the live validation for token.
func (c *ValidationCache) Lookup(token string) (*Validation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.live(c.byToken[token])
	c.observe(ok)
	return v, ok
}

// LookupReceipt returns the live validation most recently stored for receiptID.
func (c *ValidationCache) LookupReceipt(receiptID string) (*Validation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.live(c.byToken[c.byReceipt[receiptID]])
	c.observe(ok)
	return v, ok
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *ValidationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byToken)
}

func (c *ValidationCache) live(v *Validation) (*Validation, bool) {
	if v == nil {
		return nil, false
	}
	if !c.clock.Now().Before(v.ExpiresAt) {
		c.evict(v)
		return nil, false
	}
	out := *v
	return &out, true
}

func (c *ValidationCache) sweep(now time.Time) {
	for _, v := range c.byToken {
		if !now.Before(v.ExpiresAt) {
			c.evict(v)
		}
	}
}

func (c *ValidationCache) evict(v *Validation) {
	delete(c.byToken, v.Token)
	if c.byReceipt[v.ReceiptID] == v.Token {
		delete(c.byReceipt, v.ReceiptID)
	}
}

func (c *ValidationCache) observe(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordValidationCacheLookup(hit)
	}
}
