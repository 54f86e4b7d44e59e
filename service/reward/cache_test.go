package reward

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ecoride/service/metrics"
)

func TestValidationCache_PutAndLookup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, err := NewValidationCache(10*time.Minute, clock, metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	v, err := c.Put("R1", 0.91, CategoryTransit)
	require.NoError(t, err)
	assert.NotEmpty(t, v.Token)
	assert.Equal(t, clock.Now().Add(10*time.Minute), v.ExpiresAt)

	got, ok := c.Lookup(v.Token)
	require.True(t, ok)
	assert.Equal(t, "R1", got.ReceiptID)
	assert.Equal(t, 0.91, got.ConfidenceScore)
	assert.Equal(t, CategoryTransit, got.Category)

	got, ok = c.LookupReceipt("R1")
	require.True(t, ok)
	assert.Equal(t, v.Token, got.Token)

	_, ok = c.Lookup("unknown-token")
	assert.False(t, ok)
	_, ok = c.LookupReceipt("R2")
	assert.False(t, ok)
}

func TestValidationCache_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, err := NewValidationCache(time.Minute, clock, nil)
	require.NoError(t, err)

	v, err := c.Put("R1", 0.5, CategoryUnknown)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, ok := c.Lookup(v.Token)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Lookup(v.Token)
	assert.False(t, ok, "entries expire exactly at the ttl")
	_, ok = c.LookupReceipt("R1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestValidationCache_ReplaceAndSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, err := NewValidationCache(time.Minute, clock, nil)
	require.NoError(t, err)

	old, err := c.Put("R1", 0.4, CategoryUnknown)
	require.NoError(t, err)
	newer, err := c.Put("R1", 0.9, CategoryRideShare)
	require.NoError(t, err)

	_, ok := c.Lookup(old.Token)
	assert.False(t, ok, "a newer validation replaces the old token")
	got, ok := c.LookupReceipt("R1")
	require.True(t, ok)
	assert.Equal(t, newer.Token, got.Token)

	_, err = c.Put("R2", 0.8, CategoryEV)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = c.Put("R3", 0.8, CategoryEV)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len(), "expired entries are swept on write")
}

func TestValidationCache_Invalid(t *testing.T) {
	_, err := NewValidationCache(0, nil, nil)
	assert.Error(t, err)

	c, err := NewValidationCache(time.Minute, nil, nil)
	require.NoError(t, err)
	_, err = c.Put("", 0.5, CategoryUnknown)
	assert.ErrorIs(t, err, ErrInvalidReceipt)
	_, err = c.Put("R1", 1.5, CategoryUnknown)
	assert.ErrorIs(t, err, ErrInvalidReceipt)
}
