package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "0x1111111111111111111111111111111111111111"
	testFund  = "0x2222222222222222222222222222222222222222"
)

func setRequiredEnv() {
	os.Setenv("LEDGER_RPC_URLS", "https://rpc-a.example.com, https://rpc-b.example.com")
	os.Setenv("TOKEN_CONTRACT_ADDRESS", testToken)
	os.Setenv("FUND_ADDRESS", testFund)
}

func TestLoad_ValidConfig(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, []string{"https://rpc-a.example.com", "https://rpc-b.example.com"}, cfg.Ledger.RPCURLs)
	assert.Equal(t, testToken, cfg.Ledger.TokenContractAddress)
	assert.Equal(t, testFund, cfg.Ledger.FundAddress)

	// Defaults
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, int32(18), cfg.Ledger.TokenDecimals)
	assert.Equal(t, uint64(100000), cfg.Ledger.GasLimit)
	assert.Equal(t, 3*time.Second, cfg.Ledger.ProbeTimeout)
	assert.Equal(t, 10*time.Second, cfg.Ledger.CallTimeout)
	assert.Equal(t, 0.85, cfg.Distribution.HighThreshold)
	assert.Equal(t, 0.70, cfg.Distribution.MediumThreshold)
	assert.Equal(t, []string{"known-fraud-flagged"}, cfg.Distribution.FraudCategories)
	assert.Equal(t, int64(70), cfg.Distribution.SplitNumerator)
	assert.Equal(t, int64(100), cfg.Distribution.SplitDenominator)
	assert.Equal(t, 2*time.Second, cfg.Distribution.PollInterval)
	assert.Equal(t, 30, cfg.Distribution.MaxPollAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Distribution.ValidationCacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.Distribution.LeaseTTL)
	assert.Equal(t, "localhost:7233", cfg.TemporalHost)
	assert.Equal(t, "ecoride-distribution", cfg.TemporalTaskQueue)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  string
	}{
		{"rpc urls", "LEDGER_RPC_URLS", "LEDGER_RPC_URLS is required"},
		{"token contract", "TOKEN_CONTRACT_ADDRESS", "TOKEN_CONTRACT_ADDRESS is required"},
		{"fund address", "FUND_ADDRESS", "FUND_ADDRESS is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv()
			os.Unsetenv(tt.unset)
			defer cleanupEnv()

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"poll interval", "RECEIPT_POLL_INTERVAL", "soon", "invalid duration"},
		{"max attempts", "RECEIPT_MAX_ATTEMPTS", "many", "invalid integer"},
		{"threshold", "CONFIDENCE_HIGH_THRESHOLD", "high", "invalid number"},
		{"fund address", "FUND_ADDRESS", "0xAAA", "is not a hex address"},
		{"thresholds inverted", "CONFIDENCE_MEDIUM_THRESHOLD", "0.9", "cannot be greater than HighThreshold"},
		{"split numerator", "SPLIT_RECIPIENT_NUMERATOR", "120", "SplitNumerator must be between"},
		{"lease too short", "DISTRIBUTION_LEASE_TTL", "30s", "must exceed the polling budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv()
			os.Setenv(tt.key, tt.value)
			defer cleanupEnv()

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv()
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "text")
	os.Setenv("DATABASE_URL", "postgres://localhost/ecoride")
	os.Setenv("NATS_URL", "nats://nats.example.com:4222")
	os.Setenv("TEMPORAL_HOST", "temporal.example.com:7233")
	os.Setenv("LEDGER_CHAIN_ID", "11155111")
	os.Setenv("DISTRIBUTOR_KEY_FILE", "/run/secrets/distributor")
	os.Setenv("FRAUD_CATEGORIES", "known-fraud-flagged, gift-card")
	os.Setenv("RECEIPT_POLL_INTERVAL", "500ms")
	os.Setenv("RECEIPT_MAX_ATTEMPTS", "10")
	os.Setenv("DISTRIBUTION_LEASE_TTL", "1m")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "postgres://localhost/ecoride", cfg.DatabaseURL)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, "temporal.example.com:7233", cfg.TemporalHost)
	assert.Equal(t, int64(11155111), cfg.Ledger.ChainID)
	assert.Equal(t, "/run/secrets/distributor", cfg.Ledger.DistributorKeyFile)
	assert.Equal(t, []string{"known-fraud-flagged", "gift-card"}, cfg.Distribution.FraudCategories)
	assert.Equal(t, 500*time.Millisecond, cfg.Distribution.PollInterval)
	assert.Equal(t, 10, cfg.Distribution.MaxPollAttempts)
	assert.Equal(t, time.Minute, cfg.Distribution.LeaseTTL)
}

func validConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			RPCURLs:              []string{"https://rpc.example.com"},
			TokenContractAddress: testToken,
			FundAddress:          testFund,
			TokenDecimals:        18,
			GasLimit:             100000,
			ProbeTimeout:         time.Second,
			CallTimeout:          time.Second,
		},
		Distribution: DistributionConfig{
			HighThreshold:      0.85,
			MediumThreshold:    0.70,
			SplitNumerator:     70,
			SplitDenominator:   100,
			PollInterval:       time.Second,
			MaxPollAttempts:    5,
			ValidationCacheTTL: time.Minute,
			LeaseTTL:           time.Minute,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no endpoints", func(c *Config) { c.Ledger.RPCURLs = nil }, "Ledger.RPCURLs is required"},
		{"bad token", func(c *Config) { c.Ledger.TokenContractAddress = "token" }, "TokenContractAddress"},
		{"high above one", func(c *Config) { c.Distribution.HighThreshold = 1.5 }, "HighThreshold must be within [0,1]"},
		{"zero denominator", func(c *Config) { c.Distribution.SplitDenominator = 0 }, "SplitDenominator must be positive"},
		{"zero attempts", func(c *Config) { c.Distribution.MaxPollAttempts = 0 }, "MaxPollAttempts must be at least 1"},
		{"lease equals budget", func(c *Config) { c.Distribution.LeaseTTL = 10 * time.Second }, "must exceed the polling budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMustLoad_Panics(t *testing.T) {
	// Don't set required env vars
	defer cleanupEnv()

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}

// cleanupEnv clears all environment variables used in tests
func cleanupEnv() {
	for _, key := range []string{
		"LEDGER_RPC_URLS", "TOKEN_CONTRACT_ADDRESS", "FUND_ADDRESS",
		"SERVER_ADDR", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "NATS_URL", "TEMPORAL_HOST",
		"LEDGER_CHAIN_ID", "DISTRIBUTOR_KEY_FILE", "FRAUD_CATEGORIES",
		"CONFIDENCE_HIGH_THRESHOLD", "CONFIDENCE_MEDIUM_THRESHOLD", "SPLIT_RECIPIENT_NUMERATOR",
		"RECEIPT_POLL_INTERVAL", "RECEIPT_MAX_ATTEMPTS", "DISTRIBUTION_LEASE_TTL",
	} {
		os.Unsetenv(key)
	}
}
