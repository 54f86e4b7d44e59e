package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string
	LogFormat   string // "json" or "text"

	// Database configuration. Empty means the in-memory record store is used.
	DatabaseURL string

	// NATS configuration. Empty disables the review and alert sinks.
	NATSURL string

	// Ledger configuration
	Ledger LedgerConfig

	// Distribution policy
	Distribution DistributionConfig

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	ReconcileInterval time.Duration
}

// LedgerConfig describes how to reach and sign for the remote ledger.
type LedgerConfig struct {
	RPCURLs              []string
	ChainID              int64 // 0 asks the node
	TokenContractAddress string
	TokenDecimals        int32
	FundAddress          string
	GasLimit             uint64
	ProbeTimeout         time.Duration
	CallTimeout          time.Duration // bounds each RPC
	RateLimit            float64       // requests per second, 0 disables limiting

	// Distributor credential. The file takes precedence over the inline key.
	// Both may be empty: submissions then fail with a submission error.
	DistributorPrivateKey string
	DistributorKeyFile    string
}

// DistributionConfig holds the tunable reward policy.
type DistributionConfig struct {
	HighThreshold   float64
	MediumThreshold float64
	FraudCategories []string

	SplitNumerator   int64
	SplitDenominator int64

	PollInterval    time.Duration
	MaxPollAttempts int

	ValidationCacheTTL time.Duration
	LeaseTTL           time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", "json")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Ledger configuration
	cfg.Ledger.RPCURLs = parseList(os.Getenv("LEDGER_RPC_URLS"))
	if len(cfg.Ledger.RPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("LEDGER_RPC_URLS is required"))
	}

	cfg.Ledger.TokenContractAddress = os.Getenv("TOKEN_CONTRACT_ADDRESS")
	if cfg.Ledger.TokenContractAddress == "" {
		errs = append(errs, fmt.Errorf("TOKEN_CONTRACT_ADDRESS is required"))
	}

	cfg.Ledger.FundAddress = os.Getenv("FUND_ADDRESS")
	if cfg.Ledger.FundAddress == "" {
		errs = append(errs, fmt.Errorf("FUND_ADDRESS is required"))
	}

	cfg.Ledger.DistributorPrivateKey = os.Getenv("DISTRIBUTOR_PRIVATE_KEY")
	cfg.Ledger.DistributorKeyFile = os.Getenv("DISTRIBUTOR_KEY_FILE")

	chainID, err := parseInt("LEDGER_CHAIN_ID", 0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Ledger.ChainID = int64(chainID)

	decimals, err := parseInt("TOKEN_DECIMALS", 18)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Ledger.TokenDecimals = int32(decimals)

	gasLimit, err := parseInt("LEDGER_GAS_LIMIT", 100000)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Ledger.GasLimit = uint64(gasLimit)

	if cfg.Ledger.ProbeTimeout, err = parseDuration("LEDGER_PROBE_TIMEOUT", "3s"); err != nil {
		errs = append(errs, err)
	}

	if cfg.Ledger.CallTimeout, err = parseDuration("LEDGER_CALL_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	}

	if cfg.Ledger.RateLimit, err = parseFloat("LEDGER_RPC_RATE_LIMIT", 10); err != nil {
		errs = append(errs, err)
	}

	// Distribution policy
	if cfg.Distribution.HighThreshold, err = parseFloat("CONFIDENCE_HIGH_THRESHOLD", 0.85); err != nil {
		errs = append(errs, err)
	}
	if cfg.Distribution.MediumThreshold, err = parseFloat("CONFIDENCE_MEDIUM_THRESHOLD", 0.70); err != nil {
		errs = append(errs, err)
	}
	cfg.Distribution.FraudCategories = parseList(getEnvOrDefault("FRAUD_CATEGORIES", "known-fraud-flagged"))

	num, err := parseInt("SPLIT_RECIPIENT_NUMERATOR", 70)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Distribution.SplitNumerator = int64(num)

	den, err := parseInt("SPLIT_DENOMINATOR", 100)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Distribution.SplitDenominator = int64(den)

	if cfg.Distribution.PollInterval, err = parseDuration("RECEIPT_POLL_INTERVAL", "2s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Distribution.MaxPollAttempts, err = parseInt("RECEIPT_MAX_ATTEMPTS", 30); err != nil {
		errs = append(errs, err)
	}
	if cfg.Distribution.ValidationCacheTTL, err = parseDuration("VALIDATION_CACHE_TTL", "10m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Distribution.LeaseTTL, err = parseDuration("DISTRIBUTION_LEASE_TTL", "5m"); err != nil {
		errs = append(errs, err)
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "ecoride-distribution")
	if cfg.ReconcileInterval, err = parseDuration("RECONCILE_INTERVAL", "5m"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Ledger.RPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("Ledger.RPCURLs is required"))
	}
	if !common.IsHexAddress(c.Ledger.TokenContractAddress) {
		errs = append(errs, fmt.Errorf("Ledger.TokenContractAddress %q is not a hex address", c.Ledger.TokenContractAddress))
	}
	if !common.IsHexAddress(c.Ledger.FundAddress) {
		errs = append(errs, fmt.Errorf("Ledger.FundAddress %q is not a hex address", c.Ledger.FundAddress))
	}
	if c.Ledger.ChainID < 0 {
		errs = append(errs, fmt.Errorf("Ledger.ChainID cannot be negative"))
	}
	if c.Ledger.TokenDecimals < 0 || c.Ledger.TokenDecimals > 36 {
		errs = append(errs, fmt.Errorf("Ledger.TokenDecimals must be between 0 and 36"))
	}
	if c.Ledger.GasLimit == 0 {
		errs = append(errs, fmt.Errorf("Ledger.GasLimit must be positive"))
	}
	if c.Ledger.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("Ledger.ProbeTimeout must be positive"))
	}
	if c.Ledger.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("Ledger.CallTimeout must be positive"))
	}
	if c.Ledger.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("Ledger.RateLimit cannot be negative"))
	}

	d := c.Distribution
	if d.HighThreshold < 0 || d.HighThreshold > 1 {
		errs = append(errs, fmt.Errorf("Distribution.HighThreshold must be within [0,1]"))
	}
	if d.MediumThreshold < 0 || d.MediumThreshold > 1 {
		errs = append(errs, fmt.Errorf("Distribution.MediumThreshold must be within [0,1]"))
	}
	if d.MediumThreshold > d.HighThreshold {
		errs = append(errs, fmt.Errorf("Distribution.MediumThreshold (%v) cannot be greater than HighThreshold (%v)",
			d.MediumThreshold, d.HighThreshold))
	}
	if d.SplitDenominator <= 0 {
		errs = append(errs, fmt.Errorf("Distribution.SplitDenominator must be positive"))
	}
	if d.SplitNumerator < 0 || d.SplitNumerator > d.SplitDenominator {
		errs = append(errs, fmt.Errorf("Distribution.SplitNumerator must be between 0 and SplitDenominator"))
	}
	if d.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("Distribution.PollInterval must be positive"))
	}
	if d.MaxPollAttempts < 1 {
		errs = append(errs, fmt.Errorf("Distribution.MaxPollAttempts must be at least 1"))
	}
	if d.ValidationCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("Distribution.ValidationCacheTTL must be positive"))
	}
	// A lease must outlive one full attempt: two legs, each polled to exhaustion.
	if budget := 2 * d.PollInterval * time.Duration(d.MaxPollAttempts); d.LeaseTTL <= budget {
		errs = append(errs, fmt.Errorf("Distribution.LeaseTTL (%v) must exceed the polling budget of both legs (%v)",
			d.LeaseTTL, budget))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

// parseList splits a comma-separated value, dropping empty entries.
func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
