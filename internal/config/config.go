// Package config provides configuration management for the payout settlement service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/payout-reconciler/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Payout     PayoutConfig
	Velocity   VelocityConfig
	Retry      RetryConfig
	Reconciler ReconcilerConfig
	Executor   ExecutorConfig
	Batch      BatchConfig
	NATS       NATSConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the event journal
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ChainFees holds the deterministic per-chain fee constants, in minor units
type ChainFees struct {
	ProcessingFee         int64
	NetworkFee            int64
	RequiredConfirmations uint32
}

// PayoutConfig holds payout admission and fee configuration
type PayoutConfig struct {
	MinimumPayout int64
	MaximumPayout int64
	BridgeFeeBps  int64
	KYCThreshold  int64
	Chains        map[types.ChainID]ChainFees
}

// VelocityConfig holds the rolling-window caps on per-user requested amounts
type VelocityConfig struct {
	HourlyCap int64
	DailyCap  int64
}

// RetryConfig holds execution retry configuration
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	// MaxDelay caps the exponential backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// ReconcilerConfig holds reconciliation sweep configuration
type ReconcilerConfig struct {
	Interval  time.Duration
	BatchSize int
	Policy    types.MergePolicy
}

// SubmitterConfig holds the signing and RPC settings for one chain submitter
type SubmitterConfig struct {
	RPCURL     string
	PrivateKey string
	ChainID    int64
	// WeiPerUnit converts internal minor units to the chain's base unit
	WeiPerUnit int64
}

// ExecutorConfig holds payout executor configuration
type ExecutorConfig struct {
	// MaxInFlight bounds requests simultaneously processing/bridging
	MaxInFlight      int
	DispatchInterval time.Duration
	ConfirmInterval  time.Duration
	// BridgeDepositAddress is where bridge deposits are sent on the native chain
	BridgeDepositAddress string
	Submitters           map[types.ChainID]SubmitterConfig
}

// BatchConfig holds settlement batch aggregation configuration
type BatchConfig struct {
	Enabled  bool
	Size     int
	Interval time.Duration
}

// NATSConfig holds domain event publisher configuration
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "payout_settlement"),
				User:           getEnv("POSTGRES_USER", "settlement"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "payout_settlement"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:     getEnv("REDIS_HOST", "localhost"),
				Port:     getEnv("REDIS_PORT", "6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvAsInt("REDIS_DB", 0),
			},
		},
		Payout: PayoutConfig{
			MinimumPayout: getEnvAsInt64("PAYOUT_MINIMUM", 100_000),
			MaximumPayout: getEnvAsInt64("PAYOUT_MAXIMUM", 1_000_000_000),
			BridgeFeeBps:  getEnvAsInt64("PAYOUT_BRIDGE_FEE_BPS", 25),
			KYCThreshold:  getEnvAsInt64("PAYOUT_KYC_THRESHOLD", 100_000_000),
			Chains:        loadChainFees(),
		},
		Velocity: VelocityConfig{
			HourlyCap: getEnvAsInt64("VELOCITY_HOURLY_CAP", 500_000_000),
			DailyCap:  getEnvAsInt64("VELOCITY_DAILY_CAP", 2_000_000_000),
		},
		Retry: RetryConfig{
			MaxRetries:        getEnvAsInt("RETRY_MAX_RETRIES", 3),
			InitialDelay:      getEnvAsDuration("RETRY_INITIAL_DELAY", 30*time.Second),
			BackoffMultiplier: getEnvAsFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			MaxDelay:          getEnvAsDuration("RETRY_MAX_DELAY", 0),
		},
		Reconciler: ReconcilerConfig{
			Interval:  getEnvAsDuration("RECONCILE_INTERVAL", 60*time.Second),
			BatchSize: getEnvAsInt("RECONCILE_BATCH_SIZE", 200),
			Policy:    types.MergePolicy(getEnv("RECONCILE_POLICY", string(types.PolicyMerge))),
		},
		Executor: ExecutorConfig{
			MaxInFlight:          getEnvAsInt("EXECUTOR_MAX_IN_FLIGHT", 10),
			DispatchInterval:     getEnvAsDuration("EXECUTOR_DISPATCH_INTERVAL", 5*time.Second),
			ConfirmInterval:      getEnvAsDuration("EXECUTOR_CONFIRM_INTERVAL", 15*time.Second),
			BridgeDepositAddress: getEnv("EXECUTOR_BRIDGE_DEPOSIT_ADDRESS", ""),
			Submitters:           loadSubmitters(),
		},
		Batch: BatchConfig{
			Enabled:  getEnvAsBool("BATCH_ENABLED", true),
			Size:     getEnvAsInt("BATCH_SIZE", 10),
			Interval: getEnvAsDuration("BATCH_INTERVAL", 30*time.Second),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "settlement"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 50),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks cross-field invariants that would corrupt money math
func (c *Config) Validate() error {
	if c.Payout.MinimumPayout <= 0 {
		return fmt.Errorf("PAYOUT_MINIMUM must be positive, got %d", c.Payout.MinimumPayout)
	}
	if c.Payout.MaximumPayout < c.Payout.MinimumPayout {
		return fmt.Errorf("PAYOUT_MAXIMUM %d is below PAYOUT_MINIMUM %d", c.Payout.MaximumPayout, c.Payout.MinimumPayout)
	}
	if c.Payout.BridgeFeeBps < 0 || c.Payout.BridgeFeeBps > 10_000 {
		return fmt.Errorf("PAYOUT_BRIDGE_FEE_BPS must be within [0, 10000], got %d", c.Payout.BridgeFeeBps)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX_RETRIES cannot be negative")
	}
	if c.Retry.BackoffMultiplier < 1.0 {
		return fmt.Errorf("RETRY_BACKOFF_MULTIPLIER must be >= 1.0, got %v", c.Retry.BackoffMultiplier)
	}
	switch c.Reconciler.Policy {
	case types.PolicySourceAWins, types.PolicySourceBWins, types.PolicyMerge:
	default:
		return fmt.Errorf("unknown RECONCILE_POLICY: %s", c.Reconciler.Policy)
	}
	if c.Executor.MaxInFlight <= 0 {
		return fmt.Errorf("EXECUTOR_MAX_IN_FLIGHT must be positive, got %d", c.Executor.MaxInFlight)
	}
	return nil
}

// loadChainFees loads per-chain fee constants, keyed by env prefix
func loadChainFees() map[types.ChainID]ChainFees {
	enabled := strings.Split(getEnv("ENABLED_CHAINS", "native,solana,ethereum"), ",")

	fees := make(map[types.ChainID]ChainFees)
	for _, chain := range enabled {
		chain = strings.TrimSpace(chain)
		if chain == "" {
			continue
		}

		prefix := strings.ToUpper(chain)
		fees[types.ChainID(chain)] = ChainFees{
			ProcessingFee:         getEnvAsInt64(prefix+"_PROCESSING_FEE", 1_000),
			NetworkFee:            getEnvAsInt64(prefix+"_NETWORK_FEE", 500),
			RequiredConfirmations: uint32(getEnvAsInt(prefix+"_REQUIRED_CONFIRMATIONS", 6)), // #nosec G115 - small positive config value
		}
	}

	return fees
}

// loadSubmitters loads per-chain submitter settings, keyed by env prefix.
// Chains without an RPC endpoint are skipped; the executor cannot settle on
// them but admission still works.
func loadSubmitters() map[types.ChainID]SubmitterConfig {
	enabled := strings.Split(getEnv("ENABLED_CHAINS", "native,solana,ethereum"), ",")

	submitters := make(map[types.ChainID]SubmitterConfig)
	for _, chain := range enabled {
		chain = strings.TrimSpace(chain)
		if chain == "" {
			continue
		}

		prefix := strings.ToUpper(chain)
		rpcURL := getEnv(prefix+"_RPC_URL", "")
		if rpcURL == "" {
			continue
		}

		submitters[types.ChainID(chain)] = SubmitterConfig{
			RPCURL:     rpcURL,
			PrivateKey: getEnv(prefix+"_SUBMITTER_KEY", ""),
			ChainID:    getEnvAsInt64(prefix+"_CHAIN_ID", 1),
			WeiPerUnit: getEnvAsInt64(prefix+"_WEI_PER_UNIT", 1_000_000_000),
		}
	}

	return submitters
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 gets an environment variable as an int64 with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float64 with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
