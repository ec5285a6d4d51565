// Package config provides configuration management for the round-up service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Cache      CacheConfig
	Webhook    WebhookConfig
	Chain      ChainConfig
	Settlement SettlementConfig
	Signer     SignerConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
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

// ClickHouseConfig holds ClickHouse configuration. The transfer archive is
// optional; when disabled the service runs on Postgres alone.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	ActiveAddressTTL time.Duration
}

// WebhookConfig holds notifier webhook configuration
type WebhookConfig struct {
	Secret        string
	SkipSignature bool // Development only
	AcceptedTags  []string
	Timeout       time.Duration
}

// ChainConfig describes the one chain and token contract being watched
type ChainConfig struct {
	ChainID       string // Hex chain id as delivered by the notifier, e.g. 0xaa36a7
	TokenContract string
	TokenDecimals int32
	RPCURL        string
}

// SettlementConfig holds staking settlement configuration
type SettlementConfig struct {
	StakingContract  string
	ConversionRate   string // Token units per one settlement-asset unit
	AssetDecimals    int32
	MethodSignature  string
	BroadcastTimeout time.Duration
	ClaimLease       time.Duration
	AutoSettle       bool
	Workers          int
	QueueSize        int
	SweepSchedule    string // Cron spec; empty disables the sweep
	GasLimitBuffer   uint64 // Percent added on top of the estimate
	MaxRPCAttempts   int
}

// SignerConfig holds server-held session signer keys
type SignerConfig struct {
	PrivateKeys []string
}

// RateLimitConfig holds per-client limits for the management API
type RateLimitConfig struct {
	RequestsPerSecond float64
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
				Database:       getEnv("POSTGRES_DB", "coffee_change"),
				User:           getEnv("POSTGRES_USER", "coffee"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "coffee_change"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Cache: CacheConfig{
			ActiveAddressTTL: getEnvAsDuration("ACTIVE_ADDRESS_CACHE_TTL", 30*time.Second),
		},
		Webhook: WebhookConfig{
			Secret:        getEnv("MORALIS_STREAM_SECRET", ""),
			SkipSignature: getEnvAsBool("WEBHOOK_SKIP_SIGNATURE", false),
			AcceptedTags:  getEnvAsList("WEBHOOK_ACCEPTED_TAGS", []string{"user-wallets", "usdc-transactions"}),
			Timeout:       getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Chain: ChainConfig{
			ChainID:       strings.ToLower(getEnv("CHAIN_ID", "0xaa36a7")),
			TokenContract: strings.ToLower(getEnv("USDC_CONTRACT_ADDRESS", "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")),
			TokenDecimals: int32(getEnvAsInt("USDC_DECIMALS", 6)),
			RPCURL:        getEnv("RPC_URL", ""),
		},
		Settlement: SettlementConfig{
			StakingContract:  strings.ToLower(getEnv("STAKING_CONTRACT_ADDRESS", "")),
			ConversionRate:   getEnv("ETH_USD_RATE", "3000"),
			AssetDecimals:    int32(getEnvAsInt("SETTLEMENT_DECIMALS", 18)),
			MethodSignature:  getEnv("STAKING_METHOD_SIGNATURE", "stake()"),
			BroadcastTimeout: getEnvAsDuration("SETTLEMENT_BROADCAST_TIMEOUT", 60*time.Second),
			ClaimLease:       getEnvAsDuration("SETTLEMENT_CLAIM_LEASE", 5*time.Minute),
			AutoSettle:       getEnvAsBool("AUTO_SETTLE_ENABLED", true),
			Workers:          getEnvAsInt("AUTO_SETTLE_WORKERS", 2),
			QueueSize:        getEnvAsInt("AUTO_SETTLE_QUEUE_SIZE", 256),
			SweepSchedule:    getEnv("SETTLEMENT_SWEEP_SCHEDULE", "@every 10m"),
			GasLimitBuffer:   uint64(getEnvAsInt("SETTLEMENT_GAS_BUFFER_PERCENT", 20)),
			MaxRPCAttempts:   getEnvAsInt("SETTLEMENT_RPC_ATTEMPTS", 3),
		},
		Signer: SignerConfig{
			PrivateKeys: getEnvAsList("SIGNER_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks settings the server cannot start without
func (c *Config) Validate() error {
	if c.Webhook.Secret == "" && !c.Webhook.SkipSignature {
		return fmt.Errorf("MORALIS_STREAM_SECRET is required unless WEBHOOK_SKIP_SIGNATURE is set")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	if c.Settlement.BroadcastTimeout <= 0 {
		return fmt.Errorf("SETTLEMENT_BROADCAST_TIMEOUT must be positive")
	}
	// Broadcast and completion each get one BroadcastTimeout under the claim
	if c.Settlement.ClaimLease <= 2*c.Settlement.BroadcastTimeout {
		return fmt.Errorf("SETTLEMENT_CLAIM_LEASE must exceed twice SETTLEMENT_BROADCAST_TIMEOUT")
	}
	if c.Settlement.AutoSettle && (c.Settlement.Workers <= 0 || c.Settlement.QueueSize <= 0) {
		return fmt.Errorf("auto-settlement needs positive AUTO_SETTLE_WORKERS and AUTO_SETTLE_QUEUE_SIZE")
	}
	if c.Chain.TokenContract == "" {
		return fmt.Errorf("USDC_CONTRACT_ADDRESS is required")
	}
	return nil
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
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
