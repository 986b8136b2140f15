// Package config provides configuration management for the ledger service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Source selects which chain data source feeds the deposit reconciler.
const (
	SourceNode     = "node"
	SourceExplorer = "explorer"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Node       NodeConfig
	Explorer   ExplorerConfig
	Reconciler ReconcilerConfig
	Transfer   TransferConfig
	Cache      CacheConfig
	Retry      RetryConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
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

// URL builds a postgres connection URL, used by the migration tooling.
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NodeConfig holds coin node JSON-RPC configuration
type NodeConfig struct {
	Host       string // host:port of the wallet RPC endpoint
	User       string
	Password   string
	RPCTimeout time.Duration
	// RecentTxWindow is how many wallet transactions one
	// listtransactions call pulls per reconciliation cycle.
	RecentTxWindow int
}

// ExplorerConfig holds block explorer API configuration
type ExplorerConfig struct {
	BaseURL           string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

// ReconcilerConfig holds deposit reconciler configuration
type ReconcilerConfig struct {
	Source           string // "node" or "explorer"
	PollInterval     time.Duration
	MinConfirmations int64
	MaxInFlightCalls int64
	TipPairingWindow time.Duration
}

// TransferConfig holds transfer engine configuration
type TransferConfig struct {
	// MaxAmount rejects fat-finger tips above this many lites. Zero
	// disables the ceiling.
	MaxAmount int64
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// RetryConfig holds retry policy configuration for external calls
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Postgres: PostgresConfig{
			Host:           getEnv("POSTGRES_HOST", "localhost"),
			Port:           getEnv("POSTGRES_PORT", "5432"),
			Database:       getEnv("POSTGRES_DB", "tip_ledger"),
			User:           getEnv("POSTGRES_USER", "ledger"),
			Password:       getEnv("POSTGRES_PASSWORD", ""),
			MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Node: NodeConfig{
			Host:           getEnv("NODE_RPC_HOST", "localhost:9332"),
			User:           getEnv("NODE_RPC_USER", ""),
			Password:       getEnv("NODE_RPC_PASSWORD", ""),
			RPCTimeout:     getEnvAsDuration("NODE_RPC_TIMEOUT", 10*time.Second),
			RecentTxWindow: getEnvAsInt("NODE_RECENT_TX_WINDOW", 100),
		},
		Explorer: ExplorerConfig{
			BaseURL:           getEnv("EXPLORER_BASE_URL", ""),
			RequestTimeout:    getEnvAsDuration("EXPLORER_REQUEST_TIMEOUT", 15*time.Second),
			RequestsPerSecond: getEnvAsFloat("EXPLORER_REQUESTS_PER_SECOND", 3.0),
		},
		Reconciler: ReconcilerConfig{
			Source:           getEnv("CHAIN_SOURCE", SourceNode),
			PollInterval:     getEnvAsDuration("POLL_INTERVAL", 30*time.Second),
			MinConfirmations: int64(getEnvAsInt("MIN_CONFIRMATIONS", 6)),
			MaxInFlightCalls: int64(getEnvAsInt("MAX_INFLIGHT_CALLS", 4)),
			TipPairingWindow: getEnvAsDuration("TIP_PAIRING_WINDOW", 10*time.Minute),
		},
		Transfer: TransferConfig{
			MaxAmount: getEnvAsInt64("TRANSFER_MAX_AMOUNT", 0),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 20*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvAsDuration("RETRY_INITIAL_DELAY", 1*time.Second),
			MaxDelay:     getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.Reconciler.Source != SourceNode && c.Reconciler.Source != SourceExplorer {
		return fmt.Errorf("invalid CHAIN_SOURCE %q: must be %q or %q",
			c.Reconciler.Source, SourceNode, SourceExplorer)
	}
	if c.Reconciler.Source == SourceExplorer && c.Explorer.BaseURL == "" {
		return fmt.Errorf("EXPLORER_BASE_URL is required when CHAIN_SOURCE=explorer")
	}
	if c.Reconciler.MinConfirmations < 1 {
		return fmt.Errorf("MIN_CONFIRMATIONS must be at least 1")
	}
	if c.Reconciler.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s")
	}
	if c.Postgres.MaxConnections < 1 {
		return fmt.Errorf("POSTGRES_MAX_CONNECTIONS must be positive")
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
