// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	CORSOrigins []string

	// Database (optional, uses in-memory ledger if not set)
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Chain settings. An empty RPCURL runs against the in-process simulated
	// escrow backend.
	RPCURL              string
	ChainID             int64
	SignerKeys          []string // hex private keys of the delegated keyring
	OperatorAddress     string   // sends permissionless txs (auto-release)
	FeeCollectorAddress string
	TokenAddress        string // USDC ERC-20; empty skips the approval step
	ChainConfirmTimeout time.Duration
	ChainPollInterval   time.Duration

	// Reconciliation
	SweepInterval      time.Duration
	SweepConcurrency   int
	AutoReleaseEnabled bool

	// Arbitration
	ArbitrationAPIURL        string
	ArbitrationAPIKey        string
	ArbitrationWebhookSecret string
	PinataAPIKey             string
	PinataSecretKey          string

	// Outbound notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Tracing (empty endpoint disables export)
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

// Arc testnet defaults
const (
	DefaultChainID             = 5042002
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultArbitrationURL      = "https://api.kleros.io"
	DefaultChainConfirmTimeout = 2 * time.Minute
	DefaultChainPollInterval   = 2 * time.Second
	DefaultSweepInterval       = time.Minute
	DefaultSweepConcurrency    = 8
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:              getEnvList("CORS_ORIGINS"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:           int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:           int(getEnvInt64("DB_MAX_IDLE_CONNS", 5)),
		RPCURL:                   os.Getenv("RPC_URL"),
		ChainID:                  getEnvInt64("CHAIN_ID", DefaultChainID),
		SignerKeys:               getEnvList("SIGNER_KEYS"),
		OperatorAddress:          os.Getenv("OPERATOR_ADDRESS"),
		FeeCollectorAddress:      os.Getenv("FEE_COLLECTOR_ADDRESS"),
		TokenAddress:             os.Getenv("TOKEN_ADDRESS"),
		ChainConfirmTimeout:      getEnvDuration("CHAIN_CONFIRM_TIMEOUT", DefaultChainConfirmTimeout),
		ChainPollInterval:        getEnvDuration("CHAIN_POLL_INTERVAL", DefaultChainPollInterval),
		SweepInterval:            getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepConcurrency:         int(getEnvInt64("SWEEP_CONCURRENCY", DefaultSweepConcurrency)),
		AutoReleaseEnabled:       getEnvBool("AUTO_RELEASE_ENABLED", false),
		ArbitrationAPIURL:        getEnv("ARBITRATION_API_URL", DefaultArbitrationURL),
		ArbitrationAPIKey:        os.Getenv("ARBITRATION_API_KEY"),
		ArbitrationWebhookSecret: os.Getenv("ARBITRATION_WEBHOOK_SECRET"),
		PinataAPIKey:             os.Getenv("PINATA_API_KEY"),
		PinataSecretKey:          os.Getenv("PINATA_SECRET_KEY"),
		NotifyWebhookURL:         os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:      os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:             getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRatio:         getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	for i, key := range c.SignerKeys {
		if len(strings.TrimPrefix(key, "0x")) != 64 {
			return fmt.Errorf("SIGNER_KEYS[%d] must be 64 hex characters (with or without 0x prefix)", i)
		}
	}

	if c.OperatorAddress != "" && !common.IsHexAddress(c.OperatorAddress) {
		return fmt.Errorf("OPERATOR_ADDRESS is not a valid address")
	}
	if c.FeeCollectorAddress != "" && !common.IsHexAddress(c.FeeCollectorAddress) {
		return fmt.Errorf("FEE_COLLECTOR_ADDRESS is not a valid address")
	}
	if c.TokenAddress != "" && !common.IsHexAddress(c.TokenAddress) {
		return fmt.Errorf("TOKEN_ADDRESS is not a valid address")
	}
	if c.AutoReleaseEnabled && c.OperatorAddress == "" {
		return fmt.Errorf("AUTO_RELEASE_ENABLED requires OPERATOR_ADDRESS")
	}

	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if c.SweepConcurrency < 1 || c.SweepConcurrency > 64 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be between 1 and 64")
	}
	if c.ChainConfirmTimeout <= 0 || c.ChainPollInterval <= 0 {
		return fmt.Errorf("CHAIN_CONFIRM_TIMEOUT and CHAIN_POLL_INTERVAL must be positive")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required in production")
		}
		if c.ArbitrationWebhookSecret == "" {
			return fmt.Errorf("ARBITRATION_WEBHOOK_SECRET is required in production")
		}
		if len(c.CORSOrigins) == 0 {
			return fmt.Errorf("CORS_ORIGINS is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AllowedOrigins returns the CORS allow-list. Outside production an empty
// list allows any origin.
func (c *Config) AllowedOrigins() []string {
	if len(c.CORSOrigins) == 0 && !c.IsProduction() {
		return []string{"*"}
	}
	return c.CORSOrigins
}

// Simulated reports whether the chain backend is the in-process simulator.
func (c *Config) Simulated() bool {
	return c.RPCURL == ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
