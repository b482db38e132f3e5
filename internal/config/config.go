// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow defaults, applied when a create request omits the field
	DefaultEscrowFeeRate   int   // integer percent withheld from deposits
	DefaultReturnFeeRate   int   // integer percent withheld from refunds
	DefaultDisputeWindow   int64 // seconds after delivery confirmation request
	MaxMilestonesPerEscrow int

	// Deposit bounds (decimal strings)
	MinDeposit string
	MaxDeposit string

	// Security
	RateLimitRPS int
	AdminSecret  string // Admin API secret

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultEscrowFee     = 2
	DefaultReturnFee     = 5
	DefaultDisputeWindow = 7 * 24 * 60 * 60 // 7 days, in seconds
	DefaultMaxMilestones = 50
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DefaultEscrowFeeRate:   int(getEnvInt64("DEFAULT_ESCROW_FEE_RATE", DefaultEscrowFee)),
		DefaultReturnFeeRate:   int(getEnvInt64("DEFAULT_RETURN_FEE_RATE", DefaultReturnFee)),
		DefaultDisputeWindow:   getEnvInt64("DEFAULT_DISPUTE_WINDOW_SECONDS", DefaultDisputeWindow),
		MaxMilestonesPerEscrow: int(getEnvInt64("MAX_MILESTONES_PER_ESCROW", DefaultMaxMilestones)),
		MinDeposit:             getEnv("MIN_DEPOSIT", "0.000001"),
		MaxDeposit:             getEnv("MAX_DEPOSIT", "1000000"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are coherent
func (c *Config) Validate() error {
	if c.DefaultEscrowFeeRate < 0 || c.DefaultEscrowFeeRate > 100 {
		return fmt.Errorf("DEFAULT_ESCROW_FEE_RATE must be between 0 and 100")
	}
	if c.DefaultReturnFeeRate < 0 || c.DefaultReturnFeeRate > 100 {
		return fmt.Errorf("DEFAULT_RETURN_FEE_RATE must be between 0 and 100")
	}
	if c.DefaultDisputeWindow <= 0 {
		return fmt.Errorf("DEFAULT_DISPUTE_WINDOW_SECONDS must be positive")
	}
	if c.MaxMilestonesPerEscrow <= 0 {
		return fmt.Errorf("MAX_MILESTONES_PER_ESCROW must be positive")
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
