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

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
	RateLimitRPM int    // per-IP requests per minute on the ingest API

	// Offline admission policy (rural defaults)
	OfflineMaxQueued    int     // max queued transactions per user
	OfflineMaxAmount    string  // max single transaction amount, rupees
	OfflineMaxAggregate string  // max aggregate queued amount, rupees
	OfflineMaxAgeHours  int     // max queue age before items are rejected
	OfflineMinScore     float64 // minimum validation score to admit

	// Account lockout
	LockoutMaxAttempts int // failed logins before lockout
	LockoutMinutes     int // lockout duration
}

// Defaults for the rural deployment profile.
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultRateLimit           = 120
	DefaultOfflineMaxQueued    = 5
	DefaultOfflineMaxAmount    = "50000"
	DefaultOfflineMaxAggregate = "100000"
	DefaultOfflineMaxAgeHours  = 72
	DefaultOfflineMinScore     = 30
	DefaultLockoutMaxAttempts  = 5
	DefaultLockoutMinutes      = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OfflineMaxQueued:    getEnvInt("OFFLINE_MAX_QUEUED", DefaultOfflineMaxQueued),
		OfflineMaxAmount:    getEnv("OFFLINE_MAX_AMOUNT", DefaultOfflineMaxAmount),
		OfflineMaxAggregate: getEnv("OFFLINE_MAX_AGGREGATE", DefaultOfflineMaxAggregate),
		OfflineMaxAgeHours:  getEnvInt("OFFLINE_MAX_AGE_HOURS", DefaultOfflineMaxAgeHours),
		OfflineMinScore:     getEnvFloat("OFFLINE_MIN_SCORE", DefaultOfflineMinScore),
		LockoutMaxAttempts:  getEnvInt("LOCKOUT_MAX_ATTEMPTS", DefaultLockoutMaxAttempts),
		LockoutMinutes:      getEnvInt("LOCKOUT_MINUTES", DefaultLockoutMinutes),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OfflineMaxQueued <= 0 {
		return fmt.Errorf("OFFLINE_MAX_QUEUED must be positive, got %d", c.OfflineMaxQueued)
	}
	if c.OfflineMaxAgeHours <= 0 {
		return fmt.Errorf("OFFLINE_MAX_AGE_HOURS must be positive, got %d", c.OfflineMaxAgeHours)
	}
	if c.OfflineMinScore < 0 || c.OfflineMinScore > 100 {
		return fmt.Errorf("OFFLINE_MIN_SCORE must be in [0,100], got %f", c.OfflineMinScore)
	}
	if c.LockoutMaxAttempts <= 0 {
		return fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be positive, got %d", c.LockoutMaxAttempts)
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
