// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string for the counter store (optional, uses in-memory if not set)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Security
	AdminSecret  string // Admin API secret for queue/account management endpoints
	APILimitRPM  int    // Per-IP request budget for the public API
	MaxBodyBytes int64  // Request body size limit

	// Engine knobs. Scoring weights and rate-limit rules live in typed
	// defaults inside their packages; only the operationally-tuned values
	// are exposed here.
	ReviewSLA        time.Duration // Time before a pending item breaches SLA
	StaleAfter       time.Duration // Pending age that triggers escalation
	MaxPerReviewer   int           // Auto-assign saturation cap
	SuspendWarnings  int           // Warning count that suspends an account
	QueueTickSeconds int           // Escalate/auto-assign cycle interval
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultAPILimitRPM      = 300
	DefaultReviewSLAHours   = 24
	DefaultStaleAfterHours  = 12
	DefaultMaxPerReviewer   = 10
	DefaultSuspendWarnings  = 3
	DefaultQueueTickSeconds = 60
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		APILimitRPM:      getEnvInt("API_LIMIT_RPM", DefaultAPILimitRPM),
		MaxBodyBytes:     1 << 20,
		ReviewSLA:        time.Duration(getEnvInt("REVIEW_SLA_HOURS", DefaultReviewSLAHours)) * time.Hour,
		StaleAfter:       time.Duration(getEnvInt("STALE_AFTER_HOURS", DefaultStaleAfterHours)) * time.Hour,
		MaxPerReviewer:   getEnvInt("MAX_PER_REVIEWER", DefaultMaxPerReviewer),
		SuspendWarnings:  getEnvInt("SUSPEND_WARNINGS", DefaultSuspendWarnings),
		QueueTickSeconds: getEnvInt("QUEUE_TICK_SECONDS", DefaultQueueTickSeconds),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging, or production, got %q", c.Env)
	}

	if c.Env == "production" && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	if c.APILimitRPM <= 0 {
		return fmt.Errorf("API_LIMIT_RPM must be positive, got %d", c.APILimitRPM)
	}
	if c.MaxPerReviewer <= 0 {
		return fmt.Errorf("MAX_PER_REVIEWER must be positive, got %d", c.MaxPerReviewer)
	}
	if c.SuspendWarnings <= 0 {
		return fmt.Errorf("SUSPEND_WARNINGS must be positive, got %d", c.SuspendWarnings)
	}
	if c.StaleAfter >= c.ReviewSLA {
		return fmt.Errorf("STALE_AFTER_HOURS (%v) must be less than REVIEW_SLA_HOURS (%v)", c.StaleAfter, c.ReviewSLA)
	}

	return nil
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
