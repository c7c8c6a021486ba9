// Package config handles application configuration from environment variables
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
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "text" or "json"
	AllowedOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Risk scoring
	WarningThreshold   int
	FlagThreshold      int
	TerminateThreshold int
	CatalogPath        string // Optional JSON file overriding event weights

	// Session lifecycle
	StartWindow      time.Duration // How long a started session may sit idle before expiring
	WatchdogInterval time.Duration // Sweep interval for the expiry/timeout watchdog

	// Security
	RateLimitRPS  int
	WebhookSecret string // Default HMAC secret for webhook subscriptions without one

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultWarningThreshold   = 40
	DefaultFlagThreshold      = 70
	DefaultTerminateThreshold = 100
	DefaultStartWindow        = 15 * time.Minute
	DefaultWatchdogInterval   = 30 * time.Second
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		AllowedOrigins:     splitCSV(os.Getenv("ALLOWED_ORIGINS")),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WarningThreshold:   int(getEnvInt64("RISK_WARNING_THRESHOLD", DefaultWarningThreshold)),
		FlagThreshold:      int(getEnvInt64("RISK_FLAG_THRESHOLD", DefaultFlagThreshold)),
		TerminateThreshold: int(getEnvInt64("RISK_TERMINATE_THRESHOLD", DefaultTerminateThreshold)),
		CatalogPath:        os.Getenv("CATALOG_PATH"),
		StartWindow:        getEnvDuration("SESSION_START_WINDOW", DefaultStartWindow),
		WatchdogInterval:   getEnvDuration("WATCHDOG_INTERVAL", DefaultWatchdogInterval),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.WarningThreshold <= 0 {
		return fmt.Errorf("RISK_WARNING_THRESHOLD must be positive")
	}
	if c.FlagThreshold <= c.WarningThreshold {
		return fmt.Errorf("RISK_FLAG_THRESHOLD must exceed RISK_WARNING_THRESHOLD")
	}
	if c.TerminateThreshold <= c.FlagThreshold {
		return fmt.Errorf("RISK_TERMINATE_THRESHOLD must exceed RISK_FLAG_THRESHOLD")
	}
	if c.StartWindow <= 0 {
		return fmt.Errorf("SESSION_START_WINDOW must be positive")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("WATCHDOG_INTERVAL must be positive")
	}
	if c.CatalogPath != "" {
		if _, err := os.Stat(c.CatalogPath); err != nil {
			return fmt.Errorf("CATALOG_PATH %q is not readable: %w", c.CatalogPath, err)
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
