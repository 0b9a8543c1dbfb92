// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"log/slog"
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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Messaging platform
	BotToken    string `json:"-"`
	BotAPIURL   string // override for tests; defaults to the public Bot API
	AdminChatID int64  // primary operator for out-of-band alerts

	// Payment provider
	PaymentAPIKey string `json:"-"`
	PaymentAPIURL string
	IPNSecret     string `json:"-"` // HMAC-SHA512 secret for provider callbacks
	VerifyIPN     bool   // signature verification toggle
	PublicBaseURL string // externally reachable base URL for callbacks
	MinDepositEUR string // refill floor, e.g. "5.00"

	// Shop behaviour
	MediaDir          string
	BasketTimeout     time.Duration // hold TTL
	BasketSweepEvery  time.Duration
	PendingSweepEvery time.Duration
	PendingMaxAge     time.Duration
	AbandonedEvery    time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint, empty = disabled
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultPaymentAPIURL = "https://api.nowpayments.io"
	DefaultBotAPIURL     = "https://api.telegram.org"
	DefaultMediaDir      = "media"
	DefaultMinDeposit    = "5.00"

	DefaultBasketTimeout     = 15 * time.Minute
	DefaultBasketSweepEvery  = 60 * time.Second
	DefaultPendingSweepEvery = 10 * time.Minute
	DefaultPendingMaxAge     = 2 * time.Hour
	DefaultAbandonedEvery    = 3 * time.Minute

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		BotToken:    os.Getenv("BOT_TOKEN"), // Required, no default
		BotAPIURL:   getEnv("BOT_API_URL", DefaultBotAPIURL),
		AdminChatID: getEnvInt64("ADMIN_CHAT_ID", 0),

		PaymentAPIKey: os.Getenv("PAYMENT_API_KEY"),
		PaymentAPIURL: getEnv("PAYMENT_API_URL", DefaultPaymentAPIURL),
		IPNSecret:     os.Getenv("IPN_SECRET"),
		VerifyIPN:     getEnvBool("VERIFY_IPN", false),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		MinDepositEUR: getEnv("MIN_DEPOSIT_EUR", DefaultMinDeposit),

		MediaDir:          getEnv("MEDIA_DIR", DefaultMediaDir),
		BasketTimeout:     getEnvDuration("BASKET_TIMEOUT", DefaultBasketTimeout),
		BasketSweepEvery:  getEnvDuration("BASKET_SWEEP_INTERVAL", DefaultBasketSweepEvery),
		PendingSweepEvery: getEnvDuration("PENDING_SWEEP_INTERVAL", DefaultPendingSweepEvery),
		PendingMaxAge:     getEnvDuration("PENDING_MAX_AGE", DefaultPendingMaxAge),
		AbandonedEvery:    getEnvDuration("ABANDONED_SWEEP_INTERVAL", DefaultAbandonedEvery),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}

	// Port range
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.BasketTimeout <= 0 {
		return fmt.Errorf("BASKET_TIMEOUT must be positive, got %v", c.BasketTimeout)
	}

	if c.VerifyIPN && c.IPNSecret == "" {
		return fmt.Errorf("VERIFY_IPN is enabled but IPN_SECRET is not set")
	}

	// Write timeout must exceed request timeout to avoid truncated responses
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	// Warnings (non-fatal)
	if c.IsProduction() && !c.VerifyIPN {
		slog.Warn("IPN signature verification is DISABLED — callbacks are trusted on URL secrecy alone")
	}
	if c.IsProduction() && c.AdminChatID == 0 {
		slog.Warn("ADMIN_CHAT_ID not set — operator alerts will only reach the log")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
