// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Admin surface
	AdminSecret string

	// Comma-separated CORS origins for /v1 ("*" allows any)
	CORSAllowedOrigins []string

	// Stripe
	StripeSecretKey            string
	StripeWebhookSecret        string // platform endpoint secret
	StripeConnectWebhookSecret string // connected-account endpoint secret
	StripeRefreshURL           string // onboarding link refresh URL
	StripeReturnURL            string // onboarding link return URL
	GatewayTimeout             time.Duration

	// Fees
	PlatformFeeRate decimal.Decimal

	// Object storage (S3 compatible). Empty endpoint uses in-memory storage.
	StorageEndpoint  string
	StorageBucket    string
	StorageAccessKey string
	StorageSecretKey string
	StorageUseSSL    bool
	StorageTimeout   time.Duration

	// Archival and purge
	ArchiveRetention time.Duration
	PurgeInterval    time.Duration
	PurgeBatchSize   int

	// Webhook event retention
	WebhookRetention time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultPlatformFeeRate  = "0.18"
	DefaultGatewayTimeout   = 15 * time.Second
	DefaultStorageTimeout   = 30 * time.Second
	DefaultArchiveRetention = 90 * 24 * time.Hour
	DefaultPurgeInterval    = 10 * time.Minute
	DefaultPurgeBatchSize   = 25
	DefaultWebhookRetention = 30 * 24 * time.Hour
	DefaultStorageBucket    = "case-files"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE is not a decimal: %w", err)
	}

	cfg := &Config{
		Port:                       getEnv("PORT", DefaultPort),
		Env:                        getEnv("ENV", DefaultEnv),
		LogLevel:                   getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                  getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		AdminSecret:                os.Getenv("ADMIN_SECRET"),
		CORSAllowedOrigins:         splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		StripeSecretKey:            os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:        os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeConnectWebhookSecret: os.Getenv("STRIPE_CONNECT_WEBHOOK_SECRET"),
		StripeRefreshURL:           getEnv("STRIPE_CONNECT_REFRESH_URL", "http://localhost:8080/connect/refresh"),
		StripeReturnURL:            getEnv("STRIPE_CONNECT_RETURN_URL", "http://localhost:8080/connect/return"),
		GatewayTimeout:             getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		PlatformFeeRate:            feeRate,
		StorageEndpoint:            os.Getenv("STORAGE_ENDPOINT"),
		StorageBucket:              getEnv("STORAGE_BUCKET", DefaultStorageBucket),
		StorageAccessKey:           os.Getenv("STORAGE_ACCESS_KEY"),
		StorageSecretKey:           os.Getenv("STORAGE_SECRET_KEY"),
		StorageUseSSL:              getEnvBool("STORAGE_USE_SSL", true),
		StorageTimeout:             getEnvDuration("STORAGE_TIMEOUT", DefaultStorageTimeout),
		ArchiveRetention:           getEnvDuration("ARCHIVE_RETENTION", DefaultArchiveRetention),
		PurgeInterval:              getEnvDuration("PURGE_INTERVAL", DefaultPurgeInterval),
		PurgeBatchSize:             int(getEnvInt64("PURGE_BATCH_SIZE", DefaultPurgeBatchSize)),
		WebhookRetention:           getEnvDuration("WEBHOOK_RETENTION", DefaultWebhookRetention),
		OTLPEndpoint:               os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1), got %s", c.PlatformFeeRate)
	}
	if c.PurgeBatchSize <= 0 {
		return fmt.Errorf("PURGE_BATCH_SIZE must be positive")
	}
	if c.GatewayTimeout <= 0 || c.StorageTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT and STORAGE_TIMEOUT must be positive")
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if c.StorageEndpoint != "" && (c.StorageAccessKey == "" || c.StorageSecretKey == "") {
		return fmt.Errorf("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required when STORAGE_ENDPOINT is set")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
