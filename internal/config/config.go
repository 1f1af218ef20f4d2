// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayBaseURL      string // empty selects the in-process sandbox gateway
	GatewayClientID     string
	GatewayClientSecret string
	GatewayTimeout      time.Duration

	// Settlement behaviour
	HoldingAccount    string // VPA that collections are paid into
	CollectionExpiry  time.Duration
	ReconcileInterval time.Duration
	PayoutClaimTTL    time.Duration

	// Security
	ReceiptHMACSecret        string
	ReceiptHMACRetiredSecret []string // still accepted by receipt verification
	WebhookSecret            string
	CORSAllowedOrigins       []string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultHoldingAccount    = "escrow@upi"
	DefaultCollectionExpiry  = 15   // minutes
	DefaultReconcileInterval = 30   // seconds
	DefaultPayoutClaimTTL    = 120  // seconds
	DefaultGatewayTimeoutMS  = 8000 // milliseconds
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
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		GatewayBaseURL:           strings.TrimRight(os.Getenv("GATEWAY_BASE_URL"), "/"),
		GatewayClientID:          os.Getenv("GATEWAY_CLIENT_ID"),
		GatewayClientSecret:      os.Getenv("GATEWAY_CLIENT_SECRET"),
		GatewayTimeout:           time.Duration(getEnvInt64("GATEWAY_TIMEOUT_MS", DefaultGatewayTimeoutMS)) * time.Millisecond,
		HoldingAccount:           getEnv("HOLDING_ACCOUNT", DefaultHoldingAccount),
		CollectionExpiry:         time.Duration(getEnvInt64("COLLECTION_EXPIRY_MINUTES", DefaultCollectionExpiry)) * time.Minute,
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval*time.Second),
		PayoutClaimTTL:           getEnvDuration("PAYOUT_CLAIM_TTL", DefaultPayoutClaimTTL*time.Second),
		ReceiptHMACSecret:        os.Getenv("RECEIPT_HMAC_SECRET"),
		ReceiptHMACRetiredSecret: splitList(os.Getenv("RECEIPT_HMAC_RETIRED_SECRETS")),
		WebhookSecret:            os.Getenv("WEBHOOK_SECRET"),
		CORSAllowedOrigins:       splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.GatewayBaseURL != "" {
		u, err := url.Parse(c.GatewayBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("GATEWAY_BASE_URL must be an absolute URL")
		}
		if c.GatewayClientID == "" || c.GatewayClientSecret == "" {
			return fmt.Errorf("GATEWAY_CLIENT_ID and GATEWAY_CLIENT_SECRET are required when GATEWAY_BASE_URL is set")
		}
	} else if c.IsProduction() {
		return fmt.Errorf("GATEWAY_BASE_URL is required in production")
	}

	if !strings.Contains(c.HoldingAccount, "@") {
		return fmt.Errorf("HOLDING_ACCOUNT must be a UPI address (name@handle)")
	}
	if c.CollectionExpiry <= 0 {
		return fmt.Errorf("COLLECTION_EXPIRY_MINUTES must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.PayoutClaimTTL <= 0 {
		return fmt.Errorf("PAYOUT_CLAIM_TTL must be positive")
	}
	if c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}

	return nil
}

// UseSandboxGateway reports whether the in-process gateway should be used.
func (c *Config) UseSandboxGateway() bool {
	return c.GatewayBaseURL == ""
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

// getEnvDuration accepts Go duration strings ("45s") or bare seconds ("45").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
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
