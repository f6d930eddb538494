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

	// Payment gateway
	GatewayBaseURL    string
	GatewaySecretKey  string
	GatewayWebhookKey string
	GatewayTimeout    int // seconds, per outbound request
	CheckoutTTL       int // minutes before an unpaid checkout expires

	// Fees
	Currency          string
	PlatformFeeRate   string // fraction, e.g. "0.10"
	MinTransactionFee string

	// Security
	AdminSecret string // Admin API secret
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "USD"
	DefaultPlatformFeeRate = "0.10"
	DefaultMinFee          = "20"
	DefaultGatewayTimeout  = 10
	DefaultCheckoutTTL     = 30
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayBaseURL:    os.Getenv("GATEWAY_BASE_URL"),
		GatewaySecretKey:  os.Getenv("GATEWAY_SECRET_KEY"),
		GatewayWebhookKey: os.Getenv("GATEWAY_WEBHOOK_KEY"),
		GatewayTimeout:    getEnvInt("GATEWAY_TIMEOUT_SECONDS", DefaultGatewayTimeout),
		CheckoutTTL:       getEnvInt("CHECKOUT_TTL_MINUTES", DefaultCheckoutTTL),
		Currency:          getEnv("CURRENCY", DefaultCurrency),
		PlatformFeeRate:   getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate),
		MinTransactionFee: getEnv("MIN_TRANSACTION_FEE", DefaultMinFee),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.GatewayBaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL is required")
	}
	if c.GatewayWebhookKey == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_KEY is required")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT_SECONDS must be positive")
	}
	if c.CheckoutTTL <= 0 {
		return fmt.Errorf("CHECKOUT_TTL_MINUTES must be positive")
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
