// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RPCEndpoint describes one upstream JSON-RPC provider before pool
// bookkeeping (used_today, fail_count, ...) is attached to it.
type RPCEndpoint struct {
	Name       string
	URL        string
	DailyLimit int64
}

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabasePath string // path to the SQLite file; ":memory:" for ephemeral

	// Drop settings
	PaymentAddress string  // fixed recipient address watched on-chain
	MaxSupply      int     // dense item id range [1, MaxSupply]
	PricePerItem   string  // decimal string, 8 fractional digits, e.g. "0.00500000"
	RPCEndpoints   []RPCEndpoint

	// Session lifecycle
	SessionTimeout        time.Duration // pending -> expired
	PaymentPendingTimeout time.Duration // payment_pending -> expired
	SweepInterval         time.Duration
	BlockScanInterval     time.Duration

	// Security
	RateLimitRPM int

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration
}

// Defaults.
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultDatabasePath = "dropmint.db"
	DefaultMaxSupply    = 5000
	DefaultPricePerItem = "0.00500000"
	DefaultRateLimit    = 100

	DefaultRPCDailyLimit = int64(50000)

	DefaultSessionTimeout        = 10 * time.Minute
	DefaultPaymentPendingTimeout = 24 * time.Hour
	DefaultSweepInterval         = 60 * time.Second
	DefaultBlockScanInterval     = 120 * time.Second

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables. It loads a .env file
// if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabasePath: getEnv("DATABASE_PATH", DefaultDatabasePath),

		PaymentAddress: getEnv("PAYMENT_ADDRESS", ""),
		MaxSupply:      int(getEnvInt64("MAX_SUPPLY", DefaultMaxSupply)),
		PricePerItem:   getEnv("PRICE_PER_ITEM", DefaultPricePerItem),
		RPCEndpoints:   parseEndpoints(getEnv("RPC_ENDPOINTS", ""), getEnvInt64("RPC_DAILY_LIMIT", DefaultRPCDailyLimit)),

		SessionTimeout:        getEnvDuration("SESSION_TIMEOUT", DefaultSessionTimeout),
		PaymentPendingTimeout: getEnvDuration("PAYMENT_PENDING_TIMEOUT", DefaultPaymentPendingTimeout),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		BlockScanInterval:     getEnvDuration("BLOCK_SCAN_INTERVAL", DefaultBlockScanInterval),

		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseEndpoints parses a comma-separated "name@url" list, e.g.
// "primary@https://rpc1.example/,backup@https://rpc2.example/". An empty
// string yields no endpoints, which the RPC pool treats as zero capacity.
func parseEndpoints(raw string, dailyLimit int64) []RPCEndpoint {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	endpoints := make([]RPCEndpoint, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, url, ok := strings.Cut(p, "@")
		if !ok {
			name, url = p, p
		}
		endpoints = append(endpoints, RPCEndpoint{
			Name:       strings.TrimSpace(name),
			URL:        strings.TrimSpace(url),
			DailyLimit: dailyLimit,
		})
	}
	return endpoints
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PaymentAddress == "" {
		return fmt.Errorf("PAYMENT_ADDRESS is required")
	}

	if c.MaxSupply < 1 {
		return fmt.Errorf("MAX_SUPPLY must be at least 1, got %d", c.MaxSupply)
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if len(c.RPCEndpoints) == 0 {
		slog.Warn("no RPC_ENDPOINTS configured — the ledger observer will have zero capacity")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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
