package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after.
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PAYMENT_ADDRESS", "bc1qexampleaddresszzzzzzzzzzzzzzzzzzzzzzz")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultDatabasePath, cfg.DatabasePath)
	assert.Equal(t, DefaultMaxSupply, cfg.MaxSupply)
	assert.Equal(t, DefaultPricePerItem, cfg.PricePerItem)
}

func TestLoad_MissingPaymentAddress(t *testing.T) {
	setEnv(t, "PAYMENT_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_ADDRESS is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				PaymentAddress: "bc1qvalid",
				MaxSupply:      5000,
				Port:           "8080",
				RateLimitRPM:   100,
			},
			wantErr: "",
		},
		{
			name: "missing payment address",
			config: Config{
				MaxSupply:    5000,
				Port:         "8080",
				RateLimitRPM: 100,
			},
			wantErr: "PAYMENT_ADDRESS is required",
		},
		{
			name: "zero max supply",
			config: Config{
				PaymentAddress: "bc1qvalid",
				MaxSupply:      0,
				Port:           "8080",
				RateLimitRPM:   100,
			},
			wantErr: "MAX_SUPPLY must be at least 1",
		},
		{
			name: "bad port",
			config: Config{
				PaymentAddress: "bc1qvalid",
				MaxSupply:      5000,
				Port:           "not-a-number",
				RateLimitRPM:   100,
			},
			wantErr: "PORT must be a number",
		},
		{
			name: "write timeout below request timeout",
			config: Config{
				PaymentAddress:   "bc1qvalid",
				MaxSupply:        5000,
				Port:             "8080",
				RateLimitRPM:     100,
				HTTPWriteTimeout: 5 * time.Second,
				RequestTimeout:   10 * time.Second,
			},
			wantErr: "must be >=",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}

func TestParseEndpoints(t *testing.T) {
	eps := parseEndpoints("primary@https://rpc1.example/, backup@https://rpc2.example/", 50000)
	require.Len(t, eps, 2)
	assert.Equal(t, "primary", eps[0].Name)
	assert.Equal(t, "https://rpc1.example/", eps[0].URL)
	assert.Equal(t, int64(50000), eps[0].DailyLimit)
	assert.Equal(t, "backup", eps[1].Name)

	assert.Nil(t, parseEndpoints("", 50000))
}
