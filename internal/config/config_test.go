package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND_ALLOWED_HOSTS", "")
	t.Setenv("PORT", "8080")
	t.Setenv("BACKEND_BASE_URL", "https://backend.example.com/api_tools/")
	t.Setenv("READY_DELAY", "1s")
	t.Setenv("CALL_LOG_QUEUE_SIZE", "0")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("BACKEND_RATE_LIMIT", "")
	t.Setenv("OTEL_ENABLED", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://backend.example.com/api_tools", cfg.Backend.BaseURL)
	assert.Equal(t, time.Second, cfg.ReadyDelay)
	assert.Equal(t, 1000, cfg.CallLog.QueueSize)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.Backend.AllowedHosts)
	assert.Zero(t, cfg.Backend.RateLimit)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BACKEND_BASE_URL", "http://localhost:5000")
	t.Setenv("BACKEND_INSECURE", "yes")
	t.Setenv("BACKEND_TIMEOUT", "15")
	t.Setenv("BACKEND_ALLOWED_HOSTS", " a.example.com , ,b.example.com")
	t.Setenv("READY_DELAY", "250ms")
	t.Setenv("CALL_LOG_DB_ENABLED", "true")
	t.Setenv("CALL_LOG_DB_RETENTION", "48h")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BACKEND_RATE_LIMIT", "2.5")
	t.Setenv("BACKEND_RATE_BURST", "3")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Backend.Insecure)
	assert.Equal(t, 15*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Backend.AllowedHosts)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadyDelay)
	assert.True(t, cfg.CallLog.DBEnabled)
	assert.Equal(t, 48*time.Hour, cfg.CallLog.DBRetention)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.InDelta(t, 2.5, cfg.Backend.RateLimit, 0.001)
	assert.Equal(t, 3, cfg.Backend.RateBurst)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4318", cfg.Tracing.Endpoint)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:    "8080",
			Backend: BackendConfig{BaseURL: "https://backend.example.com", Timeout: time.Second},
			CallLog: CallLogConfig{QueueSize: 10},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty base url", func(c *Config) { c.Backend.BaseURL = "" }},
		{"plain http", func(c *Config) { c.Backend.BaseURL = "http://backend.example.com" }},
		{"no host", func(c *Config) { c.Backend.BaseURL = "https://" }},
		{"zero timeout", func(c *Config) { c.Backend.Timeout = 0 }},
		{"negative ready delay", func(c *Config) { c.ReadyDelay = -time.Second }},
		{"file sink without path", func(c *Config) { c.CallLog.FileEnabled = true }},
		{"db sink without path", func(c *Config) { c.CallLog.DBEnabled = true }},
		{"db sink with zero retention", func(c *Config) {
			c.CallLog.DBEnabled = true
			c.CallLog.DBPath = "./data/api_calls.db"
		}},
		{"db sink with negative retention", func(c *Config) {
			c.CallLog.DBEnabled = true
			c.CallLog.DBPath = "./data/api_calls.db"
			c.CallLog.DBRetention = -time.Hour
		}},
		{"zero queue", func(c *Config) { c.CallLog.QueueSize = 0 }},
		{"negative rate limit", func(c *Config) { c.Backend.RateLimit = -1 }},
		{"rate limit without burst", func(c *Config) { c.Backend.RateLimit = 2 }},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsZeroRetention(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "https://backend.example.com")
	t.Setenv("CALL_LOG_DB_ENABLED", "true")
	t.Setenv("CALL_LOG_DB_RETENTION", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALL_LOG_DB_RETENTION")
}

func TestAllowedOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, (&Config{}).AllowedOrigins())
	cfg := &Config{FrontendURL: "https://hr.example.com"}
	assert.Equal(t, []string{"https://hr.example.com"}, cfg.AllowedOrigins())
	assert.False(t, cfg.IsDevelopment())
}
