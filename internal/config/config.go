// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    slog.Level
	ReadyDelay  time.Duration
	Backend     BackendConfig
	CallLog     CallLogConfig
	Tracing     TracingConfig
}

// BackendConfig describes the remote document/agent service.
type BackendConfig struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	AllowedHosts []string
	Insecure     bool // Allows plain HTTP and any host, for local backends.
	RawDataTTL   time.Duration
	RateLimit    float64 // Calls per second, 0 = unlimited.
	RateBurst    int
}

// CallLogConfig controls where remote call records are mirrored.
type CallLogConfig struct {
	FileEnabled bool
	FilePath    string
	DBEnabled   bool
	DBPath      string
	DBRetention time.Duration
	QueueSize   int
}

// TracingConfig controls OTLP trace export. Disabled by default.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CALL_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		ReadyDelay:  getEnvDuration("READY_DELAY", time.Second),
		Backend: BackendConfig{
			BaseURL:      strings.TrimRight(getEnv("BACKEND_BASE_URL", "https://staging.impromptu-labs.com/api_tools"), "/"),
			Token:        getEnv("BACKEND_TOKEN", ""),
			Timeout:      getEnvDuration("BACKEND_TIMEOUT", 60*time.Second),
			AllowedHosts: getEnvList("BACKEND_ALLOWED_HOSTS"),
			Insecure:     getEnvBool("BACKEND_INSECURE", false),
			RawDataTTL:   getEnvDuration("RAW_DATA_CACHE_TTL", 30*time.Second),
			RateLimit:    getEnvFloat("BACKEND_RATE_LIMIT", 0),
			RateBurst:    getEnvInt("BACKEND_RATE_BURST", 1),
		},
		CallLog: CallLogConfig{
			FileEnabled: getEnvBool("CALL_LOG_FILE_ENABLED", true),
			FilePath:    getEnv("CALL_LOG_FILE_PATH", "./data/logs/api_calls.ndjson"),
			DBEnabled:   getEnvBool("CALL_LOG_DB_ENABLED", false),
			DBPath:      getEnv("CALL_LOG_DB_PATH", "./data/api_calls.db"),
			DBRetention: getEnvDuration("CALL_LOG_DB_RETENTION", 7*24*time.Hour),
			QueueSize:   queueSize,
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "policy-assistant"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL cannot be empty")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL is not a valid URL: %q", c.Backend.BaseURL)
	}
	if u.Scheme != "https" && !c.Backend.Insecure {
		return fmt.Errorf("BACKEND_BASE_URL must use https unless BACKEND_INSECURE is set")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be > 0")
	}
	if c.Backend.RateLimit < 0 {
		return fmt.Errorf("BACKEND_RATE_LIMIT cannot be negative")
	}
	if c.Backend.RateLimit > 0 && c.Backend.RateBurst <= 0 {
		return fmt.Errorf("BACKEND_RATE_BURST must be > 0")
	}
	if c.ReadyDelay < 0 {
		return fmt.Errorf("READY_DELAY cannot be negative")
	}
	if c.CallLog.FileEnabled && c.CallLog.FilePath == "" {
		return fmt.Errorf("CALL_LOG_FILE_PATH cannot be empty")
	}
	if c.CallLog.DBEnabled && c.CallLog.DBPath == "" {
		return fmt.Errorf("CALL_LOG_DB_PATH cannot be empty")
	}
	if c.CallLog.DBEnabled && c.CallLog.DBRetention <= 0 {
		return fmt.Errorf("CALL_LOG_DB_RETENTION must be > 0")
	}
	if c.CallLog.QueueSize <= 0 {
		return fmt.Errorf("CALL_LOG_QUEUE_SIZE must be > 0")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins permitted for CORS and websocket upgrades.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("1500ms") or whole seconds ("2").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
