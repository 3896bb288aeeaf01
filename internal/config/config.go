// Package config provides server and agent configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/classwatch/internal/store"
)

// Config holds the teacher server configuration.
type Config struct {
	Host        string
	Port        string
	FrontendURL string

	StoreDriver string
	DBPath      string

	FeedHistory  int
	FeedBuffer   int
	FeedReplay   int
	SSEKeepalive time.Duration
	SSERetry     time.Duration

	RateLimitPerMinute int

	StorageDir     string
	UploadMaxBytes int64
	ScreenMaxBytes int

	RetentionDays     int
	RetentionSchedule string

	MQTTBroker string
	MQTTTopic  string

	GRPCAddr    string
	CORSOrigins []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getEnv("PORT", "8000"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		StoreDriver:        getEnv("STORE_DRIVER", store.DriverMemory),
		DBPath:             getEnv("DB_PATH", "./data/classwatch.db"),
		FeedHistory:        getEnvInt("FEED_HISTORY", 500),
		FeedBuffer:         getEnvInt("FEED_BUFFER", 64),
		FeedReplay:         getEnvInt("FEED_REPLAY", 50),
		SSEKeepalive:       getEnvDuration("SSE_KEEPALIVE", 15*time.Second),
		SSERetry:           getEnvDuration("SSE_RETRY", 5*time.Second),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		StorageDir:         getEnv("STORAGE_DIR", "./storage"),
		UploadMaxBytes:     int64(getEnvInt("UPLOAD_MAX_BYTES", 5<<20)),
		ScreenMaxBytes:     getEnvInt("SCREEN_MAX_BYTES", 2<<20),
		RetentionDays:      getEnvInt("RETENTION_DAYS", 0),
		RetentionSchedule:  getEnv("RETENTION_SCHEDULE", "@every 6h"),
		MQTTBroker:         getEnv("MQTT_BROKER", ""),
		MQTTTopic:          getEnv("MQTT_TOPIC", "classwatch/violations"),
		GRPCAddr:           getEnv("GRPC_ADDR", ""),
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "*")),
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
	switch c.StoreDriver {
	case store.DriverMemory:
	case store.DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty with STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", store.DriverMemory, store.DriverSQLite, c.StoreDriver)
	}
	if c.FeedHistory < 0 {
		return fmt.Errorf("FEED_HISTORY must be >= 0")
	}
	if c.FeedBuffer <= 0 {
		return fmt.Errorf("FEED_BUFFER must be > 0")
	}
	if c.FeedReplay < 0 {
		return fmt.Errorf("FEED_REPLAY must be >= 0")
	}
	if c.SSEKeepalive <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE must be > 0")
	}
	if c.StorageDir != "" && c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be > 0")
	}
	if c.ScreenMaxBytes <= 0 {
		return fmt.Errorf("SCREEN_MAX_BYTES must be > 0")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must be >= 0")
	}
	if c.RetentionDays > 0 && c.RetentionSchedule == "" {
		return fmt.Errorf("RETENTION_SCHEDULE cannot be empty when RETENTION_DAYS is set")
	}
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		return fmt.Errorf("MQTT_TOPIC cannot be empty when MQTT_BROKER is set")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

// getEnvDuration accepts Go durations ("15s") or bare seconds ("15").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
