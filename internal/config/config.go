// Package config loads and validates engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	// Storage settings.
	StorePath   string // SQLite database path; ":memory:" for ephemeral runs.
	DatabaseURL string // Optional Postgres URL for a shared golden-trace archive.

	// Ingestion settings.
	BufferCapacity     int
	BatchSize          int
	EmptyWait          time.Duration // Max consumer wait on an empty buffer.
	CompressionEnabled bool
	TimingKeys         []string // Attribute keys excluded from structural identity.

	// Retention settings.
	RetentionWindow time.Duration // Age threshold for vacuum; 0 disables.

	// Analysis thresholds, optionally overridden by a YAML file.
	ThresholdsPath string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		StorePath:          envStr("TRACELENS_STORE_PATH", "tracelens.db"),
		DatabaseURL:        envStr("DATABASE_URL", ""),
		BufferCapacity:     envInt("TRACELENS_BUFFER_CAPACITY", 8192),
		BatchSize:          envInt("TRACELENS_BATCH_SIZE", 256),
		EmptyWait:          envDuration("TRACELENS_EMPTY_WAIT", 10*time.Millisecond),
		CompressionEnabled: envBool("TRACELENS_COMPRESSION", true),
		TimingKeys:         envList("TRACELENS_TIMING_KEYS", nil),
		RetentionWindow:    envDuration("TRACELENS_RETENTION_WINDOW", 0),
		ThresholdsPath:     envStr("TRACELENS_THRESHOLDS_FILE", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:       envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "tracelens"),
		LogLevel:           envStr("TRACELENS_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.StorePath == "" && c.DatabaseURL == "" {
		return fmt.Errorf("config: TRACELENS_STORE_PATH or DATABASE_URL is required")
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("config: TRACELENS_BUFFER_CAPACITY must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: TRACELENS_BATCH_SIZE must be positive")
	}
	if c.EmptyWait <= 0 {
		return fmt.Errorf("config: TRACELENS_EMPTY_WAIT must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
