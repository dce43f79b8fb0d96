// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all relay configuration.
type Config struct {
	Port          string
	AllowedOrigin string
	AuditDBPath   string

	// Governance ceilings.
	MaxSessionsPerDaemon int
	SpawnRateLimit       int
	SpawnRateWindow      time.Duration
	InputRateLimit       int
	InputRateWindow      time.Duration
	MaxSessionRuntime    time.Duration
	MaxSessionOutput     int64
	SessionIdleTimeout   time.Duration

	// Background sweep intervals.
	IdleSweepInterval   time.Duration
	RateCleanupInterval time.Duration
	AuditFlushInterval  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
		AuditDBPath:   getEnv("AUDIT_DB_PATH", "./data/audit.db"),

		MaxSessionsPerDaemon: getEnvInt("MAX_SESSIONS_PER_DAEMON", 3),
		SpawnRateLimit:       getEnvInt("SPAWN_RATE_LIMIT", 5),
		SpawnRateWindow:      getEnvDuration("SPAWN_RATE_WINDOW", time.Minute),
		InputRateLimit:       getEnvInt("INPUT_RATE_LIMIT", 60),
		InputRateWindow:      getEnvDuration("INPUT_RATE_WINDOW", time.Minute),
		MaxSessionRuntime:    getEnvDuration("MAX_SESSION_RUNTIME", 4*time.Hour),
		MaxSessionOutput:     getEnvInt64("MAX_SESSION_OUTPUT_BYTES", 100<<20),
		SessionIdleTimeout:   getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),

		IdleSweepInterval:   getEnvDuration("IDLE_SWEEP_INTERVAL", time.Minute),
		RateCleanupInterval: getEnvDuration("RATE_CLEANUP_INTERVAL", 5*time.Minute),
		AuditFlushInterval:  getEnvDuration("AUDIT_FLUSH_INTERVAL", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AuditDBPath == "" {
		return fmt.Errorf("AUDIT_DB_PATH cannot be empty")
	}
	if c.MaxSessionsPerDaemon <= 0 {
		return fmt.Errorf("MAX_SESSIONS_PER_DAEMON must be > 0")
	}
	if c.SpawnRateLimit <= 0 || c.InputRateLimit <= 0 {
		return fmt.Errorf("rate limits must be > 0")
	}
	if c.SpawnRateWindow <= 0 || c.InputRateWindow <= 0 {
		return fmt.Errorf("rate windows must be > 0")
	}
	if c.MaxSessionRuntime <= 0 || c.MaxSessionOutput <= 0 || c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("session ceilings must be > 0")
	}
	if c.IdleSweepInterval <= 0 || c.RateCleanupInterval <= 0 || c.AuditFlushInterval <= 0 {
		return fmt.Errorf("sweep intervals must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
