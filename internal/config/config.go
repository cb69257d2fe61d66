// Package config loads day-engine settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Addr        string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	NATSPrefix  string

	CacheTTL          time.Duration
	SettlementTimeout time.Duration
	CommitRetries     int
	CommitRetryBase   time.Duration
	CommitConcurrency int
	LockExpiry        time.Duration
	BreakerFailures   int

	AutoMigrate bool
	LogLevel    slog.Level
}

// CLIConfig configures cmd/classctl.
type CLIConfig struct {
	APIBaseURL string
}

// Load reads the server configuration. Invalid numeric values fall back to
// their defaults; values that parse but make no sense are errors.
func Load() (ServerConfig, error) {
	addr := envDefault("PORT", "8080")
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}

	cfg := ServerConfig{
		Addr:              addr,
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		NATSURL:           strings.TrimSpace(os.Getenv("NATS_URL")),
		NATSPrefix:        envDefault("NATS_SUBJECT_PREFIX", "econ"),
		CacheTTL:          envDurationDefault("CACHE_TTL", 30*time.Second),
		SettlementTimeout: envDurationDefault("SETTLEMENT_TIMEOUT", 2*time.Minute),
		CommitRetries:     envIntDefault("COMMIT_RETRIES", 3),
		CommitRetryBase:   envDurationDefault("COMMIT_RETRY_BASE", 100*time.Millisecond),
		CommitConcurrency: envIntDefault("COMMIT_CONCURRENCY", 8),
		LockExpiry:        envDurationDefault("LOCK_EXPIRY", 5*time.Minute),
		BreakerFailures:   envIntDefault("STORE_BREAKER_FAILURES", 5),
		AutoMigrate:       envBoolDefault("AUTO_MIGRATE", true),
	}

	level, err := parseLevel(envDefault("LOG_LEVEL", "info"))
	if err != nil {
		return cfg, err
	}
	cfg.LogLevel = level

	switch {
	case cfg.CommitRetries < 0:
		return cfg, fmt.Errorf("COMMIT_RETRIES must be >= 0, got %d", cfg.CommitRetries)
	case cfg.CommitConcurrency < 1:
		return cfg, fmt.Errorf("COMMIT_CONCURRENCY must be >= 1, got %d", cfg.CommitConcurrency)
	case cfg.BreakerFailures < 1:
		return cfg, fmt.Errorf("STORE_BREAKER_FAILURES must be >= 1, got %d", cfg.BreakerFailures)
	case cfg.SettlementTimeout <= 0:
		return cfg, fmt.Errorf("SETTLEMENT_TIMEOUT must be positive, got %s", cfg.SettlementTimeout)
	case cfg.LockExpiry < cfg.SettlementTimeout:
		return cfg, fmt.Errorf("LOCK_EXPIRY (%s) must not be shorter than SETTLEMENT_TIMEOUT (%s)",
			cfg.LockExpiry, cfg.SettlementTimeout)
	}
	return cfg, nil
}

// LoadCLI reads the classctl configuration.
func LoadCLI() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("CLASSCTL_API", "http://localhost:8080"), "/"),
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
