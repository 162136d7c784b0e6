package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the budget pacer.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Pacing      PacingConfig
	Persistence PersistenceConfig
	Catalog     CatalogConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled   bool
	RPS       float64
	Burst     int
	MgmtRPS   float64
	MgmtBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
	Port    string
}

// PacingConfig holds the engine's core tunables, read from the bare
// env names listed in the spec's external-interfaces section, plus
// ADAPTIVE_ALPHA for the ADAPTIVE mode's EWMA smoothing factor.
type PacingConfig struct {
	ShardCount         int
	OpenFraction       float64
	CooldownSeconds    int
	HalfOpenProbe      float64
	OvershootCap       float64
	AdaptiveAlpha      float64
	Timezone           string
	DecisionDeadlineMs int
	RetentionDays      int
}

// PersistenceConfig tunes the Persistence Bridge's flush cadence and
// retry policy.
type PersistenceConfig struct {
	FlushWindowMs     int
	BackoffBaseMs     int
	BackoffCapMs      int
	DegradedAfterN    int
	QueueCapacity     int
}

// CatalogConfig points at the external campaign-catalog collaborator.
type CatalogConfig struct {
	BaseURL       string
	NegativeTTL   time.Duration
	FetchDeadline time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults, optionally preloading a local .env file for development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("PACER_HTTP_ADDR", ":8080"),
			Env:             getEnv("PACER_ENV", "development"),
			ShutdownTimeout: getDurationEnv("PACER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("PACER_DB_HOST", "localhost"),
			Port:     getIntEnv("PACER_DB_PORT", 5432),
			User:     getEnv("PACER_DB_USER", "pacer"),
			Password: getEnv("PACER_DB_PASSWORD", "pacer_secret"),
			DBName:   getEnv("PACER_DB_NAME", "pacer"),
			SSLMode:  getEnv("PACER_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("PACER_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("PACER_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("PACER_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("PACER_REDIS_PASSWORD", ""),
			DB:       getIntEnv("PACER_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("PACER_AUTH_ENABLED", true),
			MasterKey: getEnv("PACER_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("PACER_AUTH_SKIP_PATHS", []string{
				"/health",
				"/metrics",
			}),
		},
		RateLimit: RateLimitConfig{
			Enabled:   getBoolEnv("PACER_RATE_LIMIT_ENABLED", true),
			RPS:       getFloatEnv("PACER_RATE_LIMIT_RPS", 5000),
			Burst:     getIntEnv("PACER_RATE_LIMIT_BURST", 500),
			MgmtRPS:   getFloatEnv("PACER_RATE_LIMIT_MGMT_RPS", 100),
			MgmtBurst: getIntEnv("PACER_RATE_LIMIT_MGMT_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("PACER_LOG_LEVEL", "info"),
			Format: getEnv("PACER_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("PACER_METRICS_ENABLED", true),
			Path:    getEnv("PACER_METRICS_PATH", "/metrics"),
			Port:    getEnv("PACER_METRICS_PORT", "9090"),
		},
		Pacing: PacingConfig{
			ShardCount:         getIntEnv("SHARD_COUNT", 256),
			OpenFraction:       getFloatEnv("OPEN_FRACTION", 0.95),
			CooldownSeconds:    getIntEnv("COOLDOWN_SECONDS", 300),
			HalfOpenProbe:      getFloatEnv("HALF_OPEN_PROBE", 0.10),
			OvershootCap:       getFloatEnv("OVERSHOOT_CAP", 1.5),
			AdaptiveAlpha:      getFloatEnv("ADAPTIVE_ALPHA", 0.3),
			Timezone:           getEnv("TIMEZONE", "UTC"),
			DecisionDeadlineMs: getIntEnv("DECISION_DEADLINE_MS", 50),
			RetentionDays:      getIntEnv("RETENTION_DAYS", 7),
		},
		Persistence: PersistenceConfig{
			FlushWindowMs:  getIntEnv("FLUSH_WINDOW_MS", 50),
			BackoffBaseMs:  getIntEnv("PACER_BACKOFF_BASE_MS", 50),
			BackoffCapMs:   getIntEnv("PACER_BACKOFF_CAP_MS", 5000),
			DegradedAfterN: getIntEnv("PACER_DEGRADED_AFTER_N", 5),
			QueueCapacity:  getIntEnv("PACER_PERSISTENCE_QUEUE_CAPACITY", 1024),
		},
		Catalog: CatalogConfig{
			BaseURL:       getEnv("PACER_CATALOG_BASE_URL", "http://localhost:8000"),
			NegativeTTL:   getDurationEnv("PACER_CATALOG_NEGATIVE_TTL", 30*time.Second),
			FetchDeadline: getDurationEnv("PACER_CATALOG_FETCH_DEADLINE", 100*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and that the
// pacer's invariants (positive shard count, a fraction in (0,1], a
// resolvable timezone) hold before the engine is constructed. Any
// failure here is a fatal startup error (exit code 1).
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("PACER_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Pacing.ShardCount <= 0 {
		return fmt.Errorf("SHARD_COUNT must be positive")
	}
	if c.Pacing.OpenFraction <= 0 || c.Pacing.OpenFraction > 1 {
		return fmt.Errorf("OPEN_FRACTION must be in (0, 1]")
	}
	if c.Pacing.HalfOpenProbe < 0 || c.Pacing.HalfOpenProbe > 1 {
		return fmt.Errorf("HALF_OPEN_PROBE must be in [0, 1]")
	}
	if c.Pacing.OvershootCap <= 1 {
		return fmt.Errorf("OVERSHOOT_CAP must be greater than 1")
	}
	if _, err := time.LoadLocation(c.Pacing.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Pacing.Timezone, err)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
