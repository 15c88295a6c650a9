package app

import (
	"os"
	"strconv"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/monitor"
	"github.com/aussiebroadwan/bartab-session/internal/refresh"
	"github.com/aussiebroadwan/bartab-session/internal/request"
)

// Token store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Config struct {
	BaseURL string // Required: backend base URL

	Store         string // Token backend (memory, sqlite, redis) (default: sqlite)
	SQLiteFile    string // SQLite database file (default: ./session.db)
	RedisAddr     string // Redis address (default: localhost:6379)
	RedisPassword string // Optional
	RedisDB       int    // Redis database (default: 0)
	RedisPrefix   string // Key prefix (default: bartab:)
	RolesFile     string // Optional: YAML role table, default hierarchy when empty

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: text)

	RequestTimeout time.Duration // Per-attempt timeout (default: 30s)
	RetryBaseDelay time.Duration // First backoff delay (default: 1s)
	RetryMaxDelay  time.Duration // Backoff cap (default: 30s)
	RetryMax       int           // Retries after the first attempt (default: 3)
	RateLimitRPS   float64       // Outbound requests per second, 0 disables (default: 0)
	RateLimitBurst int           // Limiter burst (default: 1)

	RefreshBuffer time.Duration // Refresh this long before access expiry (default: 30s)
	SessionTick   time.Duration // Monitor evaluation interval (default: 30s)
	WarningWindow time.Duration // Warn this long before session end (default: 5m)
	IdleTimeout   time.Duration // End the session after inactivity, 0 disables (default: 0)

	MetricsAddr string // Optional: serve /metrics on this address
}

func LoadConfig() Config {
	policy := request.DefaultPolicy()

	return Config{
		BaseURL: os.Getenv("SESSION_BASE_URL"),

		Store:         getEnvOrDefault("SESSION_STORE", StoreSQLite),
		SQLiteFile:    getEnvOrDefault("SESSION_SQLITE_FILE", "session.db"),
		RedisAddr:     getEnvOrDefault("SESSION_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("SESSION_REDIS_PASSWORD"),
		RedisDB:       getEnvIntOrDefault("SESSION_REDIS_DB", 0),
		RedisPrefix:   getEnvOrDefault("SESSION_REDIS_PREFIX", "bartab:"),
		RolesFile:     os.Getenv("SESSION_ROLES_FILE"),

		Env:       getEnvOrDefault("ENV", "dev"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		RequestTimeout: getEnvDurationOrDefault("REQUEST_TIMEOUT", request.DefaultTimeout),
		RetryBaseDelay: getEnvDurationOrDefault("RETRY_BASE_DELAY", policy.BaseDelay),
		RetryMaxDelay:  getEnvDurationOrDefault("RETRY_MAX_DELAY", policy.MaxDelay),
		RetryMax:       getEnvIntOrDefault("RETRY_MAX", policy.MaxRetries),
		RateLimitRPS:   getEnvFloatOrDefault("RATELIMIT_RPS", 0),
		RateLimitBurst: getEnvIntOrDefault("RATELIMIT_BURST", 1),

		RefreshBuffer: getEnvDurationOrDefault("REFRESH_BUFFER", refresh.DefaultBuffer),
		SessionTick:   getEnvDurationOrDefault("SESSION_TICK", monitor.DefaultTick),
		WarningWindow: getEnvDurationOrDefault("SESSION_WARNING_WINDOW", monitor.DefaultWarningWindow),
		IdleTimeout:   getEnvDurationOrDefault("SESSION_IDLE_TIMEOUT", 0),

		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
