package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"SESSION_BASE_URL", "SESSION_STORE", "REQUEST_TIMEOUT", "RETRY_MAX", "RATELIMIT_RPS", "SESSION_IDLE_TIMEOUT"} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	require.Empty(t, cfg.BaseURL)
	require.Equal(t, StoreSQLite, cfg.Store)
	require.Equal(t, "session.db", cfg.SQLiteFile)
	require.Equal(t, 30*time.Second, cfg.RequestTimeout)
	require.Equal(t, 3, cfg.RetryMax)
	require.Equal(t, 30*time.Second, cfg.RefreshBuffer)
	require.Equal(t, 5*time.Minute, cfg.WarningWindow)
	require.Zero(t, cfg.IdleTimeout)
	require.Zero(t, cfg.RateLimitRPS)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SESSION_BASE_URL", "https://api.bartab.test")
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("SESSION_REDIS_DB", "2")
	t.Setenv("REQUEST_TIMEOUT", "5s")
	t.Setenv("SESSION_IDLE_TIMEOUT", "900")
	t.Setenv("RETRY_MAX", "not-a-number")
	t.Setenv("RATELIMIT_RPS", "2.5")

	cfg := LoadConfig()
	require.Equal(t, "https://api.bartab.test", cfg.BaseURL)
	require.Equal(t, StoreRedis, cfg.Store)
	require.Equal(t, 2, cfg.RedisDB)
	require.Equal(t, 5*time.Second, cfg.RequestTimeout)
	require.Equal(t, 15*time.Minute, cfg.IdleTimeout)
	require.Equal(t, 3, cfg.RetryMax, "unparseable values keep the default")
	require.InDelta(t, 2.5, cfg.RateLimitRPS, 0.0001)
}
