package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-development-32-chars-long-at-least"

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		t.Setenv("SPEEDMON_JWT_SECRET", testSecret)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0:3000", cfg.Server.Addr())
		assert.Equal(t, "2.0.0", cfg.Server.Version)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
		assert.Equal(t, "", cfg.Database.Type)
		assert.Equal(t, 5*time.Second, cfg.Database.QueryTimeout)
		assert.Equal(t, "localhost:6379", cfg.Redis.Address)
		assert.Equal(t, 250*time.Millisecond, cfg.Redis.OpTimeout)
		assert.Equal(t, 5*time.Second, cfg.Redis.RetryCooldown)
		assert.Equal(t, "speed-monitor", cfg.JWT.Issuer)
		assert.Equal(t, 24*time.Hour, cfg.JWT.Expiry)
		assert.Equal(t, "admin", cfg.Admin.Username)
		assert.Equal(t, "admin@nubem.dev", cfg.Admin.Email)
		assert.Equal(t, 30*time.Minute, cfg.SpeedTest.Interval)
		assert.Equal(t, 3, cfg.SpeedTest.Retries)
		assert.Equal(t, 5, cfg.SpeedTest.FailureThreshold)
		assert.Equal(t, 30*time.Second, cfg.SpeedTest.TriggerInterval)

		assert.Equal(t, RateLimitRule{Window: time.Minute, Max: 60, SkipSuccessful: true}, cfg.RateLimit.Health)
		assert.Equal(t, RateLimitRule{Window: 5 * time.Minute, Max: 30}, cfg.RateLimit.Metrics)
		assert.Equal(t, RateLimitRule{Window: 15 * time.Minute, Max: 100}, cfg.RateLimit.API)
		assert.Equal(t, RateLimitRule{Window: 15 * time.Minute, Max: 10}, cfg.RateLimit.Admin)
		assert.Equal(t, RateLimitRule{Window: 15 * time.Minute, Max: 1000}, cfg.RateLimit.Global)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("SPEEDMON_JWT_SECRET", testSecret)
		t.Setenv("SPEEDMON_SERVER_PORT", "9090")
		t.Setenv("SPEEDMON_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
		t.Setenv("SPEEDMON_DATABASE_TYPE", "Postgres")
		t.Setenv("SPEEDMON_DATABASE_DSN", "postgres://u:p@localhost/speed")
		t.Setenv("SPEEDMON_SPEEDTEST_INTERVAL", "5m")
		t.Setenv("SPEEDMON_RATELIMIT_API_MAX", "5")
		t.Setenv("SPEEDMON_RATELIMIT_API_SKIP_FAILED", "true")
		t.Setenv("SPEEDMON_ALERT_TO", "ops@example.com,noc@example.com")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "postgres", cfg.Database.Type)
		assert.Equal(t, 5*time.Minute, cfg.SpeedTest.Interval)
		assert.Equal(t, int64(5), cfg.RateLimit.API.Max)
		assert.True(t, cfg.RateLimit.API.SkipFailed)
		assert.Equal(t, []string{"ops@example.com", "noc@example.com"}, cfg.Alert.To)
	})

	t.Run("拒绝默认JWT密钥", func(t *testing.T) {
		t.Setenv("SPEEDMON_JWT_SECRET", "change-me-in-production")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "SECURITY ERROR")
	})

	t.Run("拒绝过短的JWT密钥", func(t *testing.T) {
		t.Setenv("SPEEDMON_JWT_SECRET", "too-short")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "32 characters")
	})

	t.Run("拒绝过短的测速间隔", func(t *testing.T) {
		t.Setenv("SPEEDMON_JWT_SECRET", testSecret)
		t.Setenv("SPEEDMON_SPEEDTEST_INTERVAL", "30s")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("拒绝未知数据库类型", func(t *testing.T) {
		t.Setenv("SPEEDMON_JWT_SECRET", testSecret)
		t.Setenv("SPEEDMON_DATABASE_TYPE", "oracle")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("拒绝非正的限流上限", func(t *testing.T) {
		t.Setenv("SPEEDMON_JWT_SECRET", testSecret)
		t.Setenv("SPEEDMON_RATELIMIT_ADMIN_MAX", "0")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	assert.Empty(t, parseList(""))
}
