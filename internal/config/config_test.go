package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every bound variable so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envBindings {
		t.Setenv(env, "")
		require.NoError(t, os.Unsetenv(env))
	}
}

func validEnv(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/robopost")
	t.Setenv("N8N_WEBHOOK_URL", "http://localhost:5678/webhook/run")
	t.Setenv("N8N_WEBHOOK_SECRET", "shared")
	t.Setenv("JWT_SECRET", "jwt")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.Server.AppURL)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Notifier.Interval)
	assert.Equal(t, time.Second, cfg.Notifier.Grace)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 24, cfg.Auth.JWTExpirationHours)
	assert.Equal(t, 12, cfg.Auth.BcryptCost)
	assert.False(t, cfg.Webhook.SkipSignature)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 1000, cfg.RateLimit.DefaultLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.DefaultWindow)
	assert.Empty(t, cfg.RateLimit.Whitelist)
}

func TestLoad_RateLimit(t *testing.T) {
	validEnv(t)
	t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "30")
	t.Setenv("RATE_LIMIT_DEFAULT_WINDOW", "10s")
	t.Setenv("RATE_LIMIT_WHITELIST", "127.0.0.1, 10.0.0.2,,")
	t.Setenv("RATE_LIMIT_BLACKLIST", "192.168.1.1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.RateLimit.DefaultLimit)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.DefaultWindow)
	assert.Equal(t, []string{"127.0.0.1", "10.0.0.2"}, cfg.RateLimit.Whitelist)
	assert.Equal(t, []string{"192.168.1.1"}, cfg.RateLimit.Blacklist)
	assert.NoError(t, cfg.Validate())

	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "0")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.NoError(t, cfg.Validate(), "limits are not checked when disabled")
}

func TestLoad_FromEnvironment(t *testing.T) {
	validEnv(t)
	t.Setenv("APP_URL", "https://robopost.example.com/")
	t.Setenv("PORT", "9090")
	t.Setenv("STREAM_POLL_INTERVAL", "500ms")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://robopost.example.com", cfg.Server.AppURL, "trailing slash trimmed")
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "http://localhost:5678/webhook/run", cfg.Webhook.URL)
	assert.Equal(t, "shared", cfg.Webhook.Secret)
	assert.Equal(t, 500*time.Millisecond, cfg.Notifier.Interval)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_SkipSignature(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_SKIP_SIGNATURE", "true")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Webhook.SkipSignature)

	clearEnv(t)
	t.Setenv("APP_ENV", "development")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Webhook.SkipSignature)
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)
	content := `
server:
  port: 7000
webhook:
  url: http://engine:5678/webhook
  secret: from-file
log:
  level: debug
`
	path := filepath.Join(t.TempDir(), "robopost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("N8N_WEBHOOK_SECRET", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "http://engine:5678/webhook", cfg.Webhook.URL)
	assert.Equal(t, "from-env", cfg.Webhook.Secret, "environment wins over file")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigFileNotFound(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("/nonexistent/path/robopost.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate_ReportsAllMissing(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"DATABASE_URL", "N8N_WEBHOOK_URL", "N8N_WEBHOOK_SECRET", "JWT_SECRET"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_SQLiteNeedsNoURL(t *testing.T) {
	validEnv(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_DRIVER", "sqlite")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Malformed(t *testing.T) {
	validEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Server.AppURL = "localhost:3000"
	cfg.Webhook.URL = "/relative"
	cfg.Database.Driver = "mysql"
	cfg.Auth.BcryptCost = 20

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_URL must be an absolute URL")
	assert.Contains(t, err.Error(), "N8N_WEBHOOK_URL must be an absolute URL")
	assert.Contains(t, err.Error(), `unknown DATABASE_DRIVER "mysql"`)
	assert.Contains(t, err.Error(), "bcrypt cost out of range")
}
