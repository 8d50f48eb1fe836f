package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFile(t *testing.T, body string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	cfg, err := load(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadFile(t, "log_level: debug\n")

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mongodb", cfg.Storage.Driver)
	assert.Equal(t, "rabbitmq", cfg.Queue.Driver)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Retry.MaxDelay)
	assert.Equal(t, "X-API-Key", cfg.Security.APIKeyHeader)
	assert.Equal(t, time.Minute, cfg.Security.RateLimit.Window)
	assert.Equal(t, 30*time.Minute, cfg.Sync.MaxRuntime)
	assert.Equal(t, 64, cfg.Worker.LaneBuffer)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.DeferDelay)
}

func TestFileValues(t *testing.T) {
	cfg := loadFile(t, `
server:
  port: 9000
  embedded_worker: true
storage:
  driver: memory
retry:
  base_delay: 2s
sync:
  schedules:
    crm_operacao: 15m
  systems:
    crm:
      base_url: http://crm.test
      api_key: secret
security:
  api_keys:
    crm: key-1
`)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Server.EmbeddedWorker)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Schedules["crm_operacao"])
	assert.Equal(t, "http://crm.test", cfg.Sync.Systems["crm"].BaseURL)
	assert.Equal(t, "secret", cfg.Sync.Systems["crm"].APIKey)
	assert.Equal(t, "key-1", cfg.Security.APIKeys["crm"])
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "7070")
	t.Setenv("MONGODB_URI", "mongodb://db:27017")
	t.Setenv("RABBITMQ_URI", "amqp://rabbit")
	t.Setenv("CLOUDAMQP_URL", "amqps://cloud")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SITE_API_KEY", "site-key")

	cfg := loadFile(t, "log_level: info\n")

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "mongodb://db:27017", cfg.MongoDB.URI)
	assert.Equal(t, "amqps://cloud", cfg.RabbitMQ.URL, "CLOUDAMQP_URL wins over RABBITMQ_URI")
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "site-key", cfg.Security.APIKeys["site"])
}

func TestMissingFileUsesDefaults(t *testing.T) {
	v := viper.New()
	v.SetConfigName("does-not-exist")
	v.AddConfigPath(t.TempDir())
	cfg, err := load(v)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}
