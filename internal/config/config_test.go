package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:3000", cfg.Server.Addr())
	assert.Equal(t, int64(10<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Queue.ClaimTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.CommandTTL)
	assert.Equal(t, time.Hour, cfg.Retention.EvictionInterval)
	assert.Equal(t, 5*time.Minute, cfg.Retention.InactivityThreshold)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 100, cfg.RateLimit.Requests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Notify.Kafka.Brokers)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "8088")
	t.Setenv("RELAY_QUEUE_CLAIM_TIMEOUT", "90s")
	t.Setenv("RELAY_SERVER_ALLOWED_ORIGINS", "https://a.test,https://b.test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.Queue.ClaimTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	yaml := `
server:
  port: 4000
storage:
  driver: sqlite
  sqlite:
    path: /tmp/relay-test.db
ratelimit:
  enabled: false
log:
  format: json
  output: both
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/relay-test.db", cfg.Storage.SQLite.Path)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "both", cfg.Log.Output)
	// Untouched keys keep their defaults.
	assert.Equal(t, 100, cfg.Queue.MaxPollLimit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.Storage.Driver = "postgres"
	cfg.Queue.MaxAttempts = 0
	cfg.Log.Output = "syslog"
	cfg.Server.AllowedOrigins = nil

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "server.allowed_origins", "storage.driver", "queue.max_attempts", "log.output"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	defaults, err := Load("")
	require.NoError(t, err)
	example, err := Load(filepath.Join("..", "..", "configs", "relay.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaults, example)
}
