package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.Redis.ReadTimeout)
	assert.Equal(t, "fraud.card.decisions.v1", cfg.Bus.Topic)
	assert.Equal(t, "outbox:auth:decisions", cfg.Outbox.Stream)
	assert.Equal(t, 4096, cfg.Outbox.QueueSize)
	assert.Equal(t, 5, cfg.Outbox.AppendMaxRetries)
	assert.Equal(t, 1000, cfg.Outbox.ProbeIntervalMs)
	assert.Equal(t, 50, cfg.Outbox.PollIntervalMs)
	assert.False(t, cfg.Evaluation.Debug.Enabled)
	assert.Equal(t, 100, cfg.Evaluation.Debug.SampleRate)
	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CDE_ENVIRONMENT", "production")
	t.Setenv("CDE_SERVER_PORT", "9090")
	t.Setenv("CDE_REDIS_URL", "redis-prod:6379")
	t.Setenv("CDE_REDIS_DB", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis-prod:6379", cfg.Redis.URL)
	assert.Equal(t, 3, cfg.Redis.DB)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load("testdata/does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}
