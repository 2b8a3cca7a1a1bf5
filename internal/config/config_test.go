package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/LBatsoft/e-websearch/internal/models"
)

const sampleConfig = `
defaults:
  max_iterations: 5
  total_max_results: 80
  sources: [bing, zhihu]
  timeout: 120
engine:
  max_attempts: 4
  backoff_base: 100ms
  breaker:
    failure_threshold: 7
session:
  retention: 10m
  max_concurrency: 2
adaptive:
  floor: 0.4
search:
  providers:
    - source: bing
      base_url: http://gateway/bing
      rpm: 120
      burst: 5
  searxng:
    base_url: http://searxng:8080
http:
  port: 9090
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	d := models.DefaultRequest()
	assert.Equal(t, d.MaxIterations, cfg.Defaults.MaxIterations)
	assert.Equal(t, d.TotalMaxResults, cfg.Defaults.TotalMaxResults)
	assert.Equal(t, []models.SourceType{models.SourceBing}, cfg.Defaults.Sources)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Engine.BackoffBase)
	assert.Equal(t, 3, cfg.Session.ConsecutiveFailureThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Session.Retention)
	assert.Equal(t, 0.5, cfg.Adaptive.Gain)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Defaults.MaxIterations)
	assert.Equal(t, 80, cfg.Defaults.TotalMaxResults)
	assert.Equal(t, []models.SourceType{models.SourceBing, models.SourceZhihu}, cfg.Defaults.Sources)
	assert.Equal(t, 120, cfg.Defaults.TimeoutSeconds)
	assert.Equal(t, 10, cfg.Defaults.MaxResultsPerIteration)
	assert.Equal(t, 4, cfg.Engine.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.BackoffBase)
	assert.Equal(t, uint32(7), cfg.Engine.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Session.Retention)
	assert.Equal(t, 2, cfg.Session.MaxConcurrency)
	assert.Equal(t, 0.4, cfg.Adaptive.Floor)
	assert.Equal(t, 0.3, cfg.Adaptive.Coverage)
	require.Len(t, cfg.Search.Providers, 1)
	assert.Equal(t, models.SourceBing, cfg.Search.Providers[0].Source)
	assert.Equal(t, "http://gateway/bing", cfg.Search.Providers[0].BaseURL)
	assert.Equal(t, 9090, cfg.HTTP.Port)

	limits := cfg.Search.RateLimits()
	assert.Equal(t, 120, limits["bing"].RPM)
	assert.Equal(t, 5, limits["bing"].Burst)
	_, ok := limits["searxng"]
	assert.False(t, ok)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	t.Setenv("AGENT_SESSION_RETENTION", "1h")
	t.Setenv("AGENT_HTTP_PORT", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Session.Retention)
	assert.Equal(t, 7000, cfg.HTTP.Port)
}

func TestLegacyRedisEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis-test")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis-test:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.True(t, cfg.Redis.Enabled())
}

func TestValidateRejectsBadDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "defaults:\n  max_iterations: 50\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))

	path = writeConfig(t, t.TempDir(), "cache:\n  type: redis\n")
	_, err = Load(path)
	assert.Error(t, err)

	path = writeConfig(t, t.TempDir(), "cache:\n  type: disk\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestRequestDefaultsCopiesSources(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	d := cfg.RequestDefaults()
	d.Sources[0] = models.SourceZhihu
	assert.Equal(t, models.SourceBing, cfg.Defaults.Sources[0])
	assert.Empty(t, d.Query)
}

func TestManagerHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 5, m.Current().Defaults.MaxIterations)

	var seen atomic.Int32
	m.OnChange(func(cfg *Config) { seen.Store(int32(cfg.Defaults.MaxIterations)) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	writeConfig(t, dir, "defaults:\n  max_iterations: 7\n")
	require.Eventually(t, func() bool { return seen.Load() == 7 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 7, m.Current().Defaults.MaxIterations)
	assert.GreaterOrEqual(t, m.Reloads(), int64(1))
}

func TestManagerKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	writeConfig(t, dir, "defaults:\n  max_iterations: 99\n")
	assert.Error(t, m.Reload())
	assert.Equal(t, 5, m.Current().Defaults.MaxIterations)
	assert.Equal(t, int64(0), m.Reloads())
}

func TestLoggingConfigBuild(t *testing.T) {
	logger, err := LoggingConfig{Level: "debug"}.Build()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = LoggingConfig{Level: "loud"}.Build()
	assert.Error(t, err)
}
