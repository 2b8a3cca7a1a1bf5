package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/models"
)

type staticProviders []models.SourceType

func (s staticProviders) Providers() []models.SourceType { return s }

func redisWrapper(t *testing.T) (*miniredis.Miniredis, *circuitbreaker.RedisWrapper) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, circuitbreaker.NewRedisWrapper(client, "health-test", zaptest.NewLogger(t))
}

func TestRedisChecker(t *testing.T) {
	s, rw := redisWrapper(t)
	c := NewRedisChecker(rw, true)

	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	s.Close()
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestSearchChecker(t *testing.T) {
	res := NewSearchChecker(staticProviders(nil), nil).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)

	reg := circuitbreaker.NewRegistry("tools", func(string) circuitbreaker.Config {
		cfg := circuitbreaker.DefaultConfig()
		cfg.FailureThreshold = 1
		return cfg
	}, zaptest.NewLogger(t))
	c := NewSearchChecker(staticProviders{models.SourceBing}, reg)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	_ = reg.Get("search").Execute(context.Background(), func() error { return assert.AnError })
	res = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "search")
}

func TestManagerOverallStatus(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	assert.True(t, m.IsReady(context.Background()))

	healthy := NewFuncChecker("a", true, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	flaky := NewFuncChecker("b", false, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "down"}
	})
	require.NoError(t, m.RegisterChecker(healthy))
	require.NoError(t, m.RegisterChecker(flaky))
	assert.Error(t, m.RegisterChecker(healthy))

	d := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusDegraded, d.Overall.Status)
	assert.True(t, d.Overall.Ready)
	assert.Equal(t, 2, d.Summary.Total)
	assert.Equal(t, 1, d.Summary.Unhealthy)
	assert.Len(t, m.LastResults(), 2)

	require.NoError(t, m.RegisterChecker(NewFuncChecker("c", true, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})))
	assert.False(t, m.IsReady(context.Background()))
	assert.True(t, m.IsLive(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, m.Names())
}

func TestCheckTimeoutIsApplied(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewFuncChecker("slow", true, 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})))

	start := time.Now()
	assert.False(t, m.IsReady(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPHandler(t *testing.T) {
	_, rw := redisWrapper(t)
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewRedisChecker(rw, true)))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/health", "/health/ready", "/health/live", "/health/detailed"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Overall struct {
			Status string `json:"status"`
		} `json:"overall"`
		Components map[string]struct {
			Status string `json:"status"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Overall.Status)
	assert.Equal(t, "healthy", body.Components["redis"].Status)
}
