package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/models"
)

// Pinger is satisfied by circuitbreaker.RedisWrapper.
type Pinger interface {
	Ping(ctx context.Context) error
	IsCircuitBreakerOpen() bool
}

// RedisChecker probes the Redis backing the cache and trace sink.
type RedisChecker struct {
	client   Pinger
	critical bool
	timeout  time.Duration
}

// NewRedisChecker creates a Redis checker. critical should be true when
// Redis is the only cache backend.
func NewRedisChecker(client Pinger, critical bool) *RedisChecker {
	return &RedisChecker{client: client, critical: critical, timeout: 2 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return r.critical }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if r.client.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: "Redis circuit breaker is open",
		}
	}
	if err := r.client.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: "Redis ping failed",
		}
	}
	latency := time.Since(start)
	res := CheckResult{
		Status:  StatusHealthy,
		Message: "Redis healthy",
		Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
	}
	if latency > 100*time.Millisecond {
		res.Status = StatusDegraded
		res.Message = "Redis responding but with high latency"
	}
	return res
}

// ProviderLister is satisfied by tools.MultiSource.
type ProviderLister interface {
	Providers() []models.SourceType
}

// SearchChecker reports whether any search provider is configured and
// whether the tool breakers are letting calls through.
type SearchChecker struct {
	providers ProviderLister
	breakers  *circuitbreaker.Registry
}

func NewSearchChecker(providers ProviderLister, breakers *circuitbreaker.Registry) *SearchChecker {
	return &SearchChecker{providers: providers, breakers: breakers}
}

func (s *SearchChecker) Name() string           { return "search" }
func (s *SearchChecker) IsCritical() bool       { return true }
func (s *SearchChecker) Timeout() time.Duration { return time.Second }

func (s *SearchChecker) Check(context.Context) CheckResult {
	sources := s.providers.Providers()
	names := make([]string, len(sources))
	for i, src := range sources {
		names[i] = string(src)
	}
	details := map[string]interface{}{"providers": names}
	if len(sources) == 0 {
		return CheckResult{Status: StatusUnhealthy, Message: "no search providers configured", Details: details}
	}

	var open []string
	if s.breakers != nil {
		states := s.breakers.States()
		breakers := make(map[string]string, len(states))
		for name, st := range states {
			breakers[name] = st.String()
			if st == circuitbreaker.StateOpen {
				open = append(open, name)
			}
		}
		details["breakers"] = breakers
	}
	if len(open) > 0 {
		sort.Strings(open)
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("circuit open for %v", open),
			Details: details,
		}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d provider(s) configured", len(sources)), Details: details}
}

// FuncChecker adapts a function to Checker.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) CheckResult
}

func NewFuncChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (c *FuncChecker) Name() string                          { return c.name }
func (c *FuncChecker) IsCritical() bool                      { return c.critical }
func (c *FuncChecker) Timeout() time.Duration                { return c.timeout }
func (c *FuncChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }
