package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerStates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	// Initially should be closed
	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.State())
	}

	// Test successful calls don't change state
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error { return nil })
		if err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to remain closed, got %s", cb.State())
	}

	// Test failure threshold triggers open state
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error { return errors.New("test error") })
		if err == nil {
			t.Error("Expected error, got nil")
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", cb.State())
	}

	// Test circuit breaker rejects requests when open
	err := cb.Execute(ctx, func() error { return nil })
	if err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	// Wait for timeout to transition to half-open
	time.Sleep(150 * time.Millisecond)

	// Trigger state check by attempting a call
	cb.beforeRequest()

	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %s", cb.State())
	}

	// Test success threshold in half-open transitions to closed
	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return nil })
		if err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to be closed, got %s", cb.State())
	}
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.MaxRequests = 2
	config.Timeout = 100 * time.Millisecond
	config.SuccessThreshold = 5 // Make sure it won't transition to closed

	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	// Force to half-open state
	cb.mutex.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mutex.Unlock()

	// First two requests should succeed
	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return nil })
		if err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}

	// Third request should be rejected
	err := cb.Execute(ctx, func() error { return nil })
	if err != ErrTooManyRequests {
		t.Errorf("Expected too many requests error, got %v", err)
	}
}

func TestCircuitBreakerCounts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	// Execute some successful and failed requests
	cb.Execute(ctx, func() error { return nil })
	cb.Execute(ctx, func() error { return errors.New("error") })
	cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	if counts.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("Expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("Expected 1 failure, got %d", counts.TotalFailures)
	}
}

func TestStateChangeCallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 2

	var callbackCalled bool
	var fromState, toState State
	config.OnStateChange = func(name string, from State, to State) {
		callbackCalled = true
		fromState = from
		toState = to
	}

	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	// Trigger state change to open
	for i := 0; i < 2; i++ {
		cb.Execute(ctx, func() error { return errors.New("error") })
	}

	if !callbackCalled {
		t.Error("Expected state change callback to be called")
	}
	if fromState != StateClosed || toState != StateOpen {
		t.Errorf("Expected transition from closed to open, got %s to %s", fromState, toState)
	}
}

func TestCancellationDoesNotTripBreaker(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2
	cb := NewCircuitBreaker("search", config, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return context.Canceled })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled to pass through, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected breaker to stay closed on cancellation, got %s", cb.State())
	}
	if cb.Counts().TotalFailures != 0 {
		t.Errorf("Expected no failures recorded, got %d", cb.Counts().TotalFailures)
	}
}

func TestDeadlineExceededCountsAsFailure(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2
	cb := NewCircuitBreaker("search", config, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return context.DeadlineExceeded })
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected breaker to open after timeouts, got %s", cb.State())
	}
}

func TestCallerDeadlineDoesNotTripBreaker(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2
	cb := NewCircuitBreaker("search", config, zaptest.NewLogger(t))

	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		err := cb.Execute(ctx, func() error {
			<-ctx.Done()
			return ctx.Err()
		})
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected the caller deadline to pass through, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected breaker to stay closed when the caller's budget ran out, got %s", cb.State())
	}
	if cb.Counts().TotalFailures != 0 {
		t.Errorf("Expected no failures recorded, got %d", cb.Counts().TotalFailures)
	}
}

func TestExecuteSkipsWhenContextDone(t *testing.T) {
	cb := NewCircuitBreaker("search", DefaultConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run on a done context")
	}
	if cb.Counts().Requests != 0 {
		t.Errorf("Expected no requests counted, got %d", cb.Counts().Requests)
	}
}

func TestRegistryReusesBreakers(t *testing.T) {
	reg := NewRegistry("engine-test", func(name string) Config {
		c := DefaultConfig()
		c.FailureThreshold = 1
		return c
	}, zaptest.NewLogger(t))

	a := reg.Get("search")
	b := reg.Get("search")
	if a != b {
		t.Error("Expected the same breaker for the same name")
	}

	_ = a.Execute(context.Background(), func() error { return errors.New("boom") })
	states := reg.States()
	if states["search"] != StateOpen {
		t.Errorf("Expected search breaker open, got %s", states["search"])
	}
	if reg.Get("summarize").State() != StateClosed {
		t.Error("Expected a fresh breaker to be closed")
	}
}

func TestGetToolConfigEnvOverride(t *testing.T) {
	t.Setenv("CB_SEARCH_FAILURE_THRESHOLD", "7")
	t.Setenv("CB_SEARCH_TIMEOUT", "3s")
	cfg := GetToolConfig("search")
	if cfg.FailureThreshold != 7 {
		t.Errorf("Expected failure threshold 7, got %d", cfg.FailureThreshold)
	}
	if cfg.Timeout != 3*time.Second {
		t.Errorf("Expected timeout 3s, got %s", cfg.Timeout)
	}
	if GetToolConfig("analyze").FailureThreshold != 5 {
		t.Error("Expected default threshold for other tools")
	}
}

func TestWithToolEnvKeepsFileValues(t *testing.T) {
	t.Setenv("CB_ANALYZE_MAX_REQUESTS", "9")
	base := CircuitBreakerConfig{FailureThreshold: 4, Timeout: 2 * time.Second}
	cfg := base.WithToolEnv("analyze")
	if cfg.MaxRequests != 9 {
		t.Errorf("Expected env max requests 9, got %d", cfg.MaxRequests)
	}
	if cfg.FailureThreshold != 4 || cfg.Timeout != 2*time.Second {
		t.Errorf("Expected file values kept, got %+v", cfg)
	}
	if got := cfg.ToConfig().Interval; got != DefaultConfig().Interval {
		t.Errorf("Expected default interval for unset value, got %s", got)
	}
}
