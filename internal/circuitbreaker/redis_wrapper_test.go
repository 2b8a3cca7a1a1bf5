package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, "cache-test", zaptest.NewLogger(t))
	ctx := context.Background()

	if err := wrapper.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := wrapper.Set(ctx, "plan:abc", "payload", time.Minute); err != nil {
		t.Errorf("Set failed: %v", err)
	}
	val, err := wrapper.Get(ctx, "plan:abc")
	if err != nil {
		t.Errorf("Get failed: %v", err)
	}
	if string(val) != "payload" {
		t.Errorf("Expected 'payload', got '%s'", val)
	}

	if _, err := wrapper.Get(ctx, "plan:missing"); !errors.Is(err, redis.Nil) {
		t.Errorf("Expected redis.Nil for missing key, got %v", err)
	}
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed for redis.Nil")
	}

	if err := wrapper.Del(ctx, "plan:abc"); err != nil {
		t.Errorf("Del failed: %v", err)
	}
	if s.Exists("plan:abc") {
		t.Error("Expected key to be deleted")
	}
}

func TestRedisWrapper_Streams(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, "trace-test", zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := wrapper.XAdd(ctx, &redis.XAddArgs{
			Stream: "trace:s1",
			Values: map[string]interface{}{"seq": i},
		}, time.Hour); err != nil {
			t.Fatalf("XAdd failed: %v", err)
		}
	}
	msgs, err := wrapper.XRange(ctx, "trace:s1")
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("Expected 3 stream entries, got %d", len(msgs))
	}
	if ttl := s.TTL("trace:s1"); ttl != time.Hour {
		t.Errorf("Expected stream TTL of 1h, got %s", ttl)
	}
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	wrapper := NewRedisWrapper(client, "cache-outage-test", zaptest.NewLogger(t))
	ctx := context.Background()
	s.Close()

	for i := 0; i < 3; i++ {
		if err := wrapper.Ping(ctx); err == nil {
			t.Error("Expected ping to fail against a stopped server")
		}
	}
	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}
	if _, err := wrapper.Get(ctx, "any:key"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}
}
