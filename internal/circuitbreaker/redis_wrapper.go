package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker. It serves the
// step cache and the trace sink.
type RedisWrapper struct {
	client  redis.UniversalClient
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client redis.UniversalClient, service string, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := GetRedisConfig().ToConfig()
	// redis.Nil is a miss, not an outage
	cfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	cb := NewCircuitBreaker("redis", cfg, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)

	return &RedisWrapper{
		client:  client,
		cb:      cb,
		service: service,
		logger:  logger,
	}
}

func (rw *RedisWrapper) record(err error) {
	success := err == nil || errors.Is(err, redis.Nil)
	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), success)
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
	rw.record(err)
	return err
}

// Get returns the value at key; a miss yields redis.Nil
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := rw.cb.Execute(ctx, func() error {
		var err2 error
		val, err2 = rw.client.Get(ctx, key).Bytes()
		return err2
	})
	rw.record(err)
	return val, err
}

// Set stores value at key with the given expiration
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
	rw.record(err)
	return err
}

// Del removes keys
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Del(ctx, keys...).Err()
	})
	rw.record(err)
	return err
}

// XAdd appends to a stream and refreshes the stream TTL
func (rw *RedisWrapper) XAdd(ctx context.Context, args *redis.XAddArgs, ttl time.Duration) (string, error) {
	var id string
	err := rw.cb.Execute(ctx, func() error {
		var err2 error
		id, err2 = rw.client.XAdd(ctx, args).Result()
		if err2 != nil {
			return err2
		}
		if ttl > 0 && args.Stream != "" {
			return rw.client.Expire(ctx, args.Stream, ttl).Err()
		}
		return nil
	})
	rw.record(err)
	return id, err
}

// XRange reads a whole stream
func (rw *RedisWrapper) XRange(ctx context.Context, stream string) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	err := rw.cb.Execute(ctx, func() error {
		var err2 error
		msgs, err2 = rw.client.XRange(ctx, stream, "-", "+").Result()
		return err2
	})
	rw.record(err)
	return msgs, err
}

// Close closes the underlying client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// Client exposes the wrapped client
func (rw *RedisWrapper) Client() redis.UniversalClient {
	return rw.client
}

// IsCircuitBreakerOpen reports whether Redis calls are being rejected
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
