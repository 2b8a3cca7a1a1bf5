package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
)

// Store is the byte-level storage behind Cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, v []byte, ttl time.Duration)
}

// LocalLRU is an in-process LRU with per-entry TTL
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
	now  func() time.Time
}

type lruEntry struct {
	key string
	val []byte
	exp time.Time
}

// NewLocalLRU creates an LRU holding at most capacity entries
func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity), now: time.Now}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(l.now()) {
			l.list.MoveToFront(el)
			return ent.val, true
		}
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, v []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: key, val: v, exp: l.now().Add(ttl)}
	if el, ok := l.m[key]; ok {
		el.Value = ent
		l.list.MoveToFront(el)
		return
	}
	l.m[key] = l.list.PushFront(ent)
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			delete(l.m, lru.Value.(lruEntry).key)
			l.list.Remove(lru)
		}
	}
}

// Len returns the number of stored entries, expired ones included
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// RedisStore uses circuit-breaker wrapped Redis. Errors degrade to misses.
type RedisStore struct {
	cli    *circuitbreaker.RedisWrapper
	prefix string
	logger *zap.Logger
}

// NewRedisStore wraps an existing wrapper; keys are namespaced with prefix.
func NewRedisStore(cli *circuitbreaker.RedisWrapper, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{cli: cli, prefix: prefix, logger: logger}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.cli.Get(ctx, r.prefix+key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Debug("Redis cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return b, true
}

func (r *RedisStore) Set(ctx context.Context, key string, v []byte, ttl time.Duration) {
	if err := r.cli.Set(ctx, r.prefix+key, v, ttl); err != nil {
		r.logger.Debug("Redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}
