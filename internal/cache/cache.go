// Package cache stores reusable plans and step results keyed by a
// fingerprint of the query and the configuration that shaped them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
)

const (
	kindStep = "step"
	kindPlan = "plan"
)

// Cache is the typed view over a Store.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a cache. ttl <= 0 defaults to one hour.
func New(store Store, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, ttl: ttl, logger: logger}
}

// StepFingerprint identifies a search result set by query and the
// parameters that influence it.
func StepFingerprint(stepType models.StepType, query string, sources []models.SourceType, maxResults int, includeContent bool) string {
	srcs := make([]string, len(sources))
	for i, s := range sources {
		srcs[i] = string(s)
	}
	sort.Strings(srcs)
	return fingerprint(kindStep,
		string(stepType),
		normalizeQuery(query),
		strings.Join(srcs, ","),
		strconv.Itoa(maxResults),
		strconv.FormatBool(includeContent),
	)
}

// PlanFingerprint identifies a plan by query and the request fields that shape planning.
func PlanFingerprint(req models.SearchRequest) string {
	return fingerprint(kindPlan,
		normalizeQuery(req.Query),
		strings.ToLower(req.PlanningStrategy),
		strconv.Itoa(req.MaxIterations),
		strconv.Itoa(req.MaxResultsPerIteration),
	)
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func fingerprint(kind string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return kind + ":" + hex.EncodeToString(h[:16])
}

// GetStepResult returns a cached step result.
func (c *Cache) GetStepResult(ctx context.Context, fp string) (*models.StepResult, bool) {
	var r models.StepResult
	if !c.get(ctx, kindStep, fp, &r) {
		return nil, false
	}
	return &r, true
}

// PutStepResult stores a step result. Failed or empty results are not cached.
func (c *Cache) PutStepResult(ctx context.Context, fp string, r models.StepResult) {
	if len(r.Results) == 0 || len(r.Errors) > 0 || r.TimedOut {
		return
	}
	c.put(ctx, fp, r)
}

// GetPlan returns a cached plan.
func (c *Cache) GetPlan(ctx context.Context, fp string) (*models.ExecutionPlan, bool) {
	var p models.ExecutionPlan
	if !c.get(ctx, kindPlan, fp, &p) {
		return nil, false
	}
	return &p, true
}

// PutPlan stores a plan.
func (c *Cache) PutPlan(ctx context.Context, fp string, p *models.ExecutionPlan) {
	if p == nil {
		return
	}
	c.put(ctx, fp, p)
}

func (c *Cache) get(ctx context.Context, kind, key string, out interface{}) bool {
	b, ok := c.store.Get(ctx, key)
	if !ok {
		metrics.CacheMisses.WithLabelValues(kind).Inc()
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		c.logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		metrics.CacheMisses.WithLabelValues(kind).Inc()
		return false
	}
	metrics.CacheHits.WithLabelValues(kind).Inc()
	return true
}

func (c *Cache) put(ctx context.Context, key string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	c.store.Set(ctx, key, b, c.ttl)
}
