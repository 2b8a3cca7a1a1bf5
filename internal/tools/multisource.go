package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/ratecontrol"
)

// ProviderOptions are per-call parameters passed to a provider.
type ProviderOptions struct {
	Count          int
	Language       string
	IncludeContent bool
}

// Provider is one search backend.
type Provider interface {
	Name() models.SourceType
	Search(ctx context.Context, query string, opts ProviderOptions) ([]models.ResultItem, error)
}

// MultiSource fans a query out to the registered providers of the
// requested sources and merges what comes back.
type MultiSource struct {
	mu          sync.RWMutex
	providers   map[models.SourceType]Provider
	limiter     *ratecontrol.Limiter
	language    string
	concurrency int
	logger      *zap.Logger
}

// NewMultiSource creates an empty fan-out. limiter may be nil.
func NewMultiSource(limiter *ratecontrol.Limiter, language string, logger *zap.Logger) *MultiSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiSource{
		providers:   make(map[models.SourceType]Provider),
		limiter:     limiter,
		language:    language,
		concurrency: 4,
		logger:      logger,
	}
}

// Register adds or replaces a provider.
func (m *MultiSource) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
}

// Providers lists registered source names in sorted order.
func (m *MultiSource) Providers() []models.SourceType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := lo.Keys(m.providers)
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Configured reports whether at least one provider is registered.
func (m *MultiSource) Configured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers) > 0
}

// Search queries every requested source concurrently. Per-source failures
// are collected into the response; an error is returned only when every
// source failed or none was available.
func (m *MultiSource) Search(ctx context.Context, query string, sources []models.SourceType, maxResults int, includeContent bool) (SearchResponse, error) {
	m.mu.RLock()
	var selected []Provider
	resp := SearchResponse{SourceErrors: make(map[models.SourceType]error)}
	for _, s := range lo.Uniq(sources) {
		if p, ok := m.providers[s]; ok {
			selected = append(selected, p)
		} else {
			resp.SourceErrors[s] = fmt.Errorf("source %s: %w", s, ErrNoProviders)
		}
	}
	m.mu.RUnlock()

	if len(selected) == 0 {
		return resp, ErrNoProviders
	}

	perSource := make([][]models.ResultItem, len(selected))
	errs := make([]error, len(selected))
	opts := ProviderOptions{Count: maxResults, Language: m.language, IncludeContent: includeContent}

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, p := range selected {
		g.Go(func() error {
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx, string(p.Name())); err != nil {
					errs[i] = fmt.Errorf("rate limit wait: %w", err)
					return nil
				}
			}
			items, err := p.Search(ctx, query, opts)
			if err != nil {
				errs[i] = err
				return nil
			}
			for j := range items {
				items[j].Source = p.Name()
			}
			perSource[i] = items
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, p := range selected {
		if errs[i] != nil {
			failed++
			resp.SourceErrors[p.Name()] = errs[i]
			metrics.SourceErrors.WithLabelValues(string(p.Name())).Inc()
			m.logger.Warn("Search source failed",
				zap.String("source", string(p.Name())),
				zap.Error(errs[i]))
		}
	}
	if failed == len(selected) {
		return resp, fmt.Errorf("all %d search source(s) failed: %w", failed, lo.FirstOrEmpty(lo.Compact(errs)))
	}

	// Interleave sources so a truncated list still covers each of them.
	resp.Items = interleave(perSource, maxResults)
	return resp, nil
}

func interleave(lists [][]models.ResultItem, limit int) []models.ResultItem {
	var out []models.ResultItem
	seen := make(map[string]struct{})
	for i := 0; ; i++ {
		progressed := false
		for _, l := range lists {
			if i >= len(l) {
				continue
			}
			progressed = true
			if _, dup := seen[l[i].URL]; dup || l[i].URL == "" {
				continue
			}
			seen[l[i].URL] = struct{}{}
			out = append(out, l[i])
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
		if !progressed {
			return out
		}
	}
}
