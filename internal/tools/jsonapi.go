package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/tracing"
)

// JSONProviderConfig configures a provider behind the search gateway's
// common JSON contract (GET ?q=&count=&lang=&content=).
type JSONProviderConfig struct {
	Source  models.SourceType `mapstructure:"source"`
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// JSONProvider adapts one upstream engine (bing, zai, wechat, ...) exposed
// through the JSON contract.
type JSONProvider struct {
	cfg    JSONProviderConfig
	client *circuitbreaker.HTTPWrapper
}

// NewJSONProvider builds a provider from cfg.
func NewJSONProvider(cfg JSONProviderConfig, logger *zap.Logger) *JSONProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	name := "search-" + string(cfg.Source)
	return &JSONProvider{
		cfg:    cfg,
		client: circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, name, "search", logger),
	}
}

func (p *JSONProvider) Name() models.SourceType { return p.cfg.Source }

type jsonSearchResponse struct {
	Results []struct {
		Title       string  `json:"title"`
		URL         string  `json:"url"`
		Snippet     string  `json:"snippet"`
		Content     string  `json:"content"`
		Score       float64 `json:"score"`
		PublishedAt string  `json:"published_at"`
	} `json:"results"`
}

func (p *JSONProvider) Search(ctx context.Context, query string, opts ProviderOptions) ([]models.ResultItem, error) {
	params := url.Values{"q": {query}}
	if opts.Count > 0 {
		params.Set("count", strconv.Itoa(opts.Count))
	}
	if opts.Language != "" {
		params.Set("lang", opts.Language)
	}
	if opts.IncludeContent {
		params.Set("content", "1")
	}

	reqURL := p.cfg.BaseURL + "?" + params.Encode()
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, p.cfg.BaseURL)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.cfg.Source, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.client.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("%s: request failed: %w", p.cfg.Source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d: %s", p.cfg.Source, resp.StatusCode, readErrorBody(resp.Body, 512))
	}

	var sr jsonSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.cfg.Source, err)
	}

	items := make([]models.ResultItem, 0, len(sr.Results))
	for _, r := range sr.Results {
		if opts.Count > 0 && len(items) >= opts.Count {
			break
		}
		item := models.ResultItem{
			URL:            r.URL,
			Title:          r.Title,
			Snippet:        r.Snippet,
			Source:         p.cfg.Source,
			RelevanceScore: r.Score,
			PublishedAt:    parsePublished(r.PublishedAt),
		}
		if opts.IncludeContent {
			item.Content = r.Content
		}
		items = append(items, item)
	}
	return items, nil
}
