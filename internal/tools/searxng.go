package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/tracing"
)

// SearXNG queries a SearXNG instance's JSON endpoint.
type SearXNG struct {
	baseURL string
	client  *circuitbreaker.HTTPWrapper
}

// NewSearXNG creates a SearXNG provider for the instance at baseURL.
func NewSearXNG(baseURL string, timeout time.Duration, logger *zap.Logger) *SearXNG {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SearXNG{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "search-searxng", "search", logger),
	}
}

func (s *SearXNG) Name() models.SourceType { return models.SourceSearXNG }

type searxngResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"publishedDate"`
	} `json:"results"`
}

func (s *SearXNG) Search(ctx context.Context, query string, opts ProviderOptions) ([]models.ResultItem, error) {
	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}
	count := opts.Count
	if count <= 0 {
		count = 10
	}

	reqURL := fmt.Sprintf("%s/search?%s", s.baseURL, params.Encode())
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, s.baseURL+"/search")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.client.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng: HTTP %d: %s", resp.StatusCode, readErrorBody(resp.Body, 512))
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	items := make([]models.ResultItem, 0, min(count, len(sr.Results)))
	for _, r := range sr.Results {
		if len(items) >= count {
			break
		}
		item := models.ResultItem{
			URL:            r.URL,
			Title:          r.Title,
			Snippet:        r.Content,
			Source:         models.SourceSearXNG,
			RelevanceScore: r.Score,
			PublishedAt:    parsePublished(r.PublishedDate),
		}
		if opts.IncludeContent {
			item.Content = r.Content
		}
		items = append(items, item)
	}
	return items, nil
}

// readErrorBody reads at most limit bytes of an error response for logging.
func readErrorBody(r io.Reader, limit int64) string {
	b, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func parsePublished(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
