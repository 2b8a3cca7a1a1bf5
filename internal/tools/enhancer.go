package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/tracing"
)

// ErrEnhancerDisabled is returned by a NoopEnhancer.
var ErrEnhancerDisabled = errors.New("model enhancer not configured")

// maxEnhanceResults bounds how many results are sent for enhancement.
const maxEnhanceResults = 10

// HTTPEnhancer calls the model service's enhance endpoint.
type HTTPEnhancer struct {
	baseURL string
	client  *circuitbreaker.HTTPWrapper
}

// NewHTTPEnhancer creates an enhancer for the service at baseURL.
func NewHTTPEnhancer(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPEnhancer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEnhancer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "model-enhancer", "enhancer", logger),
	}
}

type enhanceRequest struct {
	Query    string          `json:"query"`
	Language string          `json:"language"`
	Summary  bool            `json:"llm_summary"`
	Tags     bool            `json:"llm_tags"`
	Results  []enhanceResult `json:"results"`
}

type enhanceResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

type enhanceResponse struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

func (e *HTTPEnhancer) Summarize(ctx context.Context, query string, results []models.ResultItem, language string) (string, error) {
	out, err := e.call(ctx, enhanceRequest{Query: query, Language: language, Summary: true}, results)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Summary), nil
}

func (e *HTTPEnhancer) Tag(ctx context.Context, query string, results []models.ResultItem, language string) ([]string, error) {
	out, err := e.call(ctx, enhanceRequest{Query: query, Language: language, Tags: true}, results)
	if err != nil {
		return nil, err
	}
	tags := lo.Uniq(lo.Compact(lo.Map(out.Tags, func(t string, _ int) string { return strings.TrimSpace(t) })))
	return tags, nil
}

func (e *HTTPEnhancer) call(ctx context.Context, body enhanceRequest, results []models.ResultItem) (enhanceResponse, error) {
	if len(results) > maxEnhanceResults {
		results = results[:maxEnhanceResults]
	}
	body.Results = lo.Map(results, func(r models.ResultItem, _ int) enhanceResult {
		return enhanceResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet, Content: r.Content}
	})
	payload, err := json.Marshal(body)
	if err != nil {
		return enhanceResponse{}, err
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, e.baseURL+"/enhance")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/enhance", bytes.NewReader(payload))
	if err != nil {
		return enhanceResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := e.client.Do(req)
	if err != nil {
		return enhanceResponse{}, fmt.Errorf("enhancer: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return enhanceResponse{}, fmt.Errorf("enhancer: HTTP %d: %s", resp.StatusCode, readErrorBody(resp.Body, 512))
	}

	var out enhanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return enhanceResponse{}, fmt.Errorf("enhancer: decode response: %w", err)
	}
	return out, nil
}

// NoopEnhancer is used when no model service is configured.
type NoopEnhancer struct{}

func (NoopEnhancer) Summarize(context.Context, string, []models.ResultItem, string) (string, error) {
	return "", ErrEnhancerDisabled
}

func (NoopEnhancer) Tag(context.Context, string, []models.ResultItem, string) ([]string, error) {
	return nil, ErrEnhancerDisabled
}
