package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/tracing"
	"github.com/LBatsoft/e-websearch/internal/util"
)

// Delegate is a model-based analyzer consulted on top of the rules.
type Delegate interface {
	Analyze(ctx context.Context, query string, prior map[string]string) (DelegateAnalysis, error)
}

// DelegateAnalysis carries the fields a delegate may override. Empty or
// unknown values leave the rule result in place.
type DelegateAnalysis struct {
	QueryType            string   `json:"query_type"`
	Complexity           string   `json:"complexity"`
	Intent               string   `json:"intent"`
	Entities             []string `json:"entities"`
	Keywords             []string `json:"keywords"`
	SuggestedRefinements []string `json:"suggested_refinements"`
	NeedsMultiStep       *bool    `json:"needs_multi_step"`
	Confidence           float64  `json:"confidence"`
}

// HTTPDelegate posts the query to the model service's analyze endpoint.
type HTTPDelegate struct {
	url    string
	client *circuitbreaker.HTTPWrapper
}

// NewHTTPDelegate creates a delegate for the service at baseURL.
func NewHTTPDelegate(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPDelegate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDelegate{
		url:    strings.TrimRight(baseURL, "/") + "/analyze",
		client: circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "query-analyzer", "planner", logger),
	}
}

func (d *HTTPDelegate) Analyze(ctx context.Context, query string, prior map[string]string) (DelegateAnalysis, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query":   query,
		"context": prior,
	})
	if err != nil {
		return DelegateAnalysis{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return DelegateAnalysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := d.client.Do(req)
	if err != nil {
		return DelegateAnalysis{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DelegateAnalysis{}, fmt.Errorf("analyzer delegate: HTTP %d", resp.StatusCode)
	}
	var out DelegateAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DelegateAnalysis{}, fmt.Errorf("analyzer delegate: decode: %w", err)
	}
	return out, nil
}

// QueryAnalyzer runs the rules and, when configured, a delegate bounded by
// a timeout. Any delegate failure falls back to the rule result.
type QueryAnalyzer struct {
	rules    *RuleAnalyzer
	delegate Delegate
	timeout  time.Duration
	logger   *zap.Logger
}

// NewQueryAnalyzer creates an analyzer. delegate may be nil.
func NewQueryAnalyzer(delegate Delegate, timeout time.Duration, logger *zap.Logger) *QueryAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &QueryAnalyzer{rules: NewRuleAnalyzer(), delegate: delegate, timeout: timeout, logger: logger}
}

// Analyze never returns an error and never blocks past the delegate timeout.
func (a *QueryAnalyzer) Analyze(ctx context.Context, query string, prior map[string]string) models.QueryAnalysis {
	base := a.rules.Analyze(query, prior)
	if a.delegate == nil {
		return base
	}

	dctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type answer struct {
		out DelegateAnalysis
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		out, err := a.delegate.Analyze(dctx, query, prior)
		ch <- answer{out, err}
	}()

	select {
	case ans := <-ch:
		if ans.err != nil {
			metrics.AnalyzerFallbacks.WithLabelValues("error").Inc()
			a.logger.Warn("Query analysis delegate failed, using rules",
				zap.String("query", util.TruncateString(query, 80, true)),
				zap.Error(ans.err))
			return base
		}
		return merge(base, ans.out)
	case <-dctx.Done():
		metrics.AnalyzerFallbacks.WithLabelValues("timeout").Inc()
		a.logger.Warn("Query analysis delegate timed out, using rules",
			zap.String("query", util.TruncateString(query, 80, true)),
			zap.Duration("timeout", a.timeout))
		return base
	}
}

func merge(base models.QueryAnalysis, d DelegateAnalysis) models.QueryAnalysis {
	out := base
	switch t := models.QueryType(strings.ToLower(d.QueryType)); t {
	case models.QueryComparison, models.QueryTutorial, models.QueryDeepDive, models.QueryLatest, models.QueryGeneral:
		out.QueryType = t
	}
	switch c := models.Complexity(strings.ToLower(d.Complexity)); c {
	case models.ComplexitySimple, models.ComplexityMedium, models.ComplexityComplex:
		out.Complexity = c
	}
	if d.Intent != "" {
		out.Intent = d.Intent
	}
	if len(d.Entities) > 0 {
		out.Entities = append([]string(nil), d.Entities...)
	}
	if len(d.Keywords) > 0 {
		out.Keywords = append([]string(nil), d.Keywords...)
	}
	if len(d.SuggestedRefinements) > 0 {
		out.SuggestedRefinements = append([]string(nil), d.SuggestedRefinements...)
	}
	if d.NeedsMultiStep != nil {
		out.RequiresMultipleSearches = *d.NeedsMultiStep
	}
	if d.Confidence > 0 {
		out.Confidence = models.Clamp01(d.Confidence)
	}
	out.Source = models.AnalysisSourceDelegate
	return out
}
