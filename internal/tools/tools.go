// Package tools defines the collaborators the orchestration core calls out
// to and ships the default adapters: a multi-source search fan-out over
// HTTP providers, a heuristic content analyzer, a keyword ranker and an
// HTTP model enhancer.
package tools

import (
	"context"
	"errors"

	"github.com/LBatsoft/e-websearch/internal/models"
)

// ErrNoProviders is returned when none of the requested sources is registered.
var ErrNoProviders = errors.New("no search provider configured for the requested sources")

// SearchResponse is the merged answer of a multi-source search. A source
// that failed is listed in SourceErrors and does not fail the call.
type SearchResponse struct {
	Items        []models.ResultItem
	SourceErrors map[models.SourceType]error
}

// SearchTools runs one query against a set of sources.
type SearchTools interface {
	Search(ctx context.Context, query string, sources []models.SourceType, maxResults int, includeContent bool) (SearchResponse, error)
}

// ContentAnalysis is the quality assessment of a result set. Similarities
// is aligned with the analyzed results.
type ContentAnalysis struct {
	Quality      float64   `json:"quality"`
	Similarities []float64 `json:"similarities"`
	Verdict      string    `json:"verdict,omitempty"`
}

// MeanSimilarity averages the per-item similarities.
func (a ContentAnalysis) MeanSimilarity() float64 {
	if len(a.Similarities) == 0 {
		return 0
	}
	var sum float64
	for _, s := range a.Similarities {
		sum += s
	}
	return sum / float64(len(a.Similarities))
}

// ContentAnalysisTools scores the quality of results for a query.
type ContentAnalysisTools interface {
	Analyze(ctx context.Context, query string, results []models.ResultItem) (ContentAnalysis, error)
}

// RankingService assigns RelevanceScore to raw items. It must not drop items.
type RankingService interface {
	Score(ctx context.Context, query string, items []models.ResultItem) ([]models.ResultItem, error)
}

// ModelEnhancer produces summaries and tags. Callers treat failures as empty output.
type ModelEnhancer interface {
	Summarize(ctx context.Context, query string, results []models.ResultItem, language string) (string, error)
	Tag(ctx context.Context, query string, results []models.ResultItem, language string) ([]string, error)
}
