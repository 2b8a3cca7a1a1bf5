package tools

import (
	"context"

	"github.com/samber/lo"

	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/util"
)

// HeuristicAnalyzer scores content quality without a model call:
// 0.4·content ratio + 0.3·richness + 0.3·source diversity.
type HeuristicAnalyzer struct{}

// NewHeuristicAnalyzer returns the default content analyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer { return &HeuristicAnalyzer{} }

func (HeuristicAnalyzer) Analyze(_ context.Context, query string, results []models.ResultItem) (ContentAnalysis, error) {
	if len(results) == 0 {
		return ContentAnalysis{Verdict: "no content"}, nil
	}

	withContent := 0
	totalLen := 0
	for _, r := range results {
		if r.Content != "" {
			withContent++
			totalLen += len([]rune(r.Content))
		}
	}
	avgLen := 0.0
	if withContent > 0 {
		avgLen = float64(totalLen) / float64(withContent)
	}
	sources := len(lo.UniqBy(results, func(r models.ResultItem) models.SourceType { return r.Source }))

	quality := 0.4*float64(withContent)/float64(len(results)) +
		0.3*min(avgLen/1000, 1) +
		0.3*min(float64(sources)/3, 1)

	sims := lo.Map(results, func(r models.ResultItem, _ int) float64 {
		return util.TermOverlap(query, r.Title+" "+r.Snippet)
	})

	return ContentAnalysis{
		Quality:      models.Clamp01(quality),
		Similarities: sims,
		Verdict:      verdict(quality),
	}, nil
}

func verdict(q float64) string {
	switch {
	case q >= 0.8:
		return "excellent"
	case q >= 0.6:
		return "good"
	case q >= 0.4:
		return "fair"
	default:
		return "poor"
	}
}
