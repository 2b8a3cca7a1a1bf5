package tools

import (
	"context"

	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/util"
)

// KeywordRanker is the built-in scoring oracle. It blends the provider's own
// score with query-term overlap, content completeness and freshness.
type KeywordRanker struct{}

// NewKeywordRanker returns the default ranking service.
func NewKeywordRanker() *KeywordRanker { return &KeywordRanker{} }

func (KeywordRanker) Score(_ context.Context, query string, items []models.ResultItem) ([]models.ResultItem, error) {
	out := make([]models.ResultItem, len(items))
	for i, it := range items {
		base := it.RelevanceScore
		if base <= 0 || base > 1 {
			base = 0.5
		}
		relevance := util.TermOverlap(query, it.Title+" "+it.Snippet)
		content := 0.5
		if it.Content != "" {
			content = 1
		}
		fresh := 0.8
		if it.PublishedAt != nil {
			fresh = 1
		}
		it.RelevanceScore = models.Clamp01(0.4*base + 0.3*relevance + 0.2*content + 0.1*fresh)
		out[i] = it
	}
	return out, nil
}
