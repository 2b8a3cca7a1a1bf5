package planner

import (
	"strings"

	"github.com/samber/lo"

	"github.com/LBatsoft/e-websearch/internal/models"
)

// Descriptor is an abstract step produced by the decomposer, before the
// strategy assigns IDs, groups and budgets.
type Descriptor struct {
	Type        models.StepType
	Query       string
	Description string
	Purpose     string
}

// generalModifiers extend general and latest queries when no suggested
// refinement is left.
var generalModifiers = []string{"详细介绍", "最新进展", "应用案例", "常见问题", "发展趋势"}

// Decompose expands an analysis into at most maxIterations descriptors.
// A template ending in a synthesis step keeps it last when truncated.
func Decompose(analysis models.QueryAnalysis, maxIterations int) []Descriptor {
	q := analysis.Query
	var steps []Descriptor
	switch analysis.QueryType {
	case models.QueryComparison:
		steps = []Descriptor{
			search(q, "基础搜索", "baseline_search"),
			search(q+" 详细对比 优缺点", "深入对比", "contrastive_search"),
			synthesis(q, "comparison_synthesis"),
		}
	case models.QueryTutorial:
		steps = []Descriptor{
			search(q, "基础教程", "overview_search"),
			search(q+" 详细步骤 具体方法", "详细步骤", "detail_search"),
			search(q+" 注意事项 常见问题", "注意事项", "caveats_search"),
		}
	case models.QueryDeepDive:
		steps = []Descriptor{
			search(q, "概览搜索", "overview_search"),
			search(q+" 详细介绍 深入分析", "详细信息", "detail_search"),
			search(q+" 应用案例 实际使用", "相关应用", "application_search"),
			synthesis(q, "deep_dive_synthesis"),
		}
	default:
		steps = []Descriptor{search(q, "主要搜索", "primary_search")}
		if analysis.RequiresMultipleSearches {
			candidates := append(append([]string(nil), analysis.SuggestedRefinements...),
				lo.Map(generalModifiers, func(m string, _ int) string { return q + " " + m })...)
			for _, c := range candidates {
				if len(steps) >= maxIterations {
					break
				}
				if strings.EqualFold(strings.TrimSpace(c), q) {
					continue
				}
				steps = append(steps, search(c, "补充搜索", "supplementary_search"))
			}
		}
	}
	return truncate(steps, maxIterations)
}

func truncate(steps []Descriptor, limit int) []Descriptor {
	if limit <= 0 || len(steps) <= limit {
		return steps
	}
	last := steps[len(steps)-1]
	if limit >= 2 && last.Type == models.StepSummarize {
		return append(append([]Descriptor(nil), steps[:limit-1]...), last)
	}
	return steps[:limit]
}

func search(query, label, purpose string) Descriptor {
	return Descriptor{
		Type:        models.StepSearch,
		Query:       query,
		Description: label + ": " + query,
		Purpose:     purpose,
	}
}

func synthesis(query, purpose string) Descriptor {
	return Descriptor{
		Type:        models.StepSummarize,
		Query:       query,
		Description: "综合分析: " + query,
		Purpose:     purpose,
	}
}
