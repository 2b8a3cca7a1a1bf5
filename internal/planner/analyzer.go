package planner

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/samber/lo"

	"github.com/LBatsoft/e-websearch/internal/models"
)

var (
	comparisonPattern  = regexp.MustCompile(`对比|比较|vs|versus|区别|差异`)
	tutorialPattern    = regexp.MustCompile(`教程|如何|怎么|步骤|方法`)
	definitionPattern  = regexp.MustCompile(`什么是|定义|含义|概念`)
	latestPattern      = regexp.MustCompile(`最新|最近|今年|最新消息|20\d\d`)
	deepDivePattern    = regexp.MustCompile(`详细|深入|全面|完整|系统`)
	multiAspectPattern = regexp.MustCompile(`和|与|以及|还有|包括`)
)

var stopWords = map[string]struct{}{
	"的": {}, "是": {}, "在": {}, "有": {}, "和": {}, "与": {}, "或": {}, "但": {}, "而": {},
	"了": {}, "也": {}, "就": {}, "都": {}, "要": {}, "可以": {}, "以及": {}, "还有": {},
	"vs": {}, "versus": {}, "the": {}, "and": {}, "of": {}, "a": {}, "an": {},
}

// RuleAnalyzer classifies queries with fixed pattern tables. It never fails.
type RuleAnalyzer struct {
	now func() time.Time
}

// NewRuleAnalyzer creates the rule-based analyzer.
func NewRuleAnalyzer() *RuleAnalyzer {
	return &RuleAnalyzer{now: time.Now}
}

// Analyze classifies query. Prior context is accepted for parity with the
// delegate and does not influence the rules.
func (a *RuleAnalyzer) Analyze(query string, _ map[string]string) models.QueryAnalysis {
	q := strings.TrimSpace(query)
	lower := strings.ToLower(q)

	signals := 0
	match := func(re *regexp.Regexp) bool {
		if re.MatchString(lower) {
			signals++
			return true
		}
		return false
	}
	isComparison := match(comparisonPattern)
	isTutorial := match(tutorialPattern)
	isDefinition := match(definitionPattern)
	isLatest := match(latestPattern)
	isDeepDive := match(deepDivePattern)
	multiAspect := match(multiAspectPattern)

	qt := models.QueryGeneral
	switch {
	case isComparison:
		qt = models.QueryComparison
	case isTutorial:
		qt = models.QueryTutorial
	case isDefinition:
		qt = models.QueryGeneral
	case isLatest:
		qt = models.QueryLatest
	case isDeepDive:
		qt = models.QueryDeepDive
	}

	words := strings.Fields(q)
	complexity := models.ComplexityComplex
	switch {
	case len(words) <= 2:
		complexity = models.ComplexitySimple
	case len(words) <= 5:
		complexity = models.ComplexityMedium
	}
	if multiAspect && complexity == models.ComplexitySimple {
		complexity = models.ComplexityMedium
	}

	analysis := models.QueryAnalysis{
		Query:       q,
		QueryType:   qt,
		Complexity:  complexity,
		Entities:    extractEntities(words),
		Intent:      inferIntent(lower),
		Confidence:  min(0.6+0.1*float64(signals), 0.9),
		Keywords:    extractKeywords(words),
		MultiAspect: multiAspect,
		Source:      models.AnalysisSourceRules,
	}
	analysis.SuggestedRefinements = a.suggestRefinements(q, qt)
	analysis.RequiresMultipleSearches = complexity != models.ComplexitySimple ||
		qt == models.QueryComparison || qt == models.QueryDeepDive || multiAspect
	return analysis
}

func inferIntent(lower string) string {
	has := func(words ...string) bool {
		return lo.SomeBy(words, func(w string) bool { return strings.Contains(lower, w) })
	}
	switch {
	case has("如何", "怎么", "方法"):
		return models.IntentHowTo
	case has("什么是", "定义", "含义"):
		return models.IntentDefinition
	case has("最新", "最近", "新闻"):
		return models.IntentLatestInfo
	case has("对比", "比较", "区别", " vs "):
		return models.IntentComparison
	default:
		return models.IntentInformationSeeker
	}
}

// extractEntities keeps capitalised tokens longer than one character, in order.
func extractEntities(words []string) []string {
	var out []string
	for _, w := range words {
		w = trimPunct(w)
		r := []rune(w)
		if len(r) > 1 && unicode.IsUpper(r[0]) {
			out = append(out, w)
		}
	}
	return lo.Uniq(out)
}

func extractKeywords(words []string) []string {
	var out []string
	for _, w := range words {
		w = strings.ToLower(trimPunct(w))
		if _, stop := stopWords[w]; stop || len([]rune(w)) < 2 {
			continue
		}
		out = append(out, w)
	}
	return lo.Uniq(out)
}

func trimPunct(w string) string {
	return strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
}

func (a *RuleAnalyzer) suggestRefinements(q string, qt models.QueryType) []string {
	switch qt {
	case models.QueryComparison:
		return []string{q + " 优缺点", q + " 详细对比", q + " 选择建议"}
	case models.QueryTutorial:
		return []string{q + " 详细步骤", q + " 实例", q + " 注意事项"}
	case models.QueryLatest:
		return []string{fmt.Sprintf("%s %d", q, a.now().Year()), q + " 最新发展", q + " 趋势分析"}
	case models.QueryDeepDive:
		return []string{q + " 原理", q + " 发展历程", q + " 案例分析"}
	}
	return nil
}
