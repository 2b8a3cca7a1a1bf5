package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/util"
)

var synonyms = map[string][]string{
	"人工智能": {"AI", "机器学习", "深度学习"},
	"教程":   {"指南", "学习", "入门"},
	"应用":   {"使用", "实践", "案例"},
	"方法":   {"技巧", "策略", "方式"},
	"对比":   {"比较", "区别", "差异"},
}

// synonymKeys fixes iteration order so rewrites are deterministic.
var synonymKeys = func() []string {
	keys := make([]string, 0, len(synonyms))
	for k := range synonyms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}()

const maxNumberedSuffix = 20

// RefineQuery rewrites a step query after a low-confidence result. The
// candidates are tried in order: an entity the query lacks, a synonym
// substitution, a suggested refinement, a keyword from the best result
// title, and finally a numbered suffix. A query already in tried is never
// returned.
func RefineQuery(current string, analysis models.QueryAnalysis, tried []string, best []models.ResultItem) (string, bool) {
	usable := func(c string) bool {
		c = strings.TrimSpace(c)
		return c != "" && !strings.EqualFold(c, strings.TrimSpace(current)) && !util.ContainsFold(tried, c)
	}
	lower := strings.ToLower(current)

	for _, e := range analysis.Entities {
		if strings.Contains(lower, strings.ToLower(e)) {
			continue
		}
		if c := current + " " + e; usable(c) {
			return c, true
		}
	}

	for _, word := range synonymKeys {
		if !strings.Contains(current, word) {
			continue
		}
		for _, syn := range synonyms[word] {
			if c := strings.Replace(current, word, syn, 1); usable(c) {
				return c, true
			}
		}
	}

	for _, s := range analysis.SuggestedRefinements {
		if usable(s) {
			return s, true
		}
	}

	queryTerms := util.Terms(current)
	for _, r := range best {
		for _, w := range strings.Fields(r.Title) {
			w = trimPunct(w)
			if len([]rune(w)) < 2 || util.ContainsFold(queryTerms, w) {
				continue
			}
			if _, stop := stopWords[strings.ToLower(w)]; stop {
				continue
			}
			if c := current + " " + w; usable(c) {
				return c, true
			}
		}
	}

	for n := 2; n <= maxNumberedSuffix; n++ {
		if c := fmt.Sprintf("%s 相关资料%d", current, n); usable(c) {
			return c, true
		}
	}
	return "", false
}
