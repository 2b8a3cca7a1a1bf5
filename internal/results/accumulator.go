// Package results merges step results into a session's deduplicated,
// score-capped result set.
package results

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/LBatsoft/e-websearch/internal/models"
)

type entry struct {
	item    models.ResultItem
	arrival int
}

// provenance is where a key was first seen.
type provenance struct {
	stepID   string
	stepType models.StepType
}

// AddOutcome reports what one Add call did to the set.
type AddOutcome struct {
	NewUnique int `json:"new_unique"`
	Merged    int `json:"merged"`
	Dropped   int `json:"dropped"`
	Evicted   int `json:"evicted"`
}

// Accumulator holds at most Cap items keyed by normalized URL. On duplicate
// the earliest occurrence keeps its provenance and the highest score wins.
// When full, an incoming item displaces the lowest-scored item only if it
// scores higher. A URL that is evicted and later re-admitted keeps the
// step that first reported it. It is not safe for concurrent use; the
// state manager's writer goroutine is its only caller.
type Accumulator struct {
	cap     int
	arrival int
	entries map[string]*entry
	first   map[string]provenance
}

// NewAccumulator creates an accumulator capped at limit items.
func NewAccumulator(limit int) *Accumulator {
	if limit < 1 {
		limit = 1
	}
	return &Accumulator{cap: limit, entries: make(map[string]*entry), first: make(map[string]provenance)}
}

// Add folds the items reported by one step.
func (a *Accumulator) Add(stepID string, stepType models.StepType, items []models.ResultItem) AddOutcome {
	var out AddOutcome
	for _, it := range items {
		if strings.TrimSpace(it.URL) == "" {
			out.Dropped++
			continue
		}
		key := dedupKey(it.URL)
		if existing, ok := a.entries[key]; ok {
			if it.RelevanceScore > existing.item.RelevanceScore {
				existing.item.RelevanceScore = it.RelevanceScore
			}
			existing.item.Citations = lo.Uniq(append(existing.item.Citations, it.Citations...))
			if existing.item.Snippet == "" {
				existing.item.Snippet = it.Snippet
			}
			if existing.item.Content == "" {
				existing.item.Content = it.Content
			}
			out.Merged++
			continue
		}

		if len(a.entries) >= a.cap {
			victimKey, victim := a.lowest()
			if victim == nil || it.RelevanceScore <= victim.item.RelevanceScore {
				out.Dropped++
				continue
			}
			delete(a.entries, victimKey)
			out.Evicted++
		}

		prov, seen := a.first[key]
		if !seen {
			prov = provenance{stepID: stepID, stepType: stepType}
			a.first[key] = prov
		}
		it.FoundInStep = prov.stepID
		it.StepType = prov.stepType
		it.Citations = lo.Uniq(it.Citations)
		a.arrival++
		a.entries[key] = &entry{item: it, arrival: a.arrival}
		out.NewUnique++
	}
	return out
}

// lowest returns the lowest-scored entry; among equal scores the latest arrival loses.
func (a *Accumulator) lowest() (string, *entry) {
	var (
		key string
		low *entry
	)
	for k, e := range a.entries {
		if low == nil ||
			e.item.RelevanceScore < low.item.RelevanceScore ||
			(e.item.RelevanceScore == low.item.RelevanceScore && e.arrival > low.arrival) {
			key, low = k, e
		}
	}
	return key, low
}

// Remove drops the given URLs from the set and returns how many were present.
func (a *Accumulator) Remove(urls []string) int {
	n := 0
	for _, u := range urls {
		key := dedupKey(u)
		if _, ok := a.entries[key]; ok {
			delete(a.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of unique items held.
func (a *Accumulator) Len() int { return len(a.entries) }

// Full reports whether the cap has been reached.
func (a *Accumulator) Full() bool { return len(a.entries) >= a.cap }

// Results returns the items ordered by descending score, then arrival.
func (a *Accumulator) Results() []models.ResultItem {
	list := lo.Values(a.entries)
	sort.Slice(list, func(i, j int) bool {
		if list[i].item.RelevanceScore != list[j].item.RelevanceScore {
			return list[i].item.RelevanceScore > list[j].item.RelevanceScore
		}
		return list[i].arrival < list[j].arrival
	})
	out := make([]models.ResultItem, len(list))
	for i, e := range list {
		out[i] = e.item
		out[i].Citations = append([]string(nil), e.item.Citations...)
	}
	return out
}
