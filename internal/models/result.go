package models

import "time"

// SourceType names a search provider
type SourceType string

const (
	SourceBing    SourceType = "bing"
	SourceZai     SourceType = "zai"
	SourceWechat  SourceType = "wechat"
	SourceZhihu   SourceType = "zhihu"
	SourceBaidu   SourceType = "baidu"
	SourceSearXNG SourceType = "searxng"
	SourceCustom  SourceType = "custom"
)

var knownSources = map[SourceType]struct{}{
	SourceBing: {}, SourceZai: {}, SourceWechat: {}, SourceZhihu: {},
	SourceBaidu: {}, SourceSearXNG: {}, SourceCustom: {},
}

// KnownSource reports whether s is a recognised source type.
func KnownSource(s SourceType) bool {
	_, ok := knownSources[s]
	return ok
}

// ResultItem is a single search hit. URL is the identity key.
type ResultItem struct {
	URL            string     `json:"url"`
	Title          string     `json:"title"`
	Snippet        string     `json:"snippet"`
	Content        string     `json:"content,omitempty"`
	Source         SourceType `json:"source"`
	RelevanceScore float64    `json:"relevance_score"`
	FoundInStep    string     `json:"found_in_step"`
	StepType       StepType   `json:"step_type"`
	Citations      []string   `json:"citations,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
}

// StepResult is the outcome of executing one step. Errors never escape the
// engine as Go errors; they are carried here as messages.
type StepResult struct {
	StepID          string        `json:"step_id"`
	StepType        StepType      `json:"step_type"`
	Query           string        `json:"query"`
	Results         []ResultItem  `json:"results"`
	ConfidenceScore float64       `json:"confidence_score"`
	ExecutionTime   time.Duration `json:"execution_time"`
	Attempts        int           `json:"attempts"`
	FromCache       bool          `json:"from_cache"`
	Summary         string        `json:"summary,omitempty"`
	Tags            []string      `json:"tags,omitempty"`
	// Rejected holds URLs a validate step filtered out of the accumulated set.
	Rejected []string `json:"rejected,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	TimedOut bool     `json:"timed_out,omitempty"`
}

// Failed reports whether the step produced nothing usable.
func (r StepResult) Failed() bool {
	return len(r.Errors) > 0 && len(r.Results) == 0 && r.Summary == "" && len(r.Tags) == 0
}
