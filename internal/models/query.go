package models

// Query types recognised by the analyzer
type QueryType string

const (
	QueryComparison QueryType = "comparison"
	QueryTutorial   QueryType = "tutorial"
	QueryDeepDive   QueryType = "deep_dive"
	QueryLatest     QueryType = "latest"
	QueryGeneral    QueryType = "general"
)

// Complexity levels
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Intents
const (
	IntentHowTo             = "how_to"
	IntentDefinition        = "definition"
	IntentLatestInfo        = "latest_info"
	IntentComparison        = "comparison"
	IntentInformationSeeker = "information_seeking"
)

// Analysis sources
const (
	AnalysisSourceRules    = "rules"
	AnalysisSourceDelegate = "delegate"
)

// QueryAnalysis is the classification of a raw query. It is never mutated
// after the analyzer returns it.
type QueryAnalysis struct {
	Query                    string     `json:"query"`
	QueryType                QueryType  `json:"query_type"`
	Complexity               Complexity `json:"complexity"`
	Entities                 []string   `json:"entities"`
	Intent                   string     `json:"intent"`
	Confidence               float64    `json:"confidence"`
	Keywords                 []string   `json:"keywords,omitempty"`
	SuggestedRefinements     []string   `json:"suggested_refinements,omitempty"`
	RequiresMultipleSearches bool       `json:"requires_multiple_searches"`
	MultiAspect              bool       `json:"multi_aspect"`
	Source                   string     `json:"source"`
}
