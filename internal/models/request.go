package models

import (
	"fmt"
	"strings"
	"time"
)

// Request limits
const (
	MinIterations          = 1
	MaxIterationsLimit     = 10
	MinResultsPerIteration = 1
	MaxResultsPerIteration = 50
	MinTotalResults        = 1
	MaxTotalResults        = 200
	MinTimeoutSeconds      = 30
	MaxTimeoutSeconds      = 1800
	MaxQueryLength         = 1000
)

// SearchRequest is the recognised request configuration of a session.
// Decoding into a copy of DefaultRequest() keeps defaults for absent fields.
type SearchRequest struct {
	Query                       string            `json:"query" mapstructure:"query"`
	MaxIterations               int               `json:"max_iterations" mapstructure:"max_iterations"`
	MaxResultsPerIteration      int               `json:"max_results_per_iteration" mapstructure:"max_results_per_iteration"`
	TotalMaxResults             int               `json:"total_max_results" mapstructure:"total_max_results"`
	Sources                     []SourceType      `json:"sources" mapstructure:"sources"`
	IncludeContent              bool              `json:"include_content" mapstructure:"include_content"`
	EnableRefinement            bool              `json:"enable_refinement" mapstructure:"enable_refinement"`
	ConfidenceThreshold         float64           `json:"confidence_threshold" mapstructure:"confidence_threshold"`
	PlanningStrategy            string            `json:"planning_strategy,omitempty" mapstructure:"planning_strategy"`
	EnableTracing               bool              `json:"enable_tracing" mapstructure:"enable_tracing"`
	EnablePerformanceMonitoring bool              `json:"enable_performance_monitoring" mapstructure:"enable_performance_monitoring"`
	TimeoutSeconds              int               `json:"timeout" mapstructure:"timeout"`
	Language                    string            `json:"llm_language" mapstructure:"llm_language"`
	Context                     map[string]string `json:"context,omitempty" mapstructure:"-"`
}

// DefaultRequest returns the built-in request defaults.
func DefaultRequest() SearchRequest {
	return SearchRequest{
		MaxIterations:               3,
		MaxResultsPerIteration:      10,
		TotalMaxResults:             50,
		Sources:                     []SourceType{SourceBing},
		EnableRefinement:            true,
		ConfidenceThreshold:         0.7,
		EnableTracing:               true,
		EnablePerformanceMonitoring: true,
		TimeoutSeconds:              300,
		Language:                    "zh",
	}
}

// Timeout returns the session deadline length.
func (r SearchRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// StrategyOverride returns the explicitly requested strategy, if any.
func (r SearchRequest) StrategyOverride() (Strategy, bool) {
	if r.PlanningStrategy == "" {
		return "", false
	}
	return ParseStrategy(strings.ToLower(r.PlanningStrategy))
}

// Validate checks every field and returns all violations at once.
func (r SearchRequest) Validate() error {
	var errs ValidationErrors
	q := strings.TrimSpace(r.Query)
	switch {
	case q == "":
		errs = append(errs, &ValidationError{Field: "query", Message: "must not be empty"})
	case len([]rune(q)) > MaxQueryLength:
		errs = append(errs, &ValidationError{Field: "query", Message: fmt.Sprintf("must be at most %d characters", MaxQueryLength)})
	}
	errs = appendRange(errs, "max_iterations", r.MaxIterations, MinIterations, MaxIterationsLimit)
	errs = appendRange(errs, "max_results_per_iteration", r.MaxResultsPerIteration, MinResultsPerIteration, MaxResultsPerIteration)
	errs = appendRange(errs, "total_max_results", r.TotalMaxResults, MinTotalResults, MaxTotalResults)
	errs = appendRange(errs, "timeout", r.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		errs = append(errs, &ValidationError{Field: "confidence_threshold", Message: "must be within [0.0, 1.0]"})
	}
	if r.PlanningStrategy != "" {
		if _, ok := r.StrategyOverride(); !ok {
			errs = append(errs, &ValidationError{Field: "planning_strategy", Message: fmt.Sprintf("unknown strategy %q", r.PlanningStrategy)})
		}
	}
	if len(r.Sources) == 0 {
		errs = append(errs, &ValidationError{Field: "sources", Message: "at least one source is required"})
	}
	for _, s := range r.Sources {
		if !KnownSource(s) {
			errs = append(errs, &ValidationError{Field: "sources", Message: fmt.Sprintf("unknown source %q", s)})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func appendRange(errs ValidationErrors, field string, v, lo, hi int) ValidationErrors {
	if v < lo || v > hi {
		return append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("must be within [%d, %d], got %d", lo, hi, v)})
	}
	return errs
}
