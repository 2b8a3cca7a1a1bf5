package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() SearchRequest {
	r := DefaultRequest()
	r.Query = "ChatGPT vs Claude 对比分析"
	return r
}

func TestDefaultRequestIsValid(t *testing.T) {
	require.NoError(t, validRequest().Validate())
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*SearchRequest)
		field string
	}{
		{"empty query", func(r *SearchRequest) { r.Query = "   " }, "query"},
		{"iterations low", func(r *SearchRequest) { r.MaxIterations = 0 }, "max_iterations"},
		{"iterations high", func(r *SearchRequest) { r.MaxIterations = 11 }, "max_iterations"},
		{"per iteration high", func(r *SearchRequest) { r.MaxResultsPerIteration = 51 }, "max_results_per_iteration"},
		{"total high", func(r *SearchRequest) { r.TotalMaxResults = 201 }, "total_max_results"},
		{"threshold", func(r *SearchRequest) { r.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"timeout low", func(r *SearchRequest) { r.TimeoutSeconds = 5 }, "timeout"},
		{"timeout high", func(r *SearchRequest) { r.TimeoutSeconds = 1801 }, "timeout"},
		{"strategy", func(r *SearchRequest) { r.PlanningStrategy = "random" }, "planning_strategy"},
		{"source", func(r *SearchRequest) { r.Sources = []SourceType{"altavista"} }, "sources"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRequest()
			tc.mut(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, IsValidationError(err))

			var ves ValidationErrors
			require.True(t, errors.As(err, &ves))
			require.Len(t, ves, 1)
			assert.Equal(t, tc.field, ves[0].Field)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	r := validRequest()
	r.MaxIterations = 0
	r.TotalMaxResults = 0
	var ves ValidationErrors
	require.True(t, errors.As(r.Validate(), &ves))
	assert.Len(t, ves, 2)
}

func TestStrategyOverrideIsCaseInsensitive(t *testing.T) {
	r := validRequest()
	r.PlanningStrategy = "Iterative"
	s, ok := r.StrategyOverride()
	require.True(t, ok)
	assert.Equal(t, StrategyIterative, s)
}

func TestPlanStagesGroupsParallelSteps(t *testing.T) {
	p := &ExecutionPlan{Steps: []Step{
		{ID: "a", Group: "g1"},
		{ID: "b", Group: "g1"},
		{ID: "c"},
		{ID: "d", Group: "g2"},
	}}
	stages := p.Stages()
	require.Len(t, stages, 3)
	assert.Len(t, stages[0], 2)
	assert.Equal(t, "c", stages[1][0].ID)
	assert.Equal(t, "d", stages[2][0].ID)
}

func TestPlanCloneIsIndependent(t *testing.T) {
	p := &ExecutionPlan{ID: "p1", Steps: []Step{{ID: "a", Query: "q"}}}
	cp := p.Clone()
	cp.Steps[0].Query = "changed"
	assert.Equal(t, "q", p.Steps[0].Query)
}

func TestPerformanceScore(t *testing.T) {
	var m PerformanceMetrics
	m.ObserveStep(StepResult{StepID: "s1", StepType: StepSearch, ExecutionTime: 6 * time.Second, Attempts: 1})
	m.ObserveStep(StepResult{StepID: "s2", StepType: StepSearch, ExecutionTime: 6 * time.Second, FromCache: true})
	m.Finalize(40 * time.Second)

	assert.Equal(t, 2, m.TotalSearches)
	assert.Equal(t, 1, m.CacheHits)
	assert.Equal(t, 1, m.APICalls)
	assert.InDelta(t, 0.5, m.CacheHitRate, 1e-9)
	// -0.1 for avg step > 5s, -0.1 for duration > 30s
	assert.InDelta(t, 0.8, m.PerformanceScore, 1e-9)
}

func TestProgressAndRemaining(t *testing.T) {
	s := &ExecutionState{
		CurrentPlan:    &ExecutionPlan{Steps: []Step{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}},
		CompletedSteps: []string{"a"},
	}
	p := s.Progress()
	assert.Equal(t, 1, p.CompletedSteps)
	assert.Equal(t, 4, p.TotalSteps)
	assert.InDelta(t, 25.0, p.Percent, 1e-9)
	assert.Len(t, s.RemainingSteps(), 3)
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusCreated, StatusPlanning, StatusRunning, StatusRefining, StatusSummarizing, StatusCancelling} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestExecutionStateCloneIsDeep(t *testing.T) {
	s := &ExecutionState{
		SessionID:          "s1",
		Request:            DefaultRequest(),
		CurrentPlan:        &ExecutionPlan{ID: "p1", Steps: []Step{{ID: "step-1"}}},
		AccumulatedResults: []ResultItem{{URL: "https://a.com", Citations: []string{"[1]"}}},
		Errors:             []string{"e"},
	}
	cp := s.Clone()
	cp.CurrentPlan.Steps[0].Query = "changed"
	cp.AccumulatedResults[0].Citations[0] = "[2]"
	cp.Request.Sources[0] = SourceZhihu
	cp.Errors[0] = "x"

	assert.Empty(t, s.CurrentPlan.Steps[0].Query)
	assert.Equal(t, "[1]", s.AccumulatedResults[0].Citations[0])
	assert.Equal(t, SourceBing, s.Request.Sources[0])
	assert.Equal(t, "e", s.Errors[0])
}
