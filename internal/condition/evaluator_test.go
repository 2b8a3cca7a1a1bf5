package condition

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/LBatsoft/e-websearch/internal/models"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func plan(strategy models.Strategy, types ...models.StepType) *models.ExecutionPlan {
	p := &models.ExecutionPlan{ID: "p1", Version: 1, Strategy: strategy}
	for i, t := range types {
		p.Steps = append(p.Steps, models.Step{ID: fmt.Sprintf("step-%d", i+1), Type: t, Query: "q"})
	}
	return p
}

func state(p *models.ExecutionPlan, completed ...string) *models.ExecutionState {
	req := models.DefaultRequest()
	req.Query = "q"
	return &models.ExecutionState{
		SessionID:      "s1",
		Status:         models.StatusRunning,
		Request:        req,
		CurrentPlan:    p,
		CompletedSteps: completed,
		StartedAt:      now.Add(-10 * time.Second),
		Deadline:       now.Add(290 * time.Second),
	}
}

func results(n int) []models.ResultItem {
	out := make([]models.ResultItem, n)
	for i := range out {
		out[i] = models.ResultItem{URL: fmt.Sprintf("https://r/%d", i)}
	}
	return out
}

func TestRefineOnLowConfidence(t *testing.T) {
	st := state(plan(models.StrategyIterative, models.StepSearch, models.StepSearch, models.StepSummarize), "step-1")
	st.Request.ConfidenceThreshold = 0.9
	st.IterationCount = 1

	d := NewEvaluator(Weights{}).Evaluate(Input{
		State:  st,
		Step:   st.CurrentPlan.Steps[0],
		Result: models.StepResult{StepID: "step-1", ConfidenceScore: 0.5},
		Now:    now,
	})
	assert.Equal(t, Refine, d.Kind)
}

func TestNoRefineWhenDisabled(t *testing.T) {
	st := state(plan(models.StrategyIterative, models.StepSearch, models.StepSearch), "step-1")
	st.Request.ConfidenceThreshold = 0.9
	st.Request.EnableRefinement = false

	for _, conf := range []float64{0, 0.1, 0.5, 0.89} {
		d := NewEvaluator(Weights{}).Evaluate(Input{State: st, Step: st.CurrentPlan.Steps[0], Result: models.StepResult{ConfidenceScore: conf}, Now: now})
		assert.NotEqual(t, Refine, d.Kind, "confidence %v", conf)
	}
}

func TestNoRefineAtIterationLimit(t *testing.T) {
	st := state(plan(models.StrategyIterative, models.StepSearch, models.StepSearch), "step-1")
	st.Request.ConfidenceThreshold = 0.9
	st.IterationCount = st.Request.MaxIterations

	d := NewEvaluator(Weights{}).Evaluate(Input{State: st, Step: st.CurrentPlan.Steps[0], Result: models.StepResult{ConfidenceScore: 0.1}, Now: now})
	assert.Equal(t, Continue, d.Kind)
}

func TestNoRefineForSummarize(t *testing.T) {
	st := state(plan(models.StrategyIterative, models.StepSearch, models.StepSummarize), "step-1", "step-2")
	d := NewEvaluator(Weights{}).Evaluate(Input{State: st, Step: st.CurrentPlan.Steps[1], Result: models.StepResult{ConfidenceScore: 0}, Now: now})
	assert.Equal(t, Stop, d.Kind)
	assert.Equal(t, models.StopSuccess, d.Reason)
}

func TestContinueWhileStepsRemain(t *testing.T) {
	st := state(plan(models.StrategyIterative, models.StepSearch, models.StepSearch), "step-1")
	d := NewEvaluator(Weights{}).Evaluate(Input{State: st, Step: st.CurrentPlan.Steps[0], Result: models.StepResult{ConfidenceScore: 0.95}, Now: now})
	assert.Equal(t, Continue, d.Kind)
}

func TestResultBudgetReached(t *testing.T) {
	st := state(plan(models.StrategyIterative, models.StepSearch, models.StepSearch, models.StepSummarize), "step-1")
	st.Request.TotalMaxResults = 5
	st.AccumulatedResults = results(5)

	d := NewEvaluator(Weights{}).Evaluate(Input{State: st, Step: st.CurrentPlan.Steps[0], Result: models.StepResult{ConfidenceScore: 0.95}, Now: now})
	assert.Equal(t, SummarizeNow, d.Kind)

	st = state(plan(models.StrategyIterative, models.StepSearch, models.StepSearch), "step-1")
	st.Request.TotalMaxResults = 5
	st.AccumulatedResults = results(5)
	d = NewEvaluator(Weights{}).Evaluate(Input{State: st, Step: st.CurrentPlan.Steps[0], Result: models.StepResult{ConfidenceScore: 0.95}, Now: now})
	assert.Equal(t, Stop, d.Kind)
	assert.Equal(t, models.StopBudgetExhausted, d.Reason)
}

func TestStopAfterLastStep(t *testing.T) {
	st := state(plan(models.StrategySimple, models.StepSearch), "step-1")
	d := NewEvaluator(Weights{}).Evaluate(Input{State: st, Step: st.CurrentPlan.Steps[0], Result: models.StepResult{ConfidenceScore: 0.95}, Now: now})
	assert.Equal(t, Stop, d.Kind)
	assert.Equal(t, models.StopSuccess, d.Reason)
}

func TestDeadlineStops(t *testing.T) {
	st := state(plan(models.StrategyIterative, models.StepSearch, models.StepSearch), "step-1")
	d := NewEvaluator(Weights{}).Evaluate(Input{State: st, Step: st.CurrentPlan.Steps[0], Result: models.StepResult{ConfidenceScore: 0.1}, Now: st.Deadline})
	assert.Equal(t, Stop, d.Kind)
	assert.Equal(t, models.StopTimeout, d.Reason)
}

func adaptiveState(newUnique, returned, accumulated int) (*models.ExecutionState, Input) {
	st := state(plan(models.StrategyAdaptive, models.StepSearch, models.StepSearch, models.StepSearch, models.StepSummarize), "step-1", "step-2")
	st.Request.TotalMaxResults = 20
	st.AccumulatedResults = results(accumulated)
	st.StepHistory = []models.StepRecord{{StepID: "step-2", Returned: returned, NewUnique: newUnique}}
	in := Input{
		State:  st,
		Step:   st.CurrentPlan.Steps[1],
		Result: models.StepResult{StepID: "step-2", ConfidenceScore: 0.8, Results: results(returned)},
		Now:    now,
	}
	return st, in
}

func TestAdaptiveSummarizesOnDiminishingReturns(t *testing.T) {
	// gain 0, coverage 19/20, budget min(290/300, 2/4) = 0.5
	_, in := adaptiveState(0, 10, 19)
	d := NewEvaluator(DefaultWeights()).Evaluate(in)
	assert.Equal(t, SummarizeNow, d.Kind)
	assert.InDelta(t, 0.3*(1-0.95)+0.2*0.5, d.Value, 1e-9)
}

func TestAdaptiveContinuesWhileNewResultsArrive(t *testing.T) {
	_, in := adaptiveState(8, 10, 8)
	d := NewEvaluator(DefaultWeights()).Evaluate(in)
	assert.Equal(t, Continue, d.Kind)
}

func TestAdaptiveIsDeterministic(t *testing.T) {
	_, in := adaptiveState(3, 10, 12)
	e := NewEvaluator(DefaultWeights())
	first := e.Evaluate(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Evaluate(in))
	}
}

func TestAdaptiveLowConfidenceStillRefines(t *testing.T) {
	_, in := adaptiveState(0, 10, 19)
	in.Result.ConfidenceScore = 0.2
	d := NewEvaluator(DefaultWeights()).Evaluate(in)
	assert.Equal(t, Refine, d.Kind)
}
