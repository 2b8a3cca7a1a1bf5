package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/LBatsoft/e-websearch/internal/condition"
	"github.com/LBatsoft/e-websearch/internal/engine"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/planner"
	"github.com/LBatsoft/e-websearch/internal/state"
	"github.com/LBatsoft/e-websearch/internal/streaming"
	"github.com/LBatsoft/e-websearch/internal/tools"
)

type fakePlanner struct {
	plan    *models.ExecutionPlan
	err     error
	refines atomic.Int32
	rewrite func(step models.Step) (string, bool)
}

func (f *fakePlanner) Plan(context.Context, models.SearchRequest, time.Duration) (planner.Result, error) {
	if f.err != nil {
		return planner.Result{}, f.err
	}
	return planner.Result{Plan: f.plan.Clone(), Analysis: models.QueryAnalysis{QueryType: models.QueryGeneral}}, nil
}

func (f *fakePlanner) Refine(plan *models.ExecutionPlan, step models.Step, _ models.QueryAnalysis, _ []string, _ []models.ResultItem) (*models.ExecutionPlan, string, bool, error) {
	if f.rewrite == nil {
		return nil, "", false, nil
	}
	q, ok := f.rewrite(step)
	if !ok {
		return nil, "", false, nil
	}
	f.refines.Add(1)
	next := plan.Clone()
	next.ID = fmt.Sprintf("%s-r%d", plan.ID, f.refines.Load())
	next.ParentID = plan.ID
	next.Version = plan.Version + 1
	for i := range next.Steps {
		if next.Steps[i].ID == step.ID {
			next.Steps[i].Type = models.StepRefine
			next.Steps[i].Query = q
		}
	}
	return next, q, true, nil
}

// fakeExecutor records the steps it saw.
type fakeExecutor struct {
	mu      sync.Mutex
	started []string
	fn      func(ctx context.Context, in engine.Input) models.StepResult
}

func (f *fakeExecutor) Execute(ctx context.Context, in engine.Input) models.StepResult {
	f.mu.Lock()
	f.started = append(f.started, in.Step.ID)
	f.mu.Unlock()
	return f.fn(ctx, in)
}

func (f *fakeExecutor) steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func searchPlan(n int) *models.ExecutionPlan {
	p := &models.ExecutionPlan{ID: "plan-1", Version: 1, Query: "q", Strategy: models.StrategyIterative}
	for i := 1; i <= n; i++ {
		p.Steps = append(p.Steps, models.Step{
			ID:         fmt.Sprintf("step-%d", i),
			Type:       models.StepSearch,
			Query:      fmt.Sprintf("query %d", i),
			MaxResults: 10,
			TimeBudget: time.Second,
		})
	}
	return p
}

func resultsFor(in engine.Input, n int, conf float64) models.StepResult {
	res := models.StepResult{
		StepID:          in.Step.ID,
		StepType:        in.Step.Type,
		Query:           in.Step.Query,
		ConfidenceScore: conf,
		ExecutionTime:   time.Millisecond,
		Attempts:        1,
	}
	for i := 0; i < n; i++ {
		res.Results = append(res.Results, models.ResultItem{
			URL:         fmt.Sprintf("https://example.com/%s/%s/%d", in.Step.ID, in.Step.Query, i),
			Title:       "title",
			Source:      models.SourceBing,
			FoundInStep: in.Step.ID,
		})
	}
	return res
}

func failedFor(ctx context.Context, in engine.Input) models.StepResult {
	msg := "search failed after 3 attempt(s)"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "step timed out"
	} else if ctx.Err() != nil {
		msg = "step cancelled"
	}
	return models.StepResult{StepID: in.Step.ID, StepType: in.Step.Type, Query: in.Step.Query, Errors: []string{msg}}
}

func testRequest() models.SearchRequest {
	req := models.DefaultRequest()
	req.Query = "ChatGPT vs Claude 对比分析"
	return req
}

func newTestOrchestrator(t *testing.T, cfg Config, p Planner, exec StepExecutor) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	states := state.NewManager(logger)
	traces := streaming.NewManager(streaming.DefaultOptions(), nil, logger)
	o, err := New(cfg, p, exec, states, traces, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
		states.Close()
	})
	return o
}

func wait(t *testing.T, o *Orchestrator, id string) models.ExecutionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return st
}

func eventTypes(events []models.TraceEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func countType(events []models.TraceEvent, typ string) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestSessionCompletesAllSteps(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, in engine.Input) models.StepResult {
		return resultsFor(in, 5, 0.9)
	}}
	o := newTestOrchestrator(t, Config{}, &fakePlanner{plan: searchPlan(3)}, exec)

	id, err := o.CreateSession(testRequest())
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, models.StopSuccess, st.StopReason)
	assert.Len(t, st.AccumulatedResults, 15)
	assert.Equal(t, []string{"step-1", "step-2", "step-3"}, st.CompletedSteps)
	assert.Equal(t, 0, st.IterationCount)
	assert.False(t, st.FinishedAt.IsZero())

	events, err := o.GetTrace(context.Background(), id)
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Equal(t, models.EventSessionStart, types[0])
	assert.Equal(t, models.EventSessionEnd, types[len(types)-1])
	assert.Contains(t, types, models.EventPlanCreated)
	assert.Equal(t, 3, countType(events, models.EventStepStart))
	assert.Equal(t, 3, countType(events, models.EventStepComplete))
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}

	m, err := o.GetMetrics(id)
	require.NoError(t, err)
	assert.Len(t, m.StepTimings, 3)
	assert.Equal(t, 3, m.TotalSearches)
}

func TestLowConfidenceStepIsRefined(t *testing.T) {
	var calls atomic.Int32
	exec := &fakeExecutor{fn: func(_ context.Context, in engine.Input) models.StepResult {
		if in.Step.ID == "step-1" && calls.Add(1) == 1 {
			return resultsFor(in, 3, 0.4)
		}
		return resultsFor(in, 5, 0.85)
	}}
	p := &fakePlanner{plan: searchPlan(2), rewrite: func(s models.Step) (string, bool) {
		return s.Query + " 详细", true
	}}
	o := newTestOrchestrator(t, Config{}, p, exec)

	id, err := o.CreateSession(testRequest())
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, 1, st.IterationCount)
	assert.Len(t, st.PlanVersions, 2)
	assert.Equal(t, []string{"step-1", "step-1", "step-2"}, exec.steps())
	assert.Len(t, st.AccumulatedResults, 3+5+5)

	events := o.traces.Events(id)
	var refine *models.TraceEvent
	for i := range events {
		if events[i].Type == models.EventRefine {
			refine = &events[i]
		}
	}
	require.NotNil(t, refine)
	assert.Equal(t, "step-1", refine.Payload["step_id"])
	assert.Equal(t, "query 1 详细", refine.Payload["to_query"])
	assert.Equal(t, 1, refine.Payload["iteration"])
}

func TestRefinementStopsAtIterationLimit(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, in engine.Input) models.StepResult {
		return resultsFor(in, 2, 0.2)
	}}
	p := &fakePlanner{plan: searchPlan(1), rewrite: func(s models.Step) (string, bool) {
		return s.Query + "+", true
	}}
	o := newTestOrchestrator(t, Config{}, p, exec)

	req := testRequest()
	req.MaxIterations = 2
	id, err := o.CreateSession(req)
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, 2, st.IterationCount)
	assert.Len(t, exec.steps(), 3)
}

func TestDeadlineReturnsPartialResults(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, in engine.Input) models.StepResult {
		if in.Step.ID == "step-1" {
			return resultsFor(in, 4, 0.9)
		}
		<-ctx.Done()
		return failedFor(ctx, in)
	}}
	o := newTestOrchestrator(t, Config{}, &fakePlanner{plan: searchPlan(3)}, exec)

	id, err := o.start(testRequest(), time.Now().Add(200*time.Millisecond))
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusTimedOut, st.Status)
	assert.Equal(t, models.StopTimeout, st.StopReason)
	assert.Contains(t, st.Warnings, state.TimeoutWarning)
	assert.Len(t, st.AccumulatedResults, 4)
	assert.Equal(t, []string{"step-1"}, st.CompletedSteps)

	events := o.traces.Events(id)
	assert.Equal(t, 1, countType(events, models.EventTimeout))
	assert.Equal(t, models.EventSessionEnd, events[len(events)-1].Type)
}

// slowSearch answers after delay unless the context ends first.
type slowSearch struct {
	delay time.Duration
}

func (s slowSearch) Search(ctx context.Context, query string, _ []models.SourceType, _ int, _ bool) (tools.SearchResponse, error) {
	select {
	case <-time.After(s.delay):
		return tools.SearchResponse{Items: []models.ResultItem{{URL: "https://slow.example/" + query, Title: query}}}, nil
	case <-ctx.Done():
		return tools.SearchResponse{}, ctx.Err()
	}
}

func TestSlowToolEndsSessionTimedOut(t *testing.T) {
	logger := zaptest.NewLogger(t)
	exec := engine.New(engine.Config{}, engine.Tools{Search: slowSearch{delay: 10 * time.Second}}, nil, nil, logger)
	o := newTestOrchestrator(t, Config{}, planner.New(nil, nil, logger), exec)

	req := testRequest()
	req.PlanningStrategy = string(models.StrategyIterative)
	start := time.Now()
	id, err := o.start(req, start.Add(2*time.Second))
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusTimedOut, st.Status)
	assert.Equal(t, models.StopTimeout, st.StopReason)
	assert.Contains(t, st.Warnings, state.TimeoutWarning)
	assert.Empty(t, st.AccumulatedResults)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
	for _, e := range st.Errors {
		assert.NotContains(t, e, "consecutive step failures")
	}
	require.NotNil(t, st.CurrentPlan)
	budget := st.CurrentPlan.Steps[0].TimeBudget
	require.NotEmpty(t, st.StepHistory)
	for _, rec := range st.StepHistory {
		if rec.StepType != models.StepSearch {
			continue
		}
		assert.True(t, rec.TimedOut, rec.StepID)
		assert.LessOrEqual(t, rec.Duration, budget+500*time.Millisecond)
	}
	assert.Greater(t, st.IterationCount, 0)
}

// blockingPlanner never finishes planning on its own.
type blockingPlanner struct {
	fakePlanner
}

func (b *blockingPlanner) Plan(ctx context.Context, _ models.SearchRequest, _ time.Duration) (planner.Result, error) {
	<-ctx.Done()
	return planner.Result{}, ctx.Err()
}

func TestCancelBeforePlanningEndsPromptly(t *testing.T) {
	o := newTestOrchestrator(t, Config{CancelGrace: time.Minute}, &blockingPlanner{}, &fakeExecutor{})

	for i := 0; i < 20; i++ {
		id, err := o.CreateSession(testRequest())
		require.NoError(t, err)
		require.NoError(t, o.Cancel(id))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		st, err := o.Wait(ctx, id)
		cancel()
		require.NoError(t, err, "run %d", i)
		assert.Equal(t, models.StatusCancelled, st.Status, "run %d", i)
		assert.Equal(t, models.StopCancelled, st.StopReason)
		assert.Empty(t, st.StepHistory)
	}
}

func TestCancelDuringStep(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, in engine.Input) models.StepResult {
		if in.Step.ID != "step-2" {
			return resultsFor(in, 3, 0.9)
		}
		close(started)
		<-ctx.Done()
		return failedFor(ctx, in)
	}}
	o := newTestOrchestrator(t, Config{}, &fakePlanner{plan: searchPlan(3)}, exec)

	id, err := o.CreateSession(testRequest())
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step-2 never started")
	}
	require.NoError(t, o.Cancel(id))
	st := wait(t, o, id)

	assert.Equal(t, models.StatusCancelled, st.Status)
	assert.Equal(t, models.StopCancelled, st.StopReason)
	assert.Len(t, st.AccumulatedResults, 3)
	assert.NotContains(t, exec.steps(), "step-3")

	events := o.traces.Events(id)
	var transitions []string
	for _, e := range events {
		if e.Type == models.EventStateChange {
			transitions = append(transitions, fmt.Sprintf("%s->%s", e.Payload["from"], e.Payload["to"]))
		}
	}
	assert.Contains(t, transitions, "running->cancelling")
	assert.Contains(t, transitions, "cancelling->cancelled")
	assert.Equal(t, 1, countType(events, models.EventCancel))

	// cancelling twice is a no-op
	assert.NoError(t, o.Cancel(id))
}

func TestCancelUnknownSession(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, &fakePlanner{plan: searchPlan(1)}, &fakeExecutor{})
	err := o.Cancel("missing")
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
}

func TestConsecutiveFailuresFailSession(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, in engine.Input) models.StepResult {
		return failedFor(ctx, in)
	}}
	o := newTestOrchestrator(t, Config{ConsecutiveFailureThreshold: 2}, &fakePlanner{plan: searchPlan(4)}, exec)

	req := testRequest()
	req.EnableRefinement = false
	id, err := o.CreateSession(req)
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Equal(t, models.StopFailed, st.StopReason)
	assert.Equal(t, []string{"step-1", "step-2", "step-3"}, exec.steps())
	assert.NotEmpty(t, st.Errors)
}

func TestPlanningFailureFailsSession(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, &fakePlanner{err: &models.PlanningError{Reason: "no steps"}}, &fakeExecutor{})

	id, err := o.CreateSession(testRequest())
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Nil(t, st.CurrentPlan)
	assert.Equal(t, 1, countType(o.traces.Events(id), models.EventError))
}

func TestValidationErrorIsSynchronous(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, &fakePlanner{plan: searchPlan(1)}, &fakeExecutor{})

	req := testRequest()
	req.Query = "  "
	id, err := o.CreateSession(req)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
	assert.Empty(t, id)
	assert.Empty(t, o.states.IDs())
}

func TestParallelStageRunsBehindBarrier(t *testing.T) {
	var (
		running atomic.Int32
		peak    atomic.Int32
		mu      sync.Mutex
		order   []string
	)
	exec := &fakeExecutor{fn: func(_ context.Context, in engine.Input) models.StepResult {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		mu.Lock()
		order = append(order, in.Step.ID)
		mu.Unlock()
		return resultsFor(in, 2, 0.9)
	}}

	plan := searchPlan(4)
	plan.Strategy = models.StrategyParallel
	for i := 0; i < 3; i++ {
		plan.Steps[i].Group = "aspects"
	}
	plan.Steps[3].Type = models.StepSummarize

	o := newTestOrchestrator(t, Config{MaxConcurrency: 2}, &fakePlanner{plan: plan}, exec)
	id, err := o.CreateSession(testRequest())
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.Len(t, order, 4)
	assert.Equal(t, "step-4", order[3])
	assert.Len(t, st.CompletedSteps, 4)
}

func TestResultBudgetSummarizesEarly(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, in engine.Input) models.StepResult {
		if in.Step.Type == models.StepSummarize {
			return models.StepResult{StepID: in.Step.ID, StepType: in.Step.Type, Summary: "summary", ConfidenceScore: 0.8}
		}
		return resultsFor(in, 10, 0.9)
	}}
	plan := searchPlan(4)
	plan.Steps[3].Type = models.StepSummarize

	o := newTestOrchestrator(t, Config{}, &fakePlanner{plan: plan}, exec)
	req := testRequest()
	req.TotalMaxResults = 10
	id, err := o.CreateSession(req)
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, models.StopBudgetExhausted, st.StopReason)
	assert.Equal(t, "summary", st.Summary)
	assert.Equal(t, []string{"step-1", "step-4"}, exec.steps())
	assert.Len(t, st.AccumulatedResults, 10)
}

func TestImplicitSynthesis(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, in engine.Input) models.StepResult {
		if in.Step.Type == models.StepSummarize {
			return models.StepResult{StepID: in.Step.ID, StepType: in.Step.Type, Summary: "synth"}
		}
		return resultsFor(in, 2, 0.9)
	}}
	o := newTestOrchestrator(t, Config{ImplicitSynthesis: true}, &fakePlanner{plan: searchPlan(1)}, exec)

	id, err := o.CreateSession(testRequest())
	require.NoError(t, err)
	st := wait(t, o, id)

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, "synth", st.Summary)
	assert.Equal(t, []string{"step-1", synthesisStepID}, exec.steps())
}

func TestTracingDisabledRecordsNothing(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, in engine.Input) models.StepResult {
		return resultsFor(in, 1, 0.9)
	}}
	o := newTestOrchestrator(t, Config{}, &fakePlanner{plan: searchPlan(1)}, exec)

	req := testRequest()
	req.EnableTracing = false
	id, err := o.CreateSession(req)
	require.NoError(t, err)
	wait(t, o, id)

	events, err := o.GetTrace(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSweepEvictsFinishedSessions(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, in engine.Input) models.StepResult {
		return resultsFor(in, 1, 0.9)
	}}
	o := newTestOrchestrator(t, Config{Retention: time.Nanosecond}, &fakePlanner{plan: searchPlan(1)}, exec)

	id, err := o.CreateSession(testRequest())
	require.NoError(t, err)
	wait(t, o, id)
	time.Sleep(time.Millisecond)

	o.sweep()

	_, err = o.GetStatus(id)
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
	_, err = o.GetTrace(context.Background(), id)
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
}

func TestUpdateWeightsAndDefaults(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, &fakePlanner{plan: searchPlan(1)}, &fakeExecutor{})

	o.UpdateWeights(condition.Weights{Gain: 1, Floor: 0.5})
	assert.Equal(t, 0.5, o.evaluator.Load().Weights().Floor)

	d := o.Defaults()
	d.MaxIterations = 5
	o.UpdateDefaults(d)
	assert.Equal(t, 5, o.Defaults().MaxIterations)
}
