package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/condition"
	"github.com/LBatsoft/e-websearch/internal/engine"
	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/state"
	"github.com/LBatsoft/e-websearch/internal/tracing"
	"github.com/LBatsoft/e-websearch/internal/util"
)

// synthesisStepID names the summarize step added to plans without one.
const synthesisStepID = "synthesis"

// drive runs one session from planning to a terminal status.
func (o *Orchestrator) drive(ctx context.Context, id string, req models.SearchRequest) {
	ctx, span := tracing.StartSessionSpan(ctx, id, req.PlanningStrategy)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Session loop panic", zap.String("session_id", id), zap.Any("panic", r))
			o.transition(id, state.Event{Type: state.EventFail, Err: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	if !o.transition(id, state.Event{Type: state.EventPlan}) {
		o.interrupted(ctx, id)
		return
	}
	snap, err := o.states.Snapshot(id)
	if err != nil {
		return
	}
	res, err := o.planner.Plan(ctx, req, snap.RemainingTime(o.now()))
	if err != nil {
		tracing.RecordError(span, err)
		if o.interrupted(ctx, id) {
			return
		}
		o.emit(id, models.EventError, map[string]any{"phase": "planning", "error": err.Error()})
		o.transition(id, state.Event{Type: state.EventFail, Err: err.Error()})
		return
	}
	if o.interrupted(ctx, id) {
		return
	}

	plan := res.Plan
	analysis := res.Analysis
	span.SetAttributes(attribute.String("session.strategy", string(plan.Strategy)))
	metrics.SessionsStarted.WithLabelValues(string(plan.Strategy)).Inc()
	if !o.transition(id, state.Event{Type: state.EventStart, Plan: plan, Analysis: &analysis}) {
		o.interrupted(ctx, id)
		return
	}
	o.emit(id, models.EventPlanCreated, planPayload(plan, analysis, res.FromCache))

	for {
		if o.interrupted(ctx, id) {
			return
		}
		snap, err := o.states.Snapshot(id)
		if err != nil {
			return
		}
		stage := nextStage(snap)
		if len(stage) == 0 {
			o.finish(ctx, id, models.StopSuccess)
			return
		}

		results := o.runStage(ctx, id, snap, stage)
		if o.interrupted(ctx, id) {
			return
		}

		snap, err = o.states.Snapshot(id)
		if err != nil {
			return
		}
		if snap.Status == models.StatusRefining {
			if !o.transition(id, state.Event{Type: state.EventRetryDone}) {
				return
			}
		}
		if snap.ConsecutiveFailures > o.cfg.ConsecutiveFailureThreshold {
			msg := fmt.Sprintf("%d consecutive step failures", snap.ConsecutiveFailures)
			o.emit(id, models.EventError, map[string]any{"phase": "execution", "error": msg})
			o.transition(id, state.Event{Type: state.EventFail, Err: msg})
			return
		}
		if len(results) == 0 {
			continue
		}

		step, result := pivot(stage, results)
		d := o.decide(snap, step, result)
		if d.Kind == condition.Refine {
			if o.refine(id, snap, analysis, step) {
				continue
			}
			snap.Request.EnableRefinement = false
			d = o.decide(snap, step, result)
		}

		switch d.Kind {
		case condition.Continue:
			continue
		case condition.SummarizeNow:
			o.summarize(ctx, id)
			return
		default:
			if d.Reason == models.StopTimeout {
				o.transition(id, state.Event{Type: state.EventTimeout})
				return
			}
			o.finish(ctx, id, d.Reason)
			return
		}
	}
}

// decide runs the evaluator and records the decision.
func (o *Orchestrator) decide(snap models.ExecutionState, step models.Step, result models.StepResult) condition.Decision {
	d := o.evaluator.Load().Evaluate(condition.Input{State: &snap, Step: step, Result: result, Now: o.now()})
	strategy := ""
	if snap.CurrentPlan != nil {
		strategy = string(snap.CurrentPlan.Strategy)
	}
	metrics.Decisions.WithLabelValues(string(d.Kind), strategy).Inc()
	payload := map[string]any{
		"step_id":    step.ID,
		"decision":   string(d.Kind),
		"confidence": result.ConfidenceScore,
		"iteration":  snap.IterationCount,
	}
	if d.Reason != "" {
		payload["reason"] = string(d.Reason)
	}
	if d.Value != 0 {
		payload["value"] = d.Value
	}
	if d.Detail != "" {
		payload["detail"] = d.Detail
	}
	o.emit(snap.SessionID, models.EventDecision, payload)
	return d
}

// refine swaps in a plan version with step rewritten. It reports false
// when no rewrite is left or the iteration budget is spent.
func (o *Orchestrator) refine(id string, snap models.ExecutionState, analysis models.QueryAnalysis, step models.Step) bool {
	tried := triedQueries(snap, step.ID)
	next, query, ok, err := o.planner.Refine(snap.CurrentPlan, step, analysis, tried, snap.AccumulatedResults)
	if err != nil {
		o.logger.Warn("Plan revision failed", zap.String("session_id", id), zap.String("step_id", step.ID), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	st, err := o.states.Transition(id, state.Event{Type: state.EventRefine, Plan: next, StepID: step.ID})
	if err != nil {
		if !errors.Is(err, models.ErrIterationLimit) {
			o.logger.Debug("Refine rejected", zap.String("session_id", id), zap.Error(err))
		}
		return false
	}
	o.emit(id, models.EventRefine, map[string]any{
		"step_id":    step.ID,
		"from_query": step.Query,
		"to_query":   query,
		"iteration":  st.IterationCount,
		"plan_id":    next.ID,
		"version":    next.Version,
	})
	o.logger.Info("Refining step",
		zap.String("session_id", id),
		zap.String("step_id", step.ID),
		zap.String("query", util.TruncateString(query, 120, true)),
		zap.Int("iteration", st.IterationCount))
	return true
}

// summarize jumps straight to the pending summarize step and completes.
func (o *Orchestrator) summarize(ctx context.Context, id string) {
	snap, err := o.states.Snapshot(id)
	if err != nil {
		return
	}
	var step *models.Step
	for _, s := range snap.RemainingSteps() {
		if s.Type == models.StepSummarize {
			s := s
			step = &s
			break
		}
	}
	if step == nil {
		o.finish(ctx, id, stopReason(snap))
		return
	}
	if !o.transition(id, state.Event{Type: state.EventSummarize}) {
		o.interrupted(ctx, id)
		return
	}
	o.runStage(ctx, id, snap, []models.Step{*step})
	if o.interrupted(ctx, id) {
		return
	}
	snap, err = o.states.Snapshot(id)
	if err != nil {
		return
	}
	o.transition(id, state.Event{Type: state.EventComplete, Reason: stopReason(snap)})
}

// finish completes the session, running an implicit synthesis first when
// configured and the plan has no summarize step.
func (o *Orchestrator) finish(ctx context.Context, id string, reason models.StopReason) {
	snap, err := o.states.Snapshot(id)
	if err != nil {
		return
	}
	if o.cfg.ImplicitSynthesis && !hasStepType(snap.CurrentPlan, models.StepSummarize) &&
		snap.Summary == "" && len(snap.AccumulatedResults) > 0 {
		if o.transition(id, state.Event{Type: state.EventSummarize}) {
			synth := models.Step{
				ID:          synthesisStepID,
				Type:        models.StepSummarize,
				Description: "synthesize the accumulated results",
				Query:       snap.Request.Query,
			}
			o.runStage(ctx, id, snap, []models.Step{synth})
			if o.interrupted(ctx, id) {
				return
			}
		}
	}
	o.transition(id, state.Event{Type: state.EventComplete, Reason: reason})
}

// runStage executes the steps of one stage and folds each result as it
// completes. A multi-step stage runs on the worker pool, at most
// MaxConcurrency at a time, and returns only after every step finished.
// Results cut short by cancellation or the deadline are not folded.
func (o *Orchestrator) runStage(ctx context.Context, id string, snap models.ExecutionState, stage []models.Step) map[string]models.StepResult {
	var (
		mu  sync.Mutex
		out = make(map[string]models.StepResult, len(stage))
	)
	exec := func(step models.Step) {
		if ctx.Err() != nil {
			return
		}
		if err := o.states.MarkStepStarted(id, step); err != nil {
			return
		}
		o.emit(id, models.EventStepStart, map[string]any{
			"step_id":   step.ID,
			"step_type": string(step.Type),
			"query":     step.Query,
			"group":     step.Group,
		})

		res := o.executor.Execute(ctx, engine.Input{
			SessionID:   id,
			Step:        step,
			Request:     snap.Request,
			Accumulated: snap.AccumulatedResults,
		})
		if ctx.Err() != nil && len(res.Errors) > 0 {
			return
		}
		if _, err := o.states.RecordStepResult(id, res); err != nil {
			return
		}
		o.recordStep(id, res)

		mu.Lock()
		out[step.ID] = res
		mu.Unlock()
	}

	if len(stage) == 1 {
		exec(stage[0])
		return out
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.MaxConcurrency)
	for _, step := range stage {
		step := step
		sem <- struct{}{}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer func() { <-sem }()
			exec(step)
		}
		if err := o.pool.Submit(task); err != nil {
			o.logger.Debug("Worker pool rejected step, running inline",
				zap.String("session_id", id), zap.String("step_id", step.ID), zap.Error(err))
			go task()
		}
	}
	wg.Wait()
	return out
}

// recordStep emits the trace events of a folded step.
func (o *Orchestrator) recordStep(id string, res models.StepResult) {
	if res.FromCache {
		o.emit(id, models.EventCacheHit, map[string]any{"step_id": res.StepID, "query": res.Query})
	}
	for _, e := range res.Errors {
		o.emit(id, models.EventError, map[string]any{"step_id": res.StepID, "error": e})
	}
	o.emit(id, models.EventStepComplete, map[string]any{
		"step_id":     res.StepID,
		"step_type":   string(res.StepType),
		"query":       res.Query,
		"results":     len(res.Results),
		"confidence":  res.ConfidenceScore,
		"duration_ms": res.ExecutionTime.Milliseconds(),
		"attempts":    res.Attempts,
		"from_cache":  res.FromCache,
		"timed_out":   res.TimedOut,
	})
}

// interrupted reports whether the loop must stop, finishing a pending
// cancel or an elapsed deadline on the way out.
func (o *Orchestrator) interrupted(ctx context.Context, id string) bool {
	snap, err := o.states.Snapshot(id)
	if err != nil {
		return true
	}
	switch {
	case snap.Status.Terminal():
		return true
	case snap.Status == models.StatusCancelling:
		o.transition(id, state.Event{Type: state.EventCancel})
		return true
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || !o.now().Before(snap.Deadline):
		o.transition(id, state.Event{Type: state.EventTimeout})
		return true
	case ctx.Err() != nil:
		o.transition(id, state.Event{Type: state.EventCancel})
		return true
	}
	return false
}

// transition applies ev, treating a session that already ended as a
// normal outcome.
func (o *Orchestrator) transition(id string, ev state.Event) bool {
	if _, err := o.states.Transition(id, ev); err != nil {
		if !errors.Is(err, models.ErrSessionTerminal) {
			o.logger.Debug("Transition rejected",
				zap.String("session_id", id),
				zap.String("event", string(ev.Type)),
				zap.Error(err))
		}
		return false
	}
	return true
}

// nextStage returns the pending steps of the first stage that still has any.
func nextStage(snap models.ExecutionState) []models.Step {
	if snap.CurrentPlan == nil {
		return nil
	}
	for _, stage := range snap.CurrentPlan.Stages() {
		var pending []models.Step
		for _, s := range stage {
			if !snap.IsCompleted(s.ID) {
				pending = append(pending, s)
			}
		}
		if len(pending) > 0 {
			return pending
		}
	}
	return nil
}

// pivot picks the result the evaluator judges a stage by: the weakest
// search result of a parallel group, otherwise the last step.
func pivot(stage []models.Step, results map[string]models.StepResult) (models.Step, models.StepResult) {
	var (
		step   models.Step
		result models.StepResult
		found  bool
	)
	for _, s := range stage {
		r, ok := results[s.ID]
		if !ok {
			continue
		}
		refinable := s.Type == models.StepSearch || s.Type == models.StepRefine
		if !found || (refinable && r.ConfidenceScore < result.ConfidenceScore) {
			step, result, found = s, r, true
		}
	}
	return step, result
}

func triedQueries(snap models.ExecutionState, stepID string) []string {
	seen := map[string]struct{}{}
	for _, h := range snap.StepHistory {
		if h.StepID == stepID && h.Query != "" {
			seen[h.Query] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func hasStepType(p *models.ExecutionPlan, t models.StepType) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Steps {
		if s.Type == t {
			return true
		}
	}
	return false
}

func stopReason(snap models.ExecutionState) models.StopReason {
	if len(snap.AccumulatedResults) >= snap.Request.TotalMaxResults {
		return models.StopBudgetExhausted
	}
	return models.StopSuccess
}

func planPayload(p *models.ExecutionPlan, a models.QueryAnalysis, fromCache bool) map[string]any {
	types := make([]string, len(p.Steps))
	queries := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		types[i] = string(s.Type)
		queries[i] = s.Query
	}
	return map[string]any{
		"plan_id":    p.ID,
		"version":    p.Version,
		"strategy":   string(p.Strategy),
		"steps":      len(p.Steps),
		"step_types": types,
		"queries":    queries,
		"confidence": p.ConfidenceEstimate,
		"query":      p.Query,
		"query_type": string(a.QueryType),
		"complexity": string(a.Complexity),
		"from_cache": fromCache,
		"analysis":   a.Confidence,
	}
}
