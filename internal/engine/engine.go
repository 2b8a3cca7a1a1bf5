// Package engine executes one plan step at a time against the tool
// collaborators. Each step type maps to a handler through a capability
// table; the engine adds the step cache, per-tool circuit breakers,
// bounded retries with backoff and a hard per-step deadline. Failures
// never escape as Go errors: they are reported inside the StepResult.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/cache"
	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/tools"
	"github.com/LBatsoft/e-websearch/internal/tracing"
	"github.com/LBatsoft/e-websearch/internal/util"
)

// Config tunes retries and validation.
type Config struct {
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	ValidationOverlap float64       `mapstructure:"validation_overlap" yaml:"validation_overlap"`
}

// DefaultConfig returns 3 attempts, 200ms..2s backoff and a 0.3 overlap floor.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BackoffBase:       200 * time.Millisecond,
		BackoffMax:        2 * time.Second,
		ValidationOverlap: 0.3,
	}
}

// Tools bundles the collaborators. Nil members disable the matching capability.
type Tools struct {
	Search   tools.SearchTools
	Analysis tools.ContentAnalysisTools
	Ranking  tools.RankingService
	Enhancer tools.ModelEnhancer
}

// capability is one row of the dispatch table.
type capability struct {
	tool      string
	handler   Handler
	cacheable bool
}

// Engine runs steps. It is safe for concurrent use.
type Engine struct {
	cfg          Config
	capabilities map[models.StepType]capability
	breakers     *circuitbreaker.Registry
	cache        *cache.Cache
	logger       *zap.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// New builds an engine. breakers and stepCache may be nil.
func New(cfg Config, t Tools, breakers *circuitbreaker.Registry, stepCache *cache.Cache, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.ValidationOverlap <= 0 {
		cfg.ValidationOverlap = def.ValidationOverlap
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry("tools", nil, logger)
	}

	search := &searchHandler{search: t.Search, ranking: t.Ranking, analysis: t.Analysis}
	return &Engine{
		cfg: cfg,
		capabilities: map[models.StepType]capability{
			models.StepSearch:    {tool: "search", handler: search, cacheable: true},
			models.StepRefine:    {tool: "search", handler: search, cacheable: true},
			models.StepAnalyze:   {tool: "analyze", handler: &analyzeHandler{analysis: t.Analysis}},
			models.StepSummarize: {tool: "enhancer", handler: &summarizeHandler{enhancer: t.Enhancer}},
			models.StepValidate:  {tool: "validate", handler: &validateHandler{threshold: cfg.ValidationOverlap}},
		},
		breakers: breakers,
		cache:    stepCache,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Override replaces the handler of a step type.
func (e *Engine) Override(t models.StepType, tool string, h Handler) {
	c := e.capabilities[t]
	c.tool = tool
	c.handler = h
	e.capabilities[t] = c
}

// Breakers exposes the per-tool breaker registry.
func (e *Engine) Breakers() *circuitbreaker.Registry { return e.breakers }

// Execute runs in.Step and always returns a StepResult. The step's
// TimeBudget bounds the whole call including retries; ctx carries the
// session deadline and cancellation.
func (e *Engine) Execute(ctx context.Context, in Input) models.StepResult {
	step := in.Step
	start := e.now()
	res := models.StepResult{StepID: step.ID, StepType: step.Type, Query: step.Query}

	capab, ok := e.capabilities[step.Type]
	if !ok || capab.handler == nil {
		res.Errors = append(res.Errors, fmt.Sprintf("no handler for step type %q", step.Type))
		metrics.StepsExecuted.WithLabelValues(string(step.Type), "failed").Inc()
		return res
	}

	fp := ""
	if capab.cacheable && e.cache != nil {
		fp = cache.StepFingerprint(models.StepSearch, step.Query, in.Request.Sources, step.MaxResults, in.Request.IncludeContent)
		if cached, ok := e.cache.GetStepResult(ctx, fp); ok {
			out := *cached
			out.StepID, out.StepType, out.Query = step.ID, step.Type, step.Query
			out.FromCache = true
			out.Attempts = 0
			out.Errors, out.Warnings = nil, nil
			for i := range out.Results {
				out.Results[i].FoundInStep = step.ID
				out.Results[i].StepType = step.Type
			}
			out.ExecutionTime = e.now().Sub(start)
			metrics.StepsExecuted.WithLabelValues(string(step.Type), "cached").Inc()
			e.logger.Debug("Step served from cache",
				zap.String("session_id", in.SessionID),
				zap.String("step_id", step.ID))
			return out
		}
	}

	stepCtx := ctx
	if step.TimeBudget > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.TimeBudget)
		defer cancel()
	}

	out, attempts, err := e.runWithRetry(stepCtx, capab, in)
	res.Attempts = attempts
	res.ExecutionTime = e.now().Sub(start)

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			res.TimedOut = true
			res.Errors = append(res.Errors, fmt.Sprintf("step timed out after %s", res.ExecutionTime.Round(time.Millisecond)))
		case errors.Is(err, context.Canceled):
			res.Errors = append(res.Errors, "step cancelled")
		default:
			res.Errors = append(res.Errors, (&models.ToolInvocationError{Tool: capab.tool, Attempts: attempts, Err: err}).Error())
		}
		outcome := "failed"
		if res.TimedOut {
			outcome = "timeout"
		}
		metrics.StepsExecuted.WithLabelValues(string(step.Type), outcome).Inc()
		metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(res.ExecutionTime.Seconds())
		e.logger.Warn("Step failed",
			zap.String("session_id", in.SessionID),
			zap.String("step_id", step.ID),
			zap.String("step_type", string(step.Type)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return res
	}

	res.Results = out.Results
	res.Summary = out.Summary
	res.Tags = out.Tags
	res.Rejected = out.Rejected
	res.Warnings = out.Warnings
	res.ConfidenceScore = e.confidence(step.Type, out, len(in.Accumulated), res.ExecutionTime)

	metrics.StepsExecuted.WithLabelValues(string(step.Type), "success").Inc()
	metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(res.ExecutionTime.Seconds())
	metrics.StepConfidence.WithLabelValues(string(step.Type)).Observe(res.ConfidenceScore)

	if fp != "" {
		e.cache.PutStepResult(ctx, fp, res)
	}
	e.logger.Debug("Step completed",
		zap.String("session_id", in.SessionID),
		zap.String("step_id", step.ID),
		zap.String("query", util.TruncateString(step.Query, 80, true)),
		zap.Int("results", len(res.Results)),
		zap.Float64("confidence", res.ConfidenceScore),
		zap.Duration("duration", res.ExecutionTime))
	return res
}

// runWithRetry calls the handler through its breaker up to MaxAttempts
// times and reports how many calls reached the tool. Cancellation,
// deadlines, an open breaker and a missing provider are not retried.
func (e *Engine) runWithRetry(ctx context.Context, capab capability, in Input) (Output, int, error) {
	breaker := e.breakers.Get(capab.tool)
	var (
		out     Output
		lastErr error
	)
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Output{}, attempt - 1, err
		}
		if attempt > 1 {
			metrics.ToolRetries.WithLabelValues(capab.tool).Inc()
			if err := e.sleep(ctx, e.backoff(attempt-1)); err != nil {
				return Output{}, attempt - 1, err
			}
		}

		spanCtx, span := tracing.StartStepSpan(ctx, in.Step.ID, string(in.Step.Type), attempt)
		span.SetAttributes(attribute.String("session.id", in.SessionID))
		err := breaker.Execute(spanCtx, func() error {
			var callErr error
			out, callErr = call(spanCtx, capab.handler, in)
			return callErr
		})
		if err != nil {
			tracing.RecordError(span, err)
		}
		span.End()

		if err == nil {
			metrics.ToolCalls.WithLabelValues(capab.tool, "success").Inc()
			return out, attempt, nil
		}
		metrics.ToolCalls.WithLabelValues(capab.tool, "error").Inc()
		lastErr = err

		if ctx.Err() != nil {
			return Output{}, attempt, ctx.Err()
		}
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return Output{}, attempt - 1, err
		}
		if errors.Is(err, tools.ErrNoProviders) {
			return Output{}, attempt, err
		}
		e.logger.Debug("Step attempt failed",
			zap.String("session_id", in.SessionID),
			zap.String("step_id", in.Step.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return Output{}, e.cfg.MaxAttempts, lastErr
}

// call runs the handler on its own goroutine so a tool that ignores its
// context still cannot hold the step past its deadline. Panics become errors.
func call(ctx context.Context, h Handler, in Input) (Output, error) {
	type result struct {
		out Output
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := h.Handle(ctx, in)
		ch <- result{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

func (e *Engine) backoff(retry int) time.Duration {
	d := e.cfg.BackoffBase << (retry - 1)
	if d <= 0 || d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// confidence scores a step: 0.6·quality + 0.4·mean similarity when an
// analysis is available, the handler's own score when it supplies one,
// otherwise a heuristic on result count, speed and step type.
func (e *Engine) confidence(t models.StepType, out Output, accumulated int, elapsed time.Duration) float64 {
	if out.Confidence != nil {
		return models.Clamp01(*out.Confidence)
	}
	if out.Analysis != nil {
		return models.Clamp01(0.6*out.Analysis.Quality + 0.4*out.Analysis.MeanSimilarity())
	}
	n := len(out.Results)
	if t == models.StepAnalyze || t == models.StepSummarize {
		n = accumulated
	}
	return HeuristicConfidence(t, n, elapsed)
}

// HeuristicConfidence is the fallback score when no analysis is available.
// Zero results score zero.
func HeuristicConfidence(t models.StepType, n int, elapsed time.Duration) float64 {
	if n == 0 {
		return 0
	}
	c := 0.5 + min(float64(n)/10, 0.3)
	if elapsed < 2*time.Second {
		c += 0.1
	}
	switch t {
	case models.StepSearch, models.StepRefine:
		c += 0.1
	case models.StepAnalyze:
		c += 0.2
	}
	return models.Clamp01(c)
}
