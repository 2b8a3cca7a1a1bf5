// Package planner turns a search request into an immutable ExecutionPlan:
// query analysis, template decomposition and strategy selection, plus the
// query rewrites used when a step is refined.
package planner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/cache"
	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/tracing"
	"github.com/LBatsoft/e-websearch/internal/util"
)

// Result is the output of a planning pass.
type Result struct {
	Analysis  models.QueryAnalysis
	Plan      *models.ExecutionPlan
	FromCache bool
}

// Planner coordinates analysis, decomposition and strategy generation.
type Planner struct {
	analyzer   *QueryAnalyzer
	strategies *StrategyGenerator
	cache      *cache.Cache
	logger     *zap.Logger
}

// New creates a planner. analyzer and planCache may be nil.
func New(analyzer *QueryAnalyzer, planCache *cache.Cache, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if analyzer == nil {
		analyzer = NewQueryAnalyzer(nil, 0, logger)
	}
	return &Planner{
		analyzer:   analyzer,
		strategies: NewStrategyGenerator(),
		cache:      planCache,
		logger:     logger,
	}
}

// Plan analyzes req.Query and produces the first plan version. A cached
// plan for the same request fingerprint is reused under a fresh plan ID.
func (p *Planner) Plan(ctx context.Context, req models.SearchRequest, remaining time.Duration) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "planner.plan",
		attribute.String("query", util.TruncateString(req.Query, 120, true)))
	defer span.End()

	analysis := p.analyzer.Analyze(ctx, req.Query, req.Context)

	fp := cache.PlanFingerprint(req)
	if p.cache != nil {
		if cached, ok := p.cache.GetPlan(ctx, fp); ok && ValidatePlan(cached) == nil {
			plan := cached.Clone()
			plan.ID = p.strategies.newID()
			plan.ParentID = ""
			plan.Version = 1
			plan.CreatedAt = p.strategies.now()
			finalizeSteps(plan, req, remaining)
			p.logger.Debug("Reusing cached plan",
				zap.String("plan_id", plan.ID),
				zap.String("strategy", string(plan.Strategy)))
			return Result{Analysis: analysis, Plan: plan, FromCache: true}, nil
		}
	}

	descs := Decompose(analysis, req.MaxIterations)
	plan, err := p.strategies.Generate(analysis, descs, req, remaining)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{Analysis: analysis}, err
	}

	metrics.PlansCreated.WithLabelValues(string(plan.Strategy), string(analysis.QueryType)).Inc()
	metrics.PlanSteps.Observe(float64(len(plan.Steps)))
	p.logger.Info("Execution plan created",
		zap.String("plan_id", plan.ID),
		zap.String("strategy", string(plan.Strategy)),
		zap.String("query_type", string(analysis.QueryType)),
		zap.String("complexity", string(analysis.Complexity)),
		zap.Int("steps", len(plan.Steps)),
		zap.Float64("confidence", plan.ConfidenceEstimate))

	if p.cache != nil {
		p.cache.PutPlan(ctx, fp, plan)
	}
	return Result{Analysis: analysis, Plan: plan}, nil
}

// Revise produces the next plan version with stepID rewritten to newQuery.
func (p *Planner) Revise(plan *models.ExecutionPlan, stepID, newQuery string) (*models.ExecutionPlan, error) {
	return p.strategies.Revise(plan, stepID, newQuery)
}

// Refine picks a rewrite for step and returns the revised plan. ok is
// false when no untried rewrite exists.
func (p *Planner) Refine(plan *models.ExecutionPlan, step models.Step, analysis models.QueryAnalysis, tried []string, best []models.ResultItem) (*models.ExecutionPlan, string, bool, error) {
	if len(best) > 3 {
		best = best[:3]
	}
	q, ok := RefineQuery(step.Query, analysis, tried, best)
	if !ok {
		return nil, "", false, nil
	}
	next, err := p.Revise(plan, step.ID, q)
	if err != nil {
		return nil, "", false, err
	}
	return next, q, true, nil
}
