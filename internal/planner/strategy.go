package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/LBatsoft/e-websearch/internal/models"
)

const parallelGroup = "group-1"

// StrategyGenerator picks a strategy and assembles immutable plans.
type StrategyGenerator struct {
	now   func() time.Time
	newID func() string
}

// NewStrategyGenerator creates a generator using wall-clock time and UUID plan IDs.
func NewStrategyGenerator() *StrategyGenerator {
	return &StrategyGenerator{now: time.Now, newID: uuid.NewString}
}

// SelectStrategy applies the override, else maps complexity onto a
// strategy. Parallel is chosen only for multi-aspect queries naming at
// least two independent entities.
func SelectStrategy(analysis models.QueryAnalysis, req models.SearchRequest) models.Strategy {
	if s, ok := req.StrategyOverride(); ok {
		return s
	}
	if parallelCandidate(analysis) && req.MaxIterations >= 2 {
		return models.StrategyParallel
	}
	switch analysis.Complexity {
	case models.ComplexitySimple:
		return models.StrategySimple
	case models.ComplexityComplex:
		return models.StrategyAdaptive
	default:
		return models.StrategyIterative
	}
}

func parallelCandidate(a models.QueryAnalysis) bool {
	return a.MultiAspect && len(a.Entities) >= 2 && a.QueryType != models.QueryComparison
}

// Generate builds the plan for analysis. remaining is the session time
// left; every step gets an equal share per stage.
func (g *StrategyGenerator) Generate(analysis models.QueryAnalysis, descs []Descriptor, req models.SearchRequest, remaining time.Duration) (*models.ExecutionPlan, error) {
	_, override := req.StrategyOverride()
	strategy := SelectStrategy(analysis, req)

	if len(descs) == 0 {
		if override && strategy != models.StrategySimple {
			return nil, &models.PlanningError{Strategy: strategy, Reason: "decomposition produced no steps"}
		}
		return g.fallback(analysis.Query, req, remaining), nil
	}

	var steps []models.Step
	switch strategy {
	case models.StrategySimple:
		d, ok := lo.Find(descs, func(d Descriptor) bool { return d.Type == models.StepSearch })
		if !ok {
			d = search(analysis.Query, "主要搜索", "primary_search")
		}
		steps = toSteps([]Descriptor{d})
	case models.StrategyParallel:
		var err error
		steps, err = parallelSteps(analysis, descs, req.MaxIterations)
		if err != nil {
			return nil, err
		}
	case models.StrategyIterative:
		steps = toSteps(reorderIterative(dedupe(descs)))
	case models.StrategyAdaptive:
		steps = toSteps(withValidation(dedupe(descs), req.MaxIterations))
	default:
		return nil, &models.PlanningError{Strategy: strategy, Reason: "unsupported strategy"}
	}

	plan := &models.ExecutionPlan{
		ID:        g.newID(),
		Version:   1,
		Query:     analysis.Query,
		Strategy:  strategy,
		Steps:     steps,
		CreatedAt: g.now(),
	}
	finalizeSteps(plan, req, remaining)
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	plan.ConfidenceEstimate = PlanConfidence(analysis, plan.Steps)
	return plan, nil
}

// fallback is the single-search plan used when decomposition yields nothing.
func (g *StrategyGenerator) fallback(query string, req models.SearchRequest, remaining time.Duration) *models.ExecutionPlan {
	plan := &models.ExecutionPlan{
		ID:                 g.newID(),
		Version:            1,
		Query:              query,
		Strategy:           models.StrategySimple,
		Steps:              toSteps([]Descriptor{search(query, "简单搜索", "fallback_search")}),
		ConfidenceEstimate: 0.5,
		CreatedAt:          g.now(),
	}
	finalizeSteps(plan, req, remaining)
	return plan
}

// Revise returns a new plan version in which stepID runs newQuery. The
// source plan is not modified. Step budgets are the ones set at planning
// time.
func (g *StrategyGenerator) Revise(plan *models.ExecutionPlan, stepID, newQuery string) (*models.ExecutionPlan, error) {
	next := plan.Clone()
	idx := lo.IndexOf(lo.Map(next.Steps, func(s models.Step, _ int) string { return s.ID }), stepID)
	if idx < 0 {
		return nil, &models.PlanningError{Strategy: plan.Strategy, Reason: fmt.Sprintf("step %s not in plan %s", stepID, plan.ID)}
	}
	next.Steps[idx].Query = newQuery
	next.Steps[idx].Description = "优化搜索: " + newQuery
	next.ID = g.newID()
	next.ParentID = plan.ID
	next.Version = plan.Version + 1
	next.CreatedAt = g.now()
	return next, nil
}

func parallelSteps(analysis models.QueryAnalysis, descs []Descriptor, maxIterations int) ([]models.Step, error) {
	var searches []Descriptor
	if len(analysis.Entities) >= 2 {
		n := min(len(analysis.Entities), maxIterations)
		if n == maxIterations && maxIterations >= 3 {
			n-- // room for synthesis
		}
		focus := nonEntityTerms(analysis)
		for _, e := range analysis.Entities[:n] {
			q := strings.TrimSpace(e + " " + focus)
			searches = append(searches, search(q, "并行搜索", "entity_search"))
		}
	} else {
		searches = lo.Filter(dedupe(descs), func(d Descriptor, _ int) bool { return d.Type == models.StepSearch })
	}
	if len(searches) < 2 {
		return nil, &models.PlanningError{Strategy: models.StrategyParallel, Reason: "parallel execution needs at least two search steps"}
	}

	steps := toSteps(searches)
	for i := range steps {
		steps[i].Group = parallelGroup
	}
	if len(steps) < maxIterations {
		tail := synthesis(analysis.Query, "parallel_synthesis")
		steps = append(steps, models.Step{
			ID:          fmt.Sprintf("step-%d", len(steps)+1),
			Type:        tail.Type,
			Query:       tail.Query,
			Description: tail.Description,
			Purpose:     tail.Purpose,
		})
	}
	return steps, nil
}

func nonEntityTerms(a models.QueryAnalysis) string {
	var parts []string
	for _, w := range strings.Fields(a.Query) {
		w = trimPunct(w)
		if w == "" || lo.Contains(a.Entities, w) {
			continue
		}
		if _, stop := stopWords[strings.ToLower(w)]; stop {
			continue
		}
		parts = append(parts, w)
	}
	return strings.Join(parts, " ")
}

// dedupe drops search steps repeating an earlier search query.
func dedupe(descs []Descriptor) []Descriptor {
	seen := make(map[string]struct{})
	return lo.Filter(descs, func(d Descriptor, _ int) bool {
		if d.Type != models.StepSearch {
			return true
		}
		key := strings.ToLower(strings.TrimSpace(d.Query))
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		return true
	})
}

var iterativeRank = map[models.StepType]int{
	models.StepSearch:    0,
	models.StepRefine:    1,
	models.StepValidate:  1,
	models.StepAnalyze:   2,
	models.StepSummarize: 3,
}

// reorderIterative moves searches ahead of analysis and synthesis.
func reorderIterative(descs []Descriptor) []Descriptor {
	out := append([]Descriptor(nil), descs...)
	sort.SliceStable(out, func(i, j int) bool { return iterativeRank[out[i].Type] < iterativeRank[out[j].Type] })
	return out
}

// withValidation adds a validate step ahead of the synthesis, or at the
// end, when the iteration budget leaves room.
func withValidation(descs []Descriptor, maxIterations int) []Descriptor {
	if len(descs) >= maxIterations || len(descs) < 2 {
		return descs
	}
	v := Descriptor{
		Type:        models.StepValidate,
		Query:       descs[0].Query,
		Description: "结果校验: " + descs[0].Query,
		Purpose:     "result_validation",
	}
	out := append([]Descriptor(nil), descs...)
	if last := out[len(out)-1]; last.Type == models.StepSummarize {
		return append(append(out[:len(out)-1:len(out)-1], v), last)
	}
	return append(out, v)
}

func toSteps(descs []Descriptor) []models.Step {
	steps := make([]models.Step, len(descs))
	for i, d := range descs {
		steps[i] = models.Step{
			ID:          fmt.Sprintf("step-%d", i+1),
			Type:        d.Type,
			Description: d.Description,
			Query:       d.Query,
			Purpose:     d.Purpose,
		}
	}
	return steps
}

// finalizeSteps sets per-step result caps and time budgets. Each stage
// gets remaining / stages; a parallel group counts once.
func finalizeSteps(plan *models.ExecutionPlan, req models.SearchRequest, remaining time.Duration) {
	var budget time.Duration
	if n := len(plan.Stages()); n > 0 {
		budget = remaining / time.Duration(n)
	}
	for i := range plan.Steps {
		if plan.Steps[i].Type == models.StepSearch || plan.Steps[i].Type == models.StepRefine {
			plan.Steps[i].MaxResults = req.MaxResultsPerIteration
		}
		plan.Steps[i].TimeBudget = budget
	}
}

// ValidatePlan checks structural invariants of a plan.
func ValidatePlan(plan *models.ExecutionPlan) error {
	fail := func(format string, args ...interface{}) error {
		return &models.PlanningError{Strategy: plan.Strategy, Reason: fmt.Sprintf(format, args...)}
	}
	if len(plan.Steps) == 0 {
		return fail("plan has no steps")
	}
	ids := make(map[string]struct{}, len(plan.Steps))
	closed := make(map[string]struct{})
	prevGroup := ""
	for _, s := range plan.Steps {
		if _, dup := ids[s.ID]; dup {
			return fail("duplicate step id %s", s.ID)
		}
		ids[s.ID] = struct{}{}
		if s.Type == models.StepSearch && strings.TrimSpace(s.Query) == "" {
			return fail("search step %s has no query", s.ID)
		}
		if s.Group != prevGroup {
			if prevGroup != "" {
				closed[prevGroup] = struct{}{}
			}
			if _, reopened := closed[s.Group]; reopened && s.Group != "" {
				return fail("parallel group %s is not contiguous", s.Group)
			}
			prevGroup = s.Group
		}
	}
	return nil
}

// PlanConfidence estimates how likely the plan is to answer the query.
func PlanConfidence(analysis models.QueryAnalysis, steps []models.Step) float64 {
	c := 0.7
	switch analysis.Complexity {
	case models.ComplexitySimple:
		c += 0.15
	case models.ComplexityMedium:
		c += 0.05
	case models.ComplexityComplex:
		c -= 0.1
	}
	switch n := len(steps); {
	case n == 1:
		c += 0.1
	case n == 2:
		c += 0.05
	case n > 4:
		c -= 0.15
	}
	if len(lo.UniqBy(steps, func(s models.Step) models.StepType { return s.Type })) > 1 {
		c += 0.05
	}
	return models.Clamp01(c)
}
