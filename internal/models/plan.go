package models

import "time"

// Strategy selects how a plan is driven
type Strategy string

const (
	StrategySimple    Strategy = "simple"
	StrategyIterative Strategy = "iterative"
	StrategyParallel  Strategy = "parallel"
	StrategyAdaptive  Strategy = "adaptive"
)

// ParseStrategy maps a request value onto a Strategy. An empty value means no override.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategySimple, StrategyIterative, StrategyParallel, StrategyAdaptive:
		return Strategy(s), true
	}
	return "", false
}

// StepType is the tag of a Step; the engine dispatches on it through its capability table.
type StepType string

const (
	StepSearch    StepType = "search"
	StepAnalyze   StepType = "analyze"
	StepRefine    StepType = "refine"
	StepSummarize StepType = "summarize"
	StepValidate  StepType = "validate"
)

// Step is one unit of planned work. Group is empty for sequential steps;
// steps sharing a Group may run concurrently.
type Step struct {
	ID          string        `json:"step_id"`
	Type        StepType      `json:"step_type"`
	Description string        `json:"description"`
	Query       string        `json:"query"`
	Purpose     string        `json:"purpose,omitempty"`
	Group       string        `json:"parallel_group,omitempty"`
	MaxResults  int           `json:"max_results"`
	TimeBudget  time.Duration `json:"time_budget"`
}

// Sequential reports whether the step runs on its own stage.
func (s Step) Sequential() bool { return s.Group == "" }

// ExecutionPlan is immutable once built. A refinement produces a new plan
// with a fresh ID and Version+1; the old plan is left untouched.
type ExecutionPlan struct {
	ID                 string    `json:"plan_id"`
	ParentID           string    `json:"parent_plan_id,omitempty"`
	Version            int       `json:"version"`
	Query              string    `json:"query"`
	Strategy           Strategy  `json:"strategy"`
	Steps              []Step    `json:"steps"`
	ConfidenceEstimate float64   `json:"confidence_estimate"`
	CreatedAt          time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = append([]Step(nil), p.Steps...)
	return &cp
}

// StepByID looks a step up by its ID.
func (p *ExecutionPlan) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Stages splits the plan into execution stages. A sequential step is a stage
// of its own; consecutive steps sharing a group form one stage.
func (p *ExecutionPlan) Stages() [][]Step {
	var stages [][]Step
	for i := 0; i < len(p.Steps); {
		s := p.Steps[i]
		if s.Sequential() {
			stages = append(stages, []Step{s})
			i++
			continue
		}
		j := i
		for j < len(p.Steps) && p.Steps[j].Group == s.Group {
			j++
		}
		stages = append(stages, append([]Step(nil), p.Steps[i:j]...))
		i = j
	}
	return stages
}
