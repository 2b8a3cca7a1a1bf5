// Package condition decides what a session does after each step.
package condition

import (
	"fmt"
	"time"

	"github.com/LBatsoft/e-websearch/internal/models"
)

// Kind is the decision tag
type Kind string

const (
	Continue     Kind = "continue"
	Refine       Kind = "refine"
	SummarizeNow Kind = "summarize_now"
	Stop         Kind = "stop"
)

// Decision is the evaluator's verdict. Reason is set for Stop.
type Decision struct {
	Kind   Kind              `json:"decision"`
	Reason models.StopReason `json:"reason,omitempty"`
	// Value is the adaptive continuation score, zero for other strategies.
	Value  float64 `json:"value,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

// Weights tune the adaptive continuation score.
type Weights struct {
	Gain     float64 `mapstructure:"gain" yaml:"gain"`
	Coverage float64 `mapstructure:"coverage" yaml:"coverage"`
	Budget   float64 `mapstructure:"budget" yaml:"budget"`
	// Floor is the score under which a satisfied adaptive session wraps up early.
	Floor float64 `mapstructure:"floor" yaml:"floor"`
}

// DefaultWeights returns 0.5 gain, 0.3 coverage, 0.2 budget, floor 0.3.
func DefaultWeights() Weights {
	return Weights{Gain: 0.5, Coverage: 0.3, Budget: 0.2, Floor: 0.3}
}

// Input is everything a decision depends on. State must already include
// the folded result of Step.
type Input struct {
	State  *models.ExecutionState
	Step   models.Step
	Result models.StepResult
	Now    time.Time
}

// Evaluator is a pure decision function; identical inputs give identical output.
type Evaluator struct {
	weights Weights
}

// NewEvaluator creates an evaluator. Zero weights fall back to the defaults.
func NewEvaluator(w Weights) *Evaluator {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Evaluator{weights: w}
}

// Weights returns the configured weights.
func (e *Evaluator) Weights() Weights { return e.weights }

// Evaluate applies, in order: deadline, refine, adaptive early exit,
// continue, summarize, stop.
func (e *Evaluator) Evaluate(in Input) Decision {
	st := in.State
	req := st.Request

	if st.RemainingTime(in.Now) <= 0 {
		return Decision{Kind: Stop, Reason: models.StopTimeout, Detail: "session deadline reached"}
	}

	conf := in.Result.ConfidenceScore
	if conf < req.ConfidenceThreshold && req.EnableRefinement &&
		st.IterationCount < req.MaxIterations && refinable(in.Step) {
		return Decision{Kind: Refine, Detail: fmt.Sprintf("confidence %.2f below threshold %.2f", conf, req.ConfidenceThreshold)}
	}

	remaining := st.RemainingSteps()
	summarizePending := hasPending(remaining, models.StepSummarize)

	if st.CurrentPlan != nil && st.CurrentPlan.Strategy == models.StrategyAdaptive && conf >= req.ConfidenceThreshold {
		v := e.value(in, len(remaining))
		if v < e.weights.Floor && len(remaining) > 0 {
			if summarizePending {
				return Decision{Kind: SummarizeNow, Value: v, Detail: "diminishing returns"}
			}
			return Decision{Kind: Stop, Reason: models.StopSuccess, Value: v, Detail: "diminishing returns"}
		}
	}

	switch {
	case len(remaining) == 0:
		return Decision{Kind: Stop, Reason: models.StopSuccess}
	case len(st.AccumulatedResults) < req.TotalMaxResults:
		return Decision{Kind: Continue}
	case summarizePending:
		return Decision{Kind: SummarizeNow, Detail: "result budget reached"}
	default:
		return Decision{Kind: Stop, Reason: models.StopBudgetExhausted, Detail: "result budget reached"}
	}
}

// value scores whether another step is worth running.
func (e *Evaluator) value(in Input, remainingSteps int) float64 {
	st := in.State
	req := st.Request

	gain := float64(newUnique(st, in.Step.ID)) / float64(max(1, len(in.Result.Results)))
	coverage := float64(len(st.AccumulatedResults)) / float64(max(1, req.TotalMaxResults))

	timeShare := 0.0
	if t := req.Timeout(); t > 0 {
		timeShare = float64(st.RemainingTime(in.Now)) / float64(t)
	}
	stepShare := 0.0
	if st.CurrentPlan != nil && len(st.CurrentPlan.Steps) > 0 {
		stepShare = float64(remainingSteps) / float64(len(st.CurrentPlan.Steps))
	}
	budget := min(timeShare, stepShare)

	v := e.weights.Gain*models.Clamp01(gain) +
		e.weights.Coverage*(1-models.Clamp01(coverage)) +
		e.weights.Budget*models.Clamp01(budget)
	return v
}

func newUnique(st *models.ExecutionState, stepID string) int {
	for i := len(st.StepHistory) - 1; i >= 0; i-- {
		if st.StepHistory[i].StepID == stepID {
			return st.StepHistory[i].NewUnique
		}
	}
	return 0
}

// refinable reports whether a step can be retried with a rewritten query.
func refinable(s models.Step) bool {
	return s.Type == models.StepSearch || s.Type == models.StepRefine
}

func hasPending(steps []models.Step, t models.StepType) bool {
	for _, s := range steps {
		if s.Type == t {
			return true
		}
	}
	return false
}
