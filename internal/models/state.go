package models

import "time"

// Status is the session-level state machine position
type Status string

const (
	StatusCreated     Status = "created"
	StatusPlanning    Status = "planning"
	StatusRunning     Status = "running"
	StatusRefining    Status = "refining"
	StatusSummarizing Status = "summarizing"
	StatusCancelling  Status = "cancelling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusTimedOut    Status = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// StepRecord is the folded history entry of one executed step attempt.
type StepRecord struct {
	StepID     string        `json:"step_id"`
	StepType   StepType      `json:"step_type"`
	Query      string        `json:"query"`
	Iteration  int           `json:"iteration"`
	Returned   int           `json:"returned"`
	NewUnique  int           `json:"new_unique"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
	FromCache  bool          `json:"from_cache"`
	Failed     bool          `json:"failed"`
	TimedOut   bool          `json:"timed_out"`
}

// Progress summarises how far through the current plan a session is.
type Progress struct {
	CompletedSteps int     `json:"completed_steps"`
	TotalSteps     int     `json:"total_steps"`
	Percent        float64 `json:"percent"`
}

// ExecutionState is owned by the state manager. Values handed out are
// snapshots; mutating them has no effect on the session.
type ExecutionState struct {
	SessionID           string             `json:"session_id"`
	Status              Status             `json:"status"`
	Request             SearchRequest      `json:"request"`
	Analysis            *QueryAnalysis     `json:"analysis,omitempty"`
	CurrentPlan         *ExecutionPlan     `json:"current_plan,omitempty"`
	PlanVersions        []string           `json:"plan_versions,omitempty"`
	CurrentStep         *Step              `json:"current_step,omitempty"`
	IterationCount      int                `json:"iteration_count"`
	StartedAt           time.Time          `json:"started_at"`
	Deadline            time.Time          `json:"deadline"`
	FinishedAt          time.Time          `json:"finished_at,omitempty"`
	ElapsedTime         time.Duration      `json:"elapsed_time"`
	CacheHits           int                `json:"cache_hits"`
	AccumulatedResults  []ResultItem       `json:"accumulated_results"`
	CompletedSteps      []string           `json:"completed_steps"`
	StepHistory         []StepRecord       `json:"step_history"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	StopReason          StopReason         `json:"stop_reason,omitempty"`
	Summary             string             `json:"summary,omitempty"`
	Tags                []string           `json:"tags,omitempty"`
	Errors              []string           `json:"errors"`
	Warnings            []string           `json:"warnings"`
	Metrics             PerformanceMetrics `json:"metrics"`
}

// IsCompleted reports whether stepID has already been folded.
func (s *ExecutionState) IsCompleted(stepID string) bool {
	for _, id := range s.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// RemainingSteps lists plan steps that have not completed yet, in plan order.
func (s *ExecutionState) RemainingSteps() []Step {
	if s.CurrentPlan == nil {
		return nil
	}
	var out []Step
	for _, st := range s.CurrentPlan.Steps {
		if !s.IsCompleted(st.ID) {
			out = append(out, st)
		}
	}
	return out
}

// Progress derives completion counters from the current plan.
func (s *ExecutionState) Progress() Progress {
	p := Progress{}
	if s.CurrentPlan == nil {
		return p
	}
	p.TotalSteps = len(s.CurrentPlan.Steps)
	for _, st := range s.CurrentPlan.Steps {
		if s.IsCompleted(st.ID) {
			p.CompletedSteps++
		}
	}
	if p.TotalSteps > 0 {
		p.Percent = float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
	}
	return p
}

// RemainingTime is the time left until the session deadline.
func (s *ExecutionState) RemainingTime(now time.Time) time.Duration {
	if s.Deadline.IsZero() {
		return 0
	}
	if d := s.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// LastStep returns the most recent history entry.
func (s *ExecutionState) LastStep() (StepRecord, bool) {
	if len(s.StepHistory) == 0 {
		return StepRecord{}, false
	}
	return s.StepHistory[len(s.StepHistory)-1], true
}

// AgentResponse is the final, caller-facing view of a finished session.
type AgentResponse struct {
	SessionID  string             `json:"session_id"`
	Status     Status             `json:"status"`
	StopReason StopReason         `json:"stop_reason,omitempty"`
	Query      string             `json:"query"`
	Results    []ResultItem       `json:"results"`
	Summary    string             `json:"summary,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Plan       *ExecutionPlan     `json:"plan,omitempty"`
	Iterations int                `json:"iterations"`
	Errors     []string           `json:"errors"`
	Warnings   []string           `json:"warnings"`
	Metrics    PerformanceMetrics `json:"metrics"`
	Elapsed    time.Duration      `json:"elapsed"`
}

// Response builds an AgentResponse from a snapshot.
func (s *ExecutionState) Response() AgentResponse {
	return AgentResponse{
		SessionID:  s.SessionID,
		Status:     s.Status,
		StopReason: s.StopReason,
		Query:      s.Request.Query,
		Results:    s.AccumulatedResults,
		Summary:    s.Summary,
		Tags:       s.Tags,
		Plan:       s.CurrentPlan,
		Iterations: s.IterationCount,
		Errors:     s.Errors,
		Warnings:   s.Warnings,
		Metrics:    s.Metrics,
		Elapsed:    s.ElapsedTime,
	}
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Request.Sources = append([]SourceType(nil), s.Request.Sources...)
	if s.Request.Context != nil {
		cp.Request.Context = make(map[string]string, len(s.Request.Context))
		for k, v := range s.Request.Context {
			cp.Request.Context[k] = v
		}
	}
	if s.Analysis != nil {
		a := *s.Analysis
		a.Entities = append([]string(nil), s.Analysis.Entities...)
		a.Keywords = append([]string(nil), s.Analysis.Keywords...)
		a.SuggestedRefinements = append([]string(nil), s.Analysis.SuggestedRefinements...)
		cp.Analysis = &a
	}
	cp.CurrentPlan = s.CurrentPlan.Clone()
	if s.CurrentStep != nil {
		st := *s.CurrentStep
		cp.CurrentStep = &st
	}
	cp.PlanVersions = append([]string(nil), s.PlanVersions...)
	cp.AccumulatedResults = make([]ResultItem, len(s.AccumulatedResults))
	for i, r := range s.AccumulatedResults {
		r.Citations = append([]string(nil), r.Citations...)
		cp.AccumulatedResults[i] = r
	}
	cp.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	cp.StepHistory = append([]StepRecord(nil), s.StepHistory...)
	cp.Tags = append([]string(nil), s.Tags...)
	cp.Errors = append([]string(nil), s.Errors...)
	cp.Warnings = append([]string(nil), s.Warnings...)
	cp.Metrics = s.Metrics.Clone()
	return &cp
}
