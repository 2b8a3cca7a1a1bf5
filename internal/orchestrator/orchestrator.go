// Package orchestrator drives search sessions end to end. Each session
// gets one goroutine that plans, runs the plan stage by stage through the
// engine, folds results into the state manager and asks the condition
// evaluator what to do next. The exported methods are the operations the
// transport layer calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/condition"
	"github.com/LBatsoft/e-websearch/internal/engine"
	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/planner"
	"github.com/LBatsoft/e-websearch/internal/state"
	"github.com/LBatsoft/e-websearch/internal/streaming"
	"github.com/LBatsoft/e-websearch/internal/util"
)

// Planner produces and revises plans.
type Planner interface {
	Plan(ctx context.Context, req models.SearchRequest, remaining time.Duration) (planner.Result, error)
	Refine(plan *models.ExecutionPlan, step models.Step, analysis models.QueryAnalysis, tried []string, best []models.ResultItem) (*models.ExecutionPlan, string, bool, error)
}

// StepExecutor runs one step and never fails outright.
type StepExecutor interface {
	Execute(ctx context.Context, in engine.Input) models.StepResult
}

// TraceLoader reads persisted traces of sessions no longer in memory.
type TraceLoader interface {
	Load(ctx context.Context, sessionID string) ([]models.TraceEvent, error)
}

// Config holds session-level limits.
type Config struct {
	// ConsecutiveFailureThreshold fails the session once more failed steps than
	// this occur in a row. Steps that overran their time budget do not count.
	ConsecutiveFailureThreshold int           `mapstructure:"consecutive_failure_threshold" yaml:"consecutive_failure_threshold"`
	Retention                   time.Duration `mapstructure:"retention" yaml:"retention"`
	CancelGrace                 time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
	JanitorInterval             time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
	// MaxConcurrency bounds the steps of one parallel group running at once.
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	// WorkerPoolSize bounds parallel steps across all sessions.
	WorkerPoolSize int `mapstructure:"worker_pool_size" yaml:"worker_pool_size"`
	// ImplicitSynthesis runs a summarize step at the end of plans that lack one.
	ImplicitSynthesis bool `mapstructure:"implicit_synthesis" yaml:"implicit_synthesis"`
}

// DefaultConfig returns the built-in session limits.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailureThreshold: 3,
		Retention:                   30 * time.Minute,
		CancelGrace:                 5 * time.Second,
		JanitorInterval:             time.Minute,
		MaxConcurrency:              4,
		WorkerPoolSize:              64,
	}
}

type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	tracing bool
}

// Orchestrator owns the running sessions.
type Orchestrator struct {
	cfg       Config
	planner   Planner
	executor  StepExecutor
	states    *state.Manager
	traces    *streaming.Manager
	loader    TraceLoader
	pool      *ants.Pool
	defaults  atomic.Pointer[models.SearchRequest]
	evaluator atomic.Pointer[condition.Evaluator]
	logger    *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
	now  func() time.Time
}

// New wires an orchestrator. loader may be nil.
func New(cfg Config, p Planner, exec StepExecutor, states *state.Manager, traces *streaming.Manager, loader TraceLoader, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = def.ConsecutiveFailureThreshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = def.WorkerPoolSize
	}

	pool, err := ants.NewPool(cfg.WorkerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	o := &Orchestrator{
		cfg:      cfg,
		planner:  p,
		executor: exec,
		states:   states,
		traces:   traces,
		loader:   loader,
		pool:     pool,
		logger:   logger,
		runs:     make(map[string]*run),
		now:      time.Now,
	}
	d := models.DefaultRequest()
	o.defaults.Store(&d)
	o.evaluator.Store(condition.NewEvaluator(condition.DefaultWeights()))
	states.SetObserver(o.observe)
	return o, nil
}

// Defaults returns a copy of the current request defaults. Transports
// decode incoming requests on top of it.
func (o *Orchestrator) Defaults() models.SearchRequest {
	d := *o.defaults.Load()
	d.Sources = append([]models.SourceType(nil), d.Sources...)
	return d
}

// UpdateDefaults swaps the request defaults used for new sessions.
func (o *Orchestrator) UpdateDefaults(req models.SearchRequest) {
	req.Sources = append([]models.SourceType(nil), req.Sources...)
	o.defaults.Store(&req)
}

// UpdateWeights swaps the adaptive continuation weights.
func (o *Orchestrator) UpdateWeights(w condition.Weights) {
	o.evaluator.Store(condition.NewEvaluator(w))
}

// CreateSession validates req and starts a session. Validation errors are
// returned synchronously and nothing is created.
func (o *Orchestrator) CreateSession(req models.SearchRequest) (string, error) {
	if err := req.Validate(); err != nil {
		metrics.ValidationRejections.Inc()
		return "", err
	}
	return o.start(req, o.now().Add(req.Timeout()))
}

func (o *Orchestrator) start(req models.SearchRequest, deadline time.Time) (string, error) {
	st, err := o.states.CreateWithDeadline("", req, deadline)
	if err != nil {
		return "", err
	}
	id := st.SessionID

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	r := &run{cancel: cancel, done: make(chan struct{}), tracing: req.EnableTracing}
	o.mu.Lock()
	o.runs[id] = r
	o.mu.Unlock()

	o.emit(id, models.EventSessionStart, map[string]any{
		"query":    req.Query,
		"deadline": deadline,
		"strategy": req.PlanningStrategy,
		"request":  req,
	})
	o.logger.Info("Session started",
		zap.String("session_id", id),
		zap.String("query", util.TruncateString(req.Query, 120, true)),
		zap.Int("max_iterations", req.MaxIterations),
		zap.Duration("timeout", req.Timeout()))

	watchdog := time.AfterFunc(time.Until(deadline), func() { o.timeout(id) })

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer cancel()
		defer watchdog.Stop()
		o.drive(ctx, id, req)
	}()
	return id, nil
}

// GetStatus returns a snapshot of the session state.
func (o *Orchestrator) GetStatus(sessionID string) (models.ExecutionState, error) {
	return o.states.Snapshot(sessionID)
}

// Result returns the caller-facing view of a session, partial while it runs.
func (o *Orchestrator) Result(sessionID string) (models.AgentResponse, error) {
	st, err := o.states.Snapshot(sessionID)
	if err != nil {
		return models.AgentResponse{}, err
	}
	return st.Response(), nil
}

// GetMetrics returns the performance snapshot. For a running session the
// duration and score reflect the time elapsed so far.
func (o *Orchestrator) GetMetrics(sessionID string) (models.PerformanceMetrics, error) {
	st, err := o.states.Snapshot(sessionID)
	if err != nil {
		return models.PerformanceMetrics{}, err
	}
	m := st.Metrics.Clone()
	if !st.Status.Terminal() {
		m.Finalize(o.now().Sub(st.StartedAt))
	}
	return m, nil
}

// GetTrace returns the recorded trace events in emission order. Sessions
// evicted from memory are read back from the persistent sink when one is
// configured.
func (o *Orchestrator) GetTrace(ctx context.Context, sessionID string) ([]models.TraceEvent, error) {
	if events := o.traces.Events(sessionID); len(events) > 0 {
		return events, nil
	}
	if o.loader != nil {
		events, err := o.loader.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load trace: %w", err)
		}
		if len(events) > 0 {
			return events, nil
		}
	}
	if _, err := o.states.Snapshot(sessionID); err != nil {
		return nil, err
	}
	return []models.TraceEvent{}, nil
}

// Cancel asks a session to stop. The session passes through Cancelling and
// ends Cancelled once the in-flight step returns, or after the grace
// period at the latest. Cancelling a cancelled session is a no-op.
func (o *Orchestrator) Cancel(sessionID string) error {
	st, err := o.states.Transition(sessionID, state.Event{Type: state.EventCancelRequested})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrSessionTerminal) {
			if cur, serr := o.states.Snapshot(sessionID); serr == nil &&
				(cur.Status == models.StatusCancelling || cur.Status == models.StatusCancelled) {
				return nil
			}
		}
		return err
	}

	o.emit(sessionID, models.EventCancel, map[string]any{
		"status":       string(st.Status),
		"current_step": currentStepID(st),
	})
	o.logger.Info("Session cancel requested", zap.String("session_id", sessionID))

	o.mu.Lock()
	r := o.runs[sessionID]
	o.mu.Unlock()
	if r != nil {
		r.cancel()
	}

	grace := o.cfg.CancelGrace
	time.AfterFunc(grace, func() {
		if _, err := o.states.Transition(sessionID, state.Event{Type: state.EventCancel}); err == nil {
			o.logger.Warn("Session cancel forced after grace period",
				zap.String("session_id", sessionID),
				zap.Duration("grace", grace))
		}
	})
	return nil
}

// Wait blocks until the session goroutine exits or ctx is done, then
// returns the latest snapshot.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (models.ExecutionState, error) {
	o.mu.Lock()
	r := o.runs[sessionID]
	o.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return models.ExecutionState{}, ctx.Err()
		}
	}
	return o.states.Snapshot(sessionID)
}

// Subscribe streams live trace events of a session. The returned replay
// holds the events recorded before the subscription.
func (o *Orchestrator) Subscribe(sessionID string, buffer int) (replay []models.TraceEvent, live chan models.TraceEvent, err error) {
	if _, err := o.states.Snapshot(sessionID); err != nil {
		return nil, nil, err
	}
	live = o.traces.Subscribe(sessionID, buffer)
	return o.traces.Events(sessionID), live, nil
}

// Unsubscribe releases a channel returned by Subscribe.
func (o *Orchestrator) Unsubscribe(sessionID string, ch chan models.TraceEvent) {
	o.traces.Unsubscribe(sessionID, ch)
}

// Run evicts finished sessions past their retention until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) sweep() {
	for _, id := range o.states.EvictFinished(o.cfg.Retention) {
		o.traces.Forget(id)
		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
	}
}

// Shutdown cancels every running session and waits for their goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, r := range o.runs {
		r.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	defer o.pool.Release()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timeout is the deadline watchdog.
func (o *Orchestrator) timeout(sessionID string) {
	if _, err := o.states.Transition(sessionID, state.Event{Type: state.EventTimeout}); err != nil {
		return
	}
	o.logger.Warn("Session deadline reached", zap.String("session_id", sessionID))
	o.mu.Lock()
	r := o.runs[sessionID]
	o.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// observe runs on the session writer after every transition.
func (o *Orchestrator) observe(st models.ExecutionState, from models.Status, ev state.Event) {
	id := st.SessionID
	o.emit(id, models.EventStateChange, map[string]any{
		"from":  string(from),
		"to":    string(st.Status),
		"event": string(ev.Type),
	})
	if !st.Status.Terminal() {
		return
	}

	if ev.Type == state.EventTimeout {
		o.emit(id, models.EventTimeout, map[string]any{
			"deadline": st.Deadline,
			"results":  len(st.AccumulatedResults),
		})
	}
	strategy := "none"
	if st.CurrentPlan != nil {
		strategy = string(st.CurrentPlan.Strategy)
	}
	metrics.SessionsFinished.WithLabelValues(string(st.Status), string(st.StopReason)).Inc()
	metrics.SessionDuration.WithLabelValues(strategy, string(st.Status)).Observe(st.ElapsedTime.Seconds())

	o.emit(id, models.EventSessionEnd, map[string]any{
		"status":      string(st.Status),
		"stop_reason": string(st.StopReason),
		"results":     len(st.AccumulatedResults),
		"iterations":  st.IterationCount,
		"elapsed_ms":  st.ElapsedTime.Milliseconds(),
	})
	o.logger.Info("Session finished",
		zap.String("session_id", id),
		zap.String("status", string(st.Status)),
		zap.String("stop_reason", string(st.StopReason)),
		zap.Int("results", len(st.AccumulatedResults)),
		zap.Int("iterations", st.IterationCount),
		zap.Duration("elapsed", st.ElapsedTime))
}

// emit records a trace event when the session has tracing enabled.
func (o *Orchestrator) emit(sessionID, eventType string, payload map[string]any) {
	o.mu.Lock()
	r := o.runs[sessionID]
	o.mu.Unlock()
	if r == nil || !r.tracing {
		return
	}
	o.traces.Emit(sessionID, eventType, payload)
}

func currentStepID(st models.ExecutionState) string {
	if st.CurrentStep == nil {
		return ""
	}
	return st.CurrentStep.ID
}
