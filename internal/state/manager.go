// Package state owns the ExecutionState of every live session. Each
// session has one writer goroutine; transitions and step results are
// queued to it and applied one at a time in arrival order. Readers get
// deep copies of the last published state and never wait on the writer.
package state

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/results"
)

// Observer is called on the session's writer goroutine after each
// successful transition, so calls for one session arrive in order. st is
// a copy of the state after the transition. An observer must not call
// back into Transition or RecordStepResult for the same session.
type Observer func(st models.ExecutionState, from models.Status, ev Event)

// FoldOutcome reports how a step result changed the session.
type FoldOutcome struct {
	results.AddOutcome
	Removed             int
	ConsecutiveFailures int
	Accumulated         int
}

type command struct {
	fn    func(*session) (any, error)
	reply chan reply
}

type reply struct {
	val any
	err error
}

type session struct {
	id    string
	cmds  chan command
	done  chan struct{}
	state *models.ExecutionState
	acc   *results.Accumulator
	snap  atomic.Pointer[models.ExecutionState]
}

// Manager is the session arena keyed by session ID.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
	queueLen int
}

// NewManager creates an empty arena.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*session),
		logger:   logger,
		now:      time.Now,
		queueLen: 64,
	}
}

// SetObserver installs the transition observer. Call before Create.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// Create registers a session in status Created with its deadline fixed at
// now + req.Timeout(). An empty sessionID gets a generated one.
func (m *Manager) Create(sessionID string, req models.SearchRequest) (models.ExecutionState, error) {
	return m.CreateWithDeadline(sessionID, req, m.now().Add(req.Timeout()))
}

// CreateWithDeadline is Create with an explicit absolute deadline.
func (m *Manager) CreateWithDeadline(sessionID string, req models.SearchRequest, deadline time.Time) (models.ExecutionState, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := m.now()
	st := &models.ExecutionState{
		SessionID:          sessionID,
		Status:             models.StatusCreated,
		Request:            req,
		StartedAt:          now,
		Deadline:           deadline,
		AccumulatedResults: []models.ResultItem{},
		CompletedSteps:     []string{},
		Errors:             []string{},
		Warnings:           []string{},
	}
	s := &session{
		id:    sessionID,
		cmds:  make(chan command, m.queueLen),
		done:  make(chan struct{}),
		state: st,
		acc:   results.NewAccumulator(req.TotalMaxResults),
	}
	s.snap.Store(st.Clone())

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return models.ExecutionState{}, fmt.Errorf("%w: %s", models.ErrSessionExists, sessionID)
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	go s.run()
	metrics.ActiveSessions.Inc()
	m.logger.Debug("Session created",
		zap.String("session_id", sessionID),
		zap.Time("deadline", st.Deadline))
	return *st.Clone(), nil
}

func (s *session) run() {
	for {
		select {
		case <-s.done:
			return
		case c := <-s.cmds:
			val, err := c.fn(s)
			if err == nil {
				s.snap.Store(s.state.Clone())
			}
			c.reply <- reply{val: val, err: err}
		}
	}
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// submit queues fn on the session writer and waits for it to run.
func (m *Manager) submit(sessionID string, fn func(*session) (any, error)) (any, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	c := command{fn: fn, reply: make(chan reply, 1)}
	select {
	case s.cmds <- c:
	case <-s.done:
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	select {
	case r := <-c.reply:
		return r.val, r.err
	case <-s.done:
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
}

// Transition applies ev and returns the resulting state.
func (m *Manager) Transition(sessionID string, ev Event) (models.ExecutionState, error) {
	m.mu.RLock()
	observer := m.observer
	m.mu.RUnlock()

	val, err := m.submit(sessionID, func(s *session) (any, error) {
		from := s.state.Status
		if from.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", models.ErrSessionTerminal, sessionID, from)
		}
		to, ok := next(from, ev.Type)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s", models.ErrInvalidTransition, from, ev.Type)
		}
		if err := m.apply(s, ev, to); err != nil {
			return nil, err
		}
		cp := s.state.Clone()
		if observer != nil {
			observer(*cp.Clone(), from, ev)
		}
		return cp, nil
	})
	if err != nil {
		return models.ExecutionState{}, err
	}
	return *val.(*models.ExecutionState), nil
}

func (m *Manager) apply(s *session, ev Event, to models.Status) error {
	st := s.state
	now := m.now()

	switch ev.Type {
	case EventStart:
		if ev.Plan == nil {
			return fmt.Errorf("%w: start without a plan", models.ErrInvalidTransition)
		}
		st.CurrentPlan = ev.Plan.Clone()
		st.PlanVersions = append(st.PlanVersions, ev.Plan.ID)
		if ev.Analysis != nil {
			a := *ev.Analysis
			st.Analysis = &a
		}
	case EventRefine:
		if ev.Plan == nil || ev.StepID == "" {
			return fmt.Errorf("%w: refine needs a plan and a step", models.ErrInvalidTransition)
		}
		if st.IterationCount >= st.Request.MaxIterations {
			return fmt.Errorf("%w: %d of %d", models.ErrIterationLimit, st.IterationCount, st.Request.MaxIterations)
		}
		st.IterationCount++
		st.CurrentPlan = ev.Plan.Clone()
		st.PlanVersions = append(st.PlanVersions, ev.Plan.ID)
		st.CompletedSteps = removeString(st.CompletedSteps, ev.StepID)
	case EventComplete:
		st.StopReason = ev.Reason
		if st.StopReason == "" {
			st.StopReason = models.StopSuccess
		}
	case EventFail:
		st.StopReason = models.StopFailed
		if ev.Err != "" {
			st.Errors = append(st.Errors, ev.Err)
		}
	case EventCancel:
		st.StopReason = models.StopCancelled
	case EventTimeout:
		st.StopReason = models.StopTimeout
		w := ev.Warning
		if w == "" {
			w = TimeoutWarning
		}
		st.Warnings = append(st.Warnings, w)
	}

	st.Status = to
	st.ElapsedTime = now.Sub(st.StartedAt)
	if to.Terminal() {
		st.CurrentStep = nil
		st.FinishedAt = now
		st.Metrics.Finalize(st.ElapsedTime)
		metrics.ActiveSessions.Dec()
	}
	return nil
}

// MarkStepStarted records the step currently executing for progress reporting.
func (m *Manager) MarkStepStarted(sessionID string, step models.Step) error {
	_, err := m.submit(sessionID, func(s *session) (any, error) {
		if s.state.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s", models.ErrSessionTerminal, sessionID)
		}
		cp := step
		s.state.CurrentStep = &cp
		return nil, nil
	})
	return err
}

// RecordStepResult folds one StepResult into the session: accumulated
// results, history, errors and warnings, failure streak, cache hits and,
// when monitoring is enabled, performance metrics. Results arriving after
// the session reached a terminal status are discarded.
func (m *Manager) RecordStepResult(sessionID string, res models.StepResult) (FoldOutcome, error) {
	val, err := m.submit(sessionID, func(s *session) (any, error) {
		st := s.state
		if st.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", models.ErrSessionTerminal, sessionID, st.Status)
		}

		var out FoldOutcome
		out.AddOutcome = s.acc.Add(res.StepID, res.StepType, res.Results)
		if len(res.Rejected) > 0 {
			out.Removed = s.acc.Remove(res.Rejected)
		}
		st.AccumulatedResults = s.acc.Results()

		if res.Summary != "" {
			st.Summary = res.Summary
		}
		if len(res.Tags) > 0 {
			st.Tags = append([]string(nil), res.Tags...)
		}
		for _, e := range res.Errors {
			st.Errors = append(st.Errors, fmt.Sprintf("%s: %s", res.StepID, e))
		}
		for _, w := range res.Warnings {
			st.Warnings = append(st.Warnings, fmt.Sprintf("%s: %s", res.StepID, w))
		}

		failed := res.Failed()
		switch {
		case res.TimedOut:
			// budget overruns are bounded by the session deadline instead
		case failed:
			st.ConsecutiveFailures++
		default:
			st.ConsecutiveFailures = 0
		}
		if res.FromCache {
			st.CacheHits++
		}
		if st.Request.EnablePerformanceMonitoring {
			st.Metrics.ObserveStep(res)
		}

		st.StepHistory = append(st.StepHistory, models.StepRecord{
			StepID:     res.StepID,
			StepType:   res.StepType,
			Query:      res.Query,
			Iteration:  st.IterationCount,
			Returned:   len(res.Results),
			NewUnique:  out.NewUnique,
			Confidence: res.ConfidenceScore,
			Duration:   res.ExecutionTime,
			FromCache:  res.FromCache,
			Failed:     failed,
			TimedOut:   res.TimedOut,
		})
		if !st.IsCompleted(res.StepID) {
			st.CompletedSteps = append(st.CompletedSteps, res.StepID)
		}
		if st.CurrentStep != nil && st.CurrentStep.ID == res.StepID {
			st.CurrentStep = nil
		}
		st.ElapsedTime = m.now().Sub(st.StartedAt)

		out.ConsecutiveFailures = st.ConsecutiveFailures
		out.Accumulated = s.acc.Len()
		return out, nil
	})
	if err != nil {
		return FoldOutcome{}, err
	}
	return val.(FoldOutcome), nil
}

// Snapshot returns a deep copy of the last published state. Mutating it
// has no effect on the session.
func (m *Manager) Snapshot(sessionID string) (models.ExecutionState, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return models.ExecutionState{}, err
	}
	return *s.snap.Load().Clone(), nil
}

// IDs lists the sessions held by the arena, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// EvictFinished removes sessions that reached a terminal status more than
// retention ago and returns their IDs.
func (m *Manager) EvictFinished(retention time.Duration) []string {
	cutoff := m.now().Add(-retention)
	var evicted []string

	m.mu.Lock()
	for id, s := range m.sessions {
		st := s.snap.Load()
		if st.Status.Terminal() && !st.FinishedAt.After(cutoff) {
			delete(m.sessions, id)
			close(s.done)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	if len(evicted) > 0 {
		sort.Strings(evicted)
		m.logger.Debug("Evicted finished sessions", zap.Int("count", len(evicted)))
	}
	return evicted
}

// Close stops every writer goroutine and empties the arena.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if !s.snap.Load().Status.Terminal() {
			metrics.ActiveSessions.Dec()
		}
		close(s.done)
		delete(m.sessions, id)
	}
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
