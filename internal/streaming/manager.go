// Package streaming stores the append-only trace of each session and fans
// events out to live subscribers (SSE / WebSocket) and an optional
// persistent sink.
package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/metrics"
	"github.com/LBatsoft/e-websearch/internal/models"
)

// Sink persists trace events outside the process.
type Sink interface {
	Write(ctx context.Context, evt models.TraceEvent) error
}

// Options tune a Manager.
type Options struct {
	// MaxEventsPerSession bounds memory per session; later events are dropped.
	MaxEventsPerSession int
	// SinkBuffer is the queue length in front of the sink.
	SinkBuffer int
}

// DefaultOptions returns the defaults used by main.
func DefaultOptions() Options {
	return Options{MaxEventsPerSession: 10000, SinkBuffer: 1024}
}

type sessionLog struct {
	events  []models.TraceEvent
	nextSeq uint64
	dropped int
}

// Manager is the trace store. Publish never blocks on subscribers or the
// sink: slow subscribers miss live events (they can replay) and a full sink
// queue drops the persisted copy.
type Manager struct {
	mu          sync.RWMutex
	logs        map[string]*sessionLog
	subscribers map[string]map[chan models.TraceEvent]struct{}
	opts        Options

	sink   Sink
	sinkCh chan models.TraceEvent
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a trace store. sink may be nil.
func NewManager(opts Options, sink Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxEventsPerSession <= 0 {
		opts.MaxEventsPerSession = DefaultOptions().MaxEventsPerSession
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = DefaultOptions().SinkBuffer
	}
	m := &Manager{
		logs:        make(map[string]*sessionLog),
		subscribers: make(map[string]map[chan models.TraceEvent]struct{}),
		opts:        opts,
		sink:        sink,
		logger:      logger,
		now:         time.Now,
	}
	if sink != nil {
		m.sinkCh = make(chan models.TraceEvent, opts.SinkBuffer)
	}
	return m
}

// Run drains the sink queue until ctx is done. It is a no-op without a sink.
func (m *Manager) Run(ctx context.Context) {
	if m.sink == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-m.sinkCh:
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := m.sink.Write(wctx, evt); err != nil {
				metrics.TraceEventsDropped.WithLabelValues("sink").Inc()
				m.logger.Debug("Trace sink write failed",
					zap.String("session_id", evt.SessionID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Emit builds and publishes an event.
func (m *Manager) Emit(sessionID, eventType string, payload map[string]any) models.TraceEvent {
	return m.Publish(models.TraceEvent{SessionID: sessionID, Type: eventType, Payload: payload})
}

// Publish appends evt to the session log, assigning Seq (starting at 1) and
// a timestamp if missing, then notifies subscribers and the sink.
func (m *Manager) Publish(evt models.TraceEvent) models.TraceEvent {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}

	m.mu.Lock()
	lg := m.logs[evt.SessionID]
	if lg == nil {
		lg = &sessionLog{nextSeq: 1}
		m.logs[evt.SessionID] = lg
	}
	if len(lg.events) >= m.opts.MaxEventsPerSession {
		lg.dropped++
		m.mu.Unlock()
		metrics.TraceEventsDropped.WithLabelValues("log").Inc()
		return evt
	}
	evt.Seq = lg.nextSeq
	lg.nextSeq++
	lg.events = append(lg.events, evt)
	m.mu.Unlock()

	metrics.TraceEventsRecorded.WithLabelValues(evt.Type).Inc()

	// the read lock keeps Unsubscribe from closing a channel mid-send
	m.mu.RLock()
	for ch := range m.subscribers[evt.SessionID] {
		select {
		case ch <- evt:
		default:
			metrics.TraceEventsDropped.WithLabelValues("subscriber").Inc()
		}
	}
	m.mu.RUnlock()

	if m.sinkCh != nil {
		select {
		case m.sinkCh <- evt:
		default:
			metrics.TraceEventsDropped.WithLabelValues("sink").Inc()
		}
	}
	return evt
}

// Events returns a copy of the full trace of a session.
func (m *Manager) Events(sessionID string) []models.TraceEvent {
	return m.ReplaySince(sessionID, 0)
}

// ReplaySince returns events with Seq > since.
func (m *Manager) ReplaySince(sessionID string, since uint64) []models.TraceEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lg := m.logs[sessionID]
	if lg == nil {
		return nil
	}
	out := make([]models.TraceEvent, 0, len(lg.events))
	for _, ev := range lg.events {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped reports how many events were discarded for a session.
func (m *Manager) Dropped(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lg := m.logs[sessionID]; lg != nil {
		return lg.dropped
	}
	return 0
}

// Subscribe adds a subscriber channel for a session; the caller must drain
// it and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan models.TraceEvent {
	ch := make(chan models.TraceEvent, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan models.TraceEvent]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan models.TraceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Forget drops the in-memory trace of a session and closes its subscribers.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, sessionID)
	for ch := range m.subscribers[sessionID] {
		close(ch)
	}
	delete(m.subscribers, sessionID)
}
