package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/LBatsoft/e-websearch/internal/models"
)

func TestPublishAssignsSequentialSeq(t *testing.T) {
	m := NewManager(DefaultOptions(), nil, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		m.Emit("s1", models.EventStepStart, map[string]any{"i": i})
	}
	m.Emit("s2", models.EventSessionStart, nil)

	evs := m.Events("s1")
	require.Len(t, evs, 5)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Len(t, m.Events("s2"), 1)
	assert.Equal(t, uint64(1), m.Events("s2")[0].Seq)
}

func TestReplaySince(t *testing.T) {
	m := NewManager(DefaultOptions(), nil, zaptest.NewLogger(t))
	for i := 0; i < 6; i++ {
		m.Emit("s1", models.EventDecision, nil)
	}
	evs := m.ReplaySince("s1", 3)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(4), evs[0].Seq)
	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestEventsReturnsCopy(t *testing.T) {
	m := NewManager(DefaultOptions(), nil, zaptest.NewLogger(t))
	m.Emit("s1", models.EventSessionStart, nil)
	evs := m.Events("s1")
	evs[0].Type = "mutated"
	assert.Equal(t, models.EventSessionStart, m.Events("s1")[0].Type)
}

func TestMaxEventsPerSession(t *testing.T) {
	m := NewManager(Options{MaxEventsPerSession: 3}, nil, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		m.Emit("s1", models.EventDecision, nil)
	}
	assert.Len(t, m.Events("s1"), 3)
	assert.Equal(t, 2, m.Dropped("s1"))
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	m := NewManager(DefaultOptions(), nil, zaptest.NewLogger(t))
	ch := m.Subscribe("s1", 4)
	m.Emit("s1", models.EventStepStart, nil)
	m.Emit("other", models.EventStepStart, nil)

	select {
	case ev := <-ch:
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
	m.Unsubscribe("s1", ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	m := NewManager(DefaultOptions(), nil, zaptest.NewLogger(t))
	_ = m.Subscribe("s1", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.Emit("s1", models.EventDecision, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, m.Events("s1"), 100)
}

func TestForgetClosesSubscribers(t *testing.T) {
	m := NewManager(DefaultOptions(), nil, zaptest.NewLogger(t))
	ch := m.Subscribe("s1", 1)
	m.Emit("s1", models.EventSessionEnd, nil)
	m.Forget("s1")
	assert.Nil(t, m.Events("s1"))
	<-ch
	_, open := <-ch
	assert.False(t, open)
	// unsubscribing after forget is harmless
	m.Unsubscribe("s1", ch)
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.TraceEvent
}

func (s *recordingSink) Write(_ context.Context, evt models.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSinkReceivesEvents(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(DefaultOptions(), sink, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Emit("s1", models.EventSessionStart, nil)
	m.Emit("s1", models.EventSessionEnd, nil)

	assert.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 10*time.Millisecond)
}
