package models

import (
	"encoding/json"
	"time"
)

// Trace event types
const (
	EventSessionStart = "session_start"
	EventPlanCreated  = "plan_created"
	EventStateChange  = "state_change"
	EventStepStart    = "step_start"
	EventStepComplete = "step_complete"
	EventDecision     = "decision"
	EventRefine       = "refine"
	EventCacheHit     = "cache_hit"
	EventError        = "error"
	EventCancel       = "cancel"
	EventTimeout      = "timeout"
	EventSessionEnd   = "session_end"
)

// TraceEvent is one append-only observability record. Seq is assigned by
// the recorder and reflects emission order within a session.
type TraceEvent struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Marshal renders the event as JSON, falling back to an empty object.
func (e TraceEvent) Marshal() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte("{}")
	}
	return b
}
