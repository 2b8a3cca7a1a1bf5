package state

import (
	"github.com/LBatsoft/e-websearch/internal/models"
)

// EventType names a session lifecycle event
type EventType string

const (
	EventPlan            EventType = "plan"
	EventStart           EventType = "start"
	EventRefine          EventType = "refine"
	EventRetryDone       EventType = "retry_done"
	EventSummarize       EventType = "summarize"
	EventComplete        EventType = "complete"
	EventFail            EventType = "fail"
	EventCancelRequested EventType = "cancel_requested"
	EventCancel          EventType = "cancel"
	EventTimeout         EventType = "timeout"
)

// Event drives one transition. Only the fields relevant to Type are read:
// Start and Refine carry Plan, Start may carry Analysis, Refine names the
// retried StepID, Complete carries Reason, Fail carries Err and Timeout
// may carry Warning.
type Event struct {
	Type     EventType
	Plan     *models.ExecutionPlan
	Analysis *models.QueryAnalysis
	StepID   string
	Reason   models.StopReason
	Err      string
	Warning  string
}

// TimeoutWarning is recorded when the session deadline fires.
const TimeoutWarning = "timeout: session deadline exceeded, returning partial results"

// interrupts are accepted from every non-terminal status.
var interrupts = map[EventType]models.Status{
	EventFail:            models.StatusFailed,
	EventCancelRequested: models.StatusCancelling,
	EventCancel:          models.StatusCancelled,
	EventTimeout:         models.StatusTimedOut,
}

var transitions = map[models.Status]map[EventType]models.Status{
	models.StatusCreated: {
		EventPlan: models.StatusPlanning,
	},
	models.StatusPlanning: {
		EventStart: models.StatusRunning,
	},
	models.StatusRunning: {
		EventRefine:    models.StatusRefining,
		EventSummarize: models.StatusSummarizing,
		EventComplete:  models.StatusCompleted,
	},
	models.StatusRefining: {
		EventRetryDone: models.StatusRunning,
		EventSummarize: models.StatusSummarizing,
		EventComplete:  models.StatusCompleted,
	},
	models.StatusSummarizing: {
		EventComplete: models.StatusCompleted,
	},
	models.StatusCancelling: {},
}

// next returns the status ev leads to from cur.
func next(cur models.Status, ev EventType) (models.Status, bool) {
	if cur.Terminal() {
		return "", false
	}
	if cur == models.StatusCancelling && ev == EventCancelRequested {
		return "", false
	}
	if to, ok := interrupts[ev]; ok {
		return to, true
	}
	to, ok := transitions[cur][ev]
	return to, ok
}
