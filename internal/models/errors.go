package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound is returned for lookups of unknown or evicted sessions
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a session ID is reused
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidTransition is returned when an event is not allowed in the current status
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSessionTerminal is returned when mutating a session that already finished
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrIterationLimit is returned when a refine would exceed max_iterations
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrCancelled marks caller-initiated cancellation
	ErrCancelled = errors.New("session cancelled")
)

// ValidationError describes one malformed request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all field violations of a request.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	var ves ValidationErrors
	return errors.As(err, &ves) || errors.As(err, &ve)
}

// PlanningError is fatal for the session: it ends Failed.
type PlanningError struct {
	Strategy Strategy
	Reason   string
}

func (e *PlanningError) Error() string {
	if e.Strategy == "" {
		return "planning failed: " + e.Reason
	}
	return fmt.Sprintf("planning failed for strategy %s: %s", e.Strategy, e.Reason)
}

// ToolInvocationError wraps a collaborator failure after retries ran out.
type ToolInvocationError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// StopReason explains why a session stopped without error. Budget
// exhaustion is a normal stop, not a failure.
type StopReason string

const (
	StopSuccess         StopReason = "success"
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopTimeout         StopReason = "timeout"
	StopCancelled       StopReason = "cancelled"
	StopFailed          StopReason = "failed"
)
