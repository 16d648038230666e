package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task record.
type Status string

// Task status constants.
const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Completed has no entry; it is a fixed point.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusReady:  true,
		StatusFailed: true,
	},
	StatusReady: {
		StatusCompleted: true,
	},
	StatusFailed: {
		StatusCompleted: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Resolved reports whether the handler outcome has been recorded.
func (s Status) Resolved() bool {
	return s == StatusReady || s == StatusFailed || s == StatusCompleted
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// ParseStatus converts a string to a Status, reporting whether it is known.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}

// Task is a unit of deferred work and, once resolved, its outcome.
type Task struct {
	TransactionID string          `json:"transaction_id"`
	Route         string          `json:"route"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

type errorResult struct {
	Error string `json:"error"`
}

// ErrorResult builds the {"error": msg} value stored for failed tasks.
func ErrorResult(msg string) json.RawMessage {
	data, _ := json.Marshal(errorResult{Error: msg})
	return data
}

// ResultError extracts the message from an error result, or "" if result is
// not of that shape.
func ResultError(result json.RawMessage) string {
	var er errorResult
	if err := json.Unmarshal(result, &er); err != nil {
		return ""
	}
	return er.Error
}
