// Package task defines the task domain model and the state machine that owns
// every tracked generation job. All lifecycle mutations go through the
// Machine; other components only read snapshots or dispatch transitions.
package task

import (
	"encoding/json"
	"time"

	"fable/internal/errors"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type identifies the kind of generation job a task runs.
type Type string

const (
	TypeStory     Type = "story"
	TypeVideo     Type = "video"
	TypeNarration Type = "narration"
	TypeImage     Type = "image"
)

// Progress is the last-known progress snapshot for a running task.
type Progress struct {
	Stage   string `json:"stage,omitempty"`
	Percent int    `json:"percent"` // 0-100, non-decreasing while running
	Message string `json:"message,omitempty"`
}

// Transition records one status change for the task's audit trail.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Task is one tracked unit of long-running asynchronous generation work.
type Task struct {
	ID       string             `json:"id"`
	Type     Type               `json:"type"`
	Status   Status             `json:"status"`
	Config   map[string]any     `json:"config,omitempty"`
	Result   json.RawMessage    `json:"result,omitempty"`
	Progress Progress           `json:"progress"`
	Error    *errors.Classified `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"` // set on any terminal state
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Recent status transitions, oldest first, capped.
	Transitions []Transition `json:"transitions,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to callers.
func (t *Task) Clone() *Task {
	out := *t
	if t.Config != nil {
		out.Config = make(map[string]any, len(t.Config))
		for k, v := range t.Config {
			out.Config[k] = v
		}
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Transitions != nil {
		out.Transitions = append([]Transition(nil), t.Transitions...)
	}
	return &out
}
