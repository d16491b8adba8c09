package model

import (
	"encoding/json"
	"time"
)

// AgentKind identifies the specialized agent a task is addressed to.
type AgentKind string

const (
	AgentKindSheets  AgentKind = "sheets"
	AgentKindAuth    AgentKind = "auth"
	AgentKindBackend AgentKind = "backend"
	AgentKindMetrics AgentKind = "metrics"
	AgentKindUI      AgentKind = "ui"
)

// Valid reports whether k is a known agent kind.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentKindSheets, AgentKindAuth, AgentKindBackend, AgentKindMetrics, AgentKindUI:
		return true
	}
	return false
}

// Priority orders tasks within a queue for human readers; it does not affect
// FIFO pop order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// TaskMeta carries provenance for a task envelope.
type TaskMeta struct {
	Source    string    `json:"source"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskRequest is the typed payload of a task envelope. Kind discriminates
// which agent consumes it; Operation selects the agent operation; Params
// holds the operation-specific fields, validated per agent kind by the
// schema package.
type TaskRequest struct {
	Kind      AgentKind       `json:"kind"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// TaskEnvelope is the unit of work a producer enqueues and exactly one agent
// consumes. Envelopes are immutable once enqueued.
type TaskEnvelope struct {
	TaskID  string      `json:"task_id"`
	UserID  string      `json:"user_id"`
	TeamID  string      `json:"team_id"`
	Request TaskRequest `json:"request"`
	Meta    TaskMeta    `json:"metadata"`
}

// Validate checks the envelope's required fields.
func (t *TaskEnvelope) Validate() error {
	if t.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if t.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "user_id is required"}
	}
	if t.TeamID == "" {
		return &ValidationError{Field: "team_id", Message: "team_id is required"}
	}
	if !t.Request.Kind.Valid() {
		return &ValidationError{Field: "request.kind", Message: "unknown agent kind"}
	}
	if t.Request.Operation == "" {
		return &ValidationError{Field: "request.operation", Message: "operation is required"}
	}
	if t.Meta.Priority != "" && !t.Meta.Priority.Valid() {
		return &ValidationError{Field: "metadata.priority", Message: "unknown priority"}
	}
	return nil
}
