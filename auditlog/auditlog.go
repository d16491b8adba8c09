// Package auditlog writes one structured record per agent invocation: the
// task identity, the step timeline, a reference to the generated report with
// its checksum, and any error with type and stack.
package auditlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/oversightlabs/overseer/hashutil"
	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/statestore"
)

// SchemaVersion identifies the record layout. Bump on breaking changes.
const SchemaVersion = "1.0"

// Step is one entry of an invocation's operation timeline.
type Step struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorInfo captures a failure with enough context to debug it later.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Record is the persisted form of one agent invocation.
type Record struct {
	SchemaVersion  string         `json:"schema_version"`
	Timestamp      time.Time      `json:"timestamp"`
	TaskID         string         `json:"task_id"`
	Agent          string         `json:"agent"`
	UserID         string         `json:"user_id"`
	TeamID         string         `json:"team_id"`
	ConfigVersion  string         `json:"config_version"`
	Steps          []Step         `json:"steps"`
	ReportRef      string         `json:"report_ref,omitempty"`
	Error          *ErrorInfo     `json:"error,omitempty"`
	Metrics        map[string]any `json:"metrics"`
	ReportChecksum *string        `json:"report_checksum"`
}

// Logger writes invocation records into a per-agent directory.
type Logger struct {
	dir           string
	agentID       string
	configVersion string
	logger        *slog.Logger
	now           func() time.Time
}

// New creates an audit logger rooted at dir. Records land under
// dir/<agent-id>/.
func New(dir, agentID, configVersion string) *Logger {
	return &Logger{
		dir:           dir,
		agentID:       agentID,
		configVersion: configVersion,
		logger:        slog.Default(),
		now:           time.Now,
	}
}

// Invocation accumulates the record for one task execution. Not safe for
// concurrent use; each task gets its own.
type Invocation struct {
	parent *Logger
	record Record
	start  time.Time
}

// Begin starts the record for one task.
func (l *Logger) Begin(task *model.TaskEnvelope) *Invocation {
	now := l.now()
	return &Invocation{
		parent: l,
		start:  now,
		record: Record{
			SchemaVersion: SchemaVersion,
			Timestamp:     now.UTC(),
			TaskID:        task.TaskID,
			Agent:         l.agentID,
			UserID:        task.UserID,
			TeamID:        task.TeamID,
			ConfigVersion: l.configVersion,
			Metrics:       map[string]any{},
		},
	}
}

// Step appends one timeline entry.
func (inv *Invocation) Step(name, status string) {
	inv.record.Steps = append(inv.record.Steps, Step{
		Name:      name,
		Status:    status,
		Timestamp: inv.parent.now().UTC(),
	})
}

// AttachReport records the report's location and its SHA-256 checksum.
func (inv *Invocation) AttachReport(path string, report *model.Report) {
	inv.record.ReportRef = path
	sum, err := hashutil.Compute(report)
	if err != nil {
		inv.parent.logger.Warn("failed to checksum report for audit record",
			slog.String("task_id", inv.record.TaskID),
			slog.String("error", err.Error()))
		return
	}
	inv.record.ReportChecksum = &sum
}

// Fail records the error with its concrete type and the current stack.
func (inv *Invocation) Fail(err error) {
	if err == nil {
		return
	}
	inv.record.Error = &ErrorInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
}

// SetMetric stores one runtime metric on the record.
func (inv *Invocation) SetMetric(key string, value any) {
	inv.record.Metrics[key] = value
}

// Close finalizes and writes the record. The filename carries the start
// timestamp and task id so records sort chronologically per agent.
func (inv *Invocation) Close() error {
	inv.record.Metrics["duration_ms"] = inv.parent.now().Sub(inv.start).Milliseconds()

	agentDir := filepath.Join(inv.parent.dir, inv.parent.agentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_audit.json", model.Stamp(inv.start), inv.record.TaskID)
	data, err := json.MarshalIndent(inv.record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	if err := statestore.WriteFileAtomic(filepath.Join(agentDir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}
