package model

import (
	"time"
)

// ReportStatus classifies the outcome of one agent invocation.
type ReportStatus string

const (
	StatusSuccess     ReportStatus = "success"
	StatusFailure     ReportStatus = "failure"
	StatusError       ReportStatus = "error"
	StatusNeedsReview ReportStatus = "needs_review"
	StatusPartial     ReportStatus = "partial"
)

// Valid reports whether s is a known report status.
func (s ReportStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusError, StatusNeedsReview, StatusPartial:
		return true
	}
	return false
}

// RiskLevel classifies how dangerous a proposed change is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ProposedChange describes one change an agent would make, with enough
// metadata for a human reviewer. Details never carry secret payloads.
type ProposedChange struct {
	Operation   string         `json:"operation"`
	Target      string         `json:"target"`
	Risk        RiskLevel      `json:"risk"`
	Confidence  float64        `json:"confidence"`
	Explanation string         `json:"explanation"`
	Details     map[string]any `json:"details,omitempty"`
}

// ReportMetrics carries per-invocation runtime numbers.
type ReportMetrics struct {
	DurationMS float64  `json:"duration_ms"`
	TokensIn   *int     `json:"tokens_in,omitempty"`
	TokensOut  *int     `json:"tokens_out,omitempty"`
	Cost       *float64 `json:"cost,omitempty"`
}

// ValidationEntry records one field-presence check performed by an agent.
type ValidationEntry struct {
	Field string `json:"field"`
	OK    bool   `json:"ok"`
	Note  string `json:"note,omitempty"`
}

// ExecutionResult records the outcome of one real external call, when
// execution is enabled.
type ExecutionResult struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Report is the structured output of one agent invocation for one task.
type Report struct {
	Agent            string            `json:"agent"`
	TaskID           string            `json:"task_id"`
	Status           ReportStatus      `json:"status"`
	Summary          string            `json:"summary"`
	Metrics          ReportMetrics     `json:"metrics"`
	ProposedChanges  []ProposedChange  `json:"proposed_changes,omitempty"`
	Validation       []ValidationEntry `json:"validation,omitempty"`
	Risks            []string          `json:"risks,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
	ReviewReasons    []string          `json:"review_reasons,omitempty"`
	Artifacts        []string          `json:"artifacts,omitempty"`
	NextActions      []string          `json:"next_actions,omitempty"`
	ExecutionResults []ExecutionResult `json:"execution_results,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	TimestampLocal   string            `json:"timestamp_local"`
}

// Validate checks the report's structural invariants: needs_review requires
// review reasons, success forbids errors.
func (r *Report) Validate() error {
	if r.Agent == "" {
		return &ValidationError{Field: "agent", Message: "agent is required"}
	}
	if r.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if !r.Status.Valid() {
		return &ValidationError{Field: "status", Message: "unknown status"}
	}
	if r.Summary == "" {
		return &ValidationError{Field: "summary", Message: "summary is required"}
	}
	if r.Metrics.DurationMS < 0 {
		return &ValidationError{Field: "metrics.duration_ms", Message: "must be >= 0"}
	}
	if r.Status == StatusNeedsReview && len(r.ReviewReasons) == 0 {
		return &ValidationError{Field: "review_reasons", Message: "needs_review requires review_reasons"}
	}
	if r.Status == StatusSuccess && len(r.Errors) > 0 {
		return &ValidationError{Field: "errors", Message: "success report must not carry errors"}
	}
	for _, pc := range r.ProposedChanges {
		if !pc.Risk.Valid() {
			return &ValidationError{Field: "proposed_changes", Message: "unknown risk level"}
		}
		if pc.Confidence < 0 || pc.Confidence > 1 {
			return &ValidationError{Field: "proposed_changes", Message: "confidence out of [0,1]"}
		}
	}
	return nil
}
