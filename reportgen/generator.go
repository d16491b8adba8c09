// Package reportgen turns a validated task into a report record: a
// deterministic transformation driven by per-agent operation tables, with
// risk elevation rules and needs_review classification.
package reportgen

import (
	"fmt"
	"time"

	"github.com/oversightlabs/overseer/model"
)

// ConfidenceFloor is the confidence below which a proposed change forces
// human review.
const ConfidenceFloor = 0.85

// Generator builds reports for one agent identity.
type Generator struct {
	agentID string
}

// New creates a report generator for the given agent id.
func New(agentID string) *Generator {
	return &Generator{agentID: agentID}
}

// Generate produces the report for a validated task. Status is needs_review
// when any proposed change carries high risk or confidence below the floor;
// otherwise success.
func (g *Generator) Generate(task *model.TaskEnvelope, duration time.Duration) *model.Report {
	now := time.Now()
	report := &model.Report{
		Agent:          g.agentID,
		TaskID:         task.TaskID,
		Status:         model.StatusSuccess,
		Metrics:        model.ReportMetrics{DurationMS: float64(duration.Milliseconds())},
		Timestamp:      now.UTC(),
		TimestampLocal: model.LocalStamp(now),
	}

	table := tableFor(task.Request.Kind)
	spec, ok := table[task.Request.Operation]
	if !ok {
		return g.GenerateError(task, duration,
			[]string{fmt.Sprintf("unsupported operation %q for %s agent", task.Request.Operation, task.Request.Kind)})
	}

	risk := spec.risk
	elevationReason := ""
	if spec.elevate != nil {
		if elevated, reason := spec.elevate(task.Request.Params); elevated != "" {
			risk = elevated
			elevationReason = reason
		}
	}

	change := model.ProposedChange{
		Operation:   task.Request.Operation,
		Risk:        risk,
		Confidence:  spec.confidence,
		Explanation: spec.explanation,
	}
	if spec.target != nil {
		change.Target = spec.target(task.Request.Params)
	}
	if spec.details != nil {
		change.Details = spec.details(task.Request.Params)
	}
	report.ProposedChanges = []model.ProposedChange{change}

	var reviewReasons []string
	if risk == model.RiskHigh {
		cause := elevationReason
		if cause == "" {
			cause = "operation is high risk"
		}
		reviewReasons = append(reviewReasons, fmt.Sprintf("%s: %s", task.Request.Operation, cause))
	}
	if spec.confidence < ConfidenceFloor {
		reviewReasons = append(reviewReasons,
			fmt.Sprintf("%s: confidence %.2f below %.2f", task.Request.Operation, spec.confidence, ConfidenceFloor))
	}

	report.Validation = validationEntries(task)
	if spec.risks != nil {
		report.Risks = spec.risks(task.Request.Params)
	}

	if len(reviewReasons) > 0 {
		report.Status = model.StatusNeedsReview
		report.ReviewReasons = reviewReasons
		report.Summary = fmt.Sprintf("%s on %s requires review", task.Request.Operation, change.Target)
	} else {
		report.Summary = fmt.Sprintf("%s on %s prepared", task.Request.Operation, change.Target)
	}

	return report
}

// GenerateError produces the degenerate error report: no proposed changes,
// the full error list, status error. Provided per agent kind for symmetry
// with Generate.
func (g *Generator) GenerateError(task *model.TaskEnvelope, duration time.Duration, errs []string) *model.Report {
	now := time.Now()
	return &model.Report{
		Agent:          g.agentID,
		TaskID:         task.TaskID,
		Status:         model.StatusError,
		Summary:        fmt.Sprintf("%s failed: %d error(s)", task.Request.Operation, len(errs)),
		Metrics:        model.ReportMetrics{DurationMS: float64(duration.Milliseconds())},
		Errors:         errs,
		Timestamp:      now.UTC(),
		TimestampLocal: model.LocalStamp(now),
	}
}

// validationEntries confirms the presence of the envelope's required fields.
func validationEntries(task *model.TaskEnvelope) []model.ValidationEntry {
	entries := []model.ValidationEntry{
		{Field: "task_id", OK: task.TaskID != ""},
		{Field: "user_id", OK: task.UserID != ""},
		{Field: "team_id", OK: task.TeamID != ""},
		{Field: "request.operation", OK: task.Request.Operation != ""},
		{Field: "request.params", OK: len(task.Request.Params) > 0},
	}
	return entries
}
