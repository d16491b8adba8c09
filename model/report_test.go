package model

import (
	"strings"
	"testing"
)

func validReport() Report {
	return Report{
		Agent:   "sheets-agent",
		TaskID:  "sh-042",
		Status:  StatusSuccess,
		Summary: "Cell B5 updated",
		Metrics: ReportMetrics{DurationMS: 820},
	}
}

func TestReport_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Report)
		wantErr string
	}{
		{
			name:    "valid success report",
			mutate:  func(*Report) {},
			wantErr: "",
		},
		{
			name:    "missing agent",
			mutate:  func(r *Report) { r.Agent = "" },
			wantErr: "agent",
		},
		{
			name:    "missing task_id",
			mutate:  func(r *Report) { r.TaskID = "" },
			wantErr: "task_id",
		},
		{
			name:    "unknown status",
			mutate:  func(r *Report) { r.Status = "done" },
			wantErr: "status",
		},
		{
			name:    "negative duration",
			mutate:  func(r *Report) { r.Metrics.DurationMS = -1 },
			wantErr: "duration_ms",
		},
		{
			name:    "needs_review without reasons",
			mutate:  func(r *Report) { r.Status = StatusNeedsReview },
			wantErr: "review_reasons",
		},
		{
			name: "needs_review with reasons",
			mutate: func(r *Report) {
				r.Status = StatusNeedsReview
				r.ReviewReasons = []string{"clear_range over A1:Z100 is high risk"}
			},
			wantErr: "",
		},
		{
			name: "success with errors",
			mutate: func(r *Report) {
				r.Errors = []string{"boom"}
			},
			wantErr: "errors",
		},
		{
			name: "confidence out of range",
			mutate: func(r *Report) {
				r.ProposedChanges = []ProposedChange{{Operation: "update", Risk: RiskLow, Confidence: 1.5}}
			},
			wantErr: "confidence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validReport()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if _, ok := err.(*ValidationError); !ok {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestTaskEnvelope_Validate(t *testing.T) {
	env := TaskEnvelope{
		TaskID: "sh-001",
		UserID: "u-1",
		TeamID: "sheets-team",
		Request: TaskRequest{
			Kind:      AgentKindSheets,
			Operation: "update_cell",
		},
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}

	env.Request.Kind = "mystery"
	if err := env.Validate(); err == nil {
		t.Error("expected error for unknown agent kind")
	}
}
