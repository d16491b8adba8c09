// Package schema validates task envelopes and reports: a declarative layer
// (required keys, enums, numeric bounds, no unknown fields) plus semantic
// cross-field checks per agent kind. Schema and semantic violations are
// collected together; validation never stops at the first error.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/oversightlabs/overseer/model"
)

// Result is the outcome of one validation pass.
type Result struct {
	OK     bool
	Errors []string
}

func failure(errs []string) Result {
	return Result{OK: len(errs) == 0, Errors: errs}
}

// Validator validates tasks and reports.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator.
func New() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// structErrors flattens validator violations into prefixed error strings.
func (v *Validator) structErrors(prefix string, err error) []string {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("%s: %v", prefix, err)}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Trim the struct type name, keep the field path.
		path := fe.Namespace()
		if idx := strings.IndexByte(path, '.'); idx >= 0 {
			path = path[idx+1:]
		}
		out = append(out, fmt.Sprintf("%s.%s: failed %q constraint", prefix, strings.ToLower(path), fe.Tag()))
	}
	return out
}

// decodeStrict unmarshals data into out rejecting unknown fields
// (additionalProperties=false).
func decodeStrict(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// ValidateReport checks a raw report against the external report contract.
// Agents may add fields beyond the core ones, so unknown fields are allowed
// here.
func (v *Validator) ValidateReport(raw []byte) (*model.Report, Result) {
	var report model.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, failure([]string{fmt.Sprintf("report: not valid JSON: %v", err)})
	}

	var errs []string
	if report.Agent == "" {
		errs = append(errs, "report.agent: required")
	}
	if report.TaskID == "" {
		errs = append(errs, "report.task_id: required")
	}
	if !report.Status.Valid() {
		errs = append(errs, fmt.Sprintf("report.status: %q not in enum", report.Status))
	}
	if report.Summary == "" {
		errs = append(errs, "report.summary: required")
	}
	if report.Metrics.DurationMS < 0 {
		errs = append(errs, "report.metrics.duration_ms: must be >= 0")
	}

	// Semantic invariants, collected alongside the schema violations.
	if report.Status == model.StatusNeedsReview && len(report.ReviewReasons) == 0 {
		errs = append(errs, "needs_review report carries no review_reasons")
	}
	if report.Status == model.StatusSuccess && len(report.Errors) > 0 {
		errs = append(errs, "success report carries errors")
	}
	for i, pc := range report.ProposedChanges {
		if !pc.Risk.Valid() {
			errs = append(errs, fmt.Sprintf("report.proposed_changes[%d].risk: %q not in enum", i, pc.Risk))
		}
		if pc.Confidence < 0 || pc.Confidence > 1 {
			errs = append(errs, fmt.Sprintf("report.proposed_changes[%d].confidence: out of [0,1]", i))
		}
	}

	if len(errs) > 0 {
		return &report, failure(errs)
	}
	return &report, Result{OK: true}
}

// ValidateTask checks a task envelope: envelope fields, the kind-specific
// request params (strict decode + declarative constraints), and the kind's
// semantic rules.
func (v *Validator) ValidateTask(env *model.TaskEnvelope) Result {
	var errs []string

	if env.TaskID == "" {
		errs = append(errs, "task.task_id: required")
	}
	if env.UserID == "" {
		errs = append(errs, "task.user_id: required")
	}
	if env.TeamID == "" {
		errs = append(errs, "task.team_id: required")
	}
	if !env.Request.Kind.Valid() {
		errs = append(errs, fmt.Sprintf("task.request.kind: %q not in enum", env.Request.Kind))
		return failure(errs)
	}
	if env.Request.Operation == "" {
		errs = append(errs, "task.request.operation: required")
	}

	kindErrs := v.validateParams(env.Request.Kind, env.Request.Operation, env.Request.Params)
	errs = append(errs, kindErrs...)

	return failure(errs)
}
