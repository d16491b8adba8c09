package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oversightlabs/overseer/model"
)

func sheetsTask(params string) *model.TaskEnvelope {
	return &model.TaskEnvelope{
		TaskID: "sh-001",
		UserID: "u-1",
		TeamID: "sheets-team",
		Request: model.TaskRequest{
			Kind:      model.AgentKindSheets,
			Operation: "update_cell",
			Params:    json.RawMessage(params),
		},
	}
}

func TestValidateTask_Valid(t *testing.T) {
	v := New()
	res := v.ValidateTask(sheetsTask(`{"spreadsheet_id":"abc","cell":"B5","values":[["42"]]}`))
	assert.True(t, res.OK, "errors: %v", res.Errors)
}

func TestValidateTask_CollectsSchemaAndSemanticErrors(t *testing.T) {
	v := New()
	// Missing spreadsheet_id (schema) AND missing cell + values (semantic):
	// all three surface together, no short-circuit.
	res := v.ValidateTask(sheetsTask(`{}`))
	require.False(t, res.OK)

	joined := strings.Join(res.Errors, "; ")
	assert.Contains(t, joined, "spreadsheet_id")
	assert.Contains(t, joined, "requires cell")
	assert.Contains(t, joined, "requires values")
}

func TestValidateTask_UnknownFieldRejected(t *testing.T) {
	v := New()
	res := v.ValidateTask(sheetsTask(`{"spreadsheet_id":"abc","cell":"B5","values":[["1"]],"surprise":true}`))
	require.False(t, res.OK)
	assert.Contains(t, strings.Join(res.Errors, "; "), "surprise")
}

func TestValidateTask_UnknownOperation(t *testing.T) {
	v := New()
	env := sheetsTask(`{"spreadsheet_id":"abc"}`)
	env.Request.Operation = "explode"
	res := v.ValidateTask(env)
	require.False(t, res.OK)
	assert.Contains(t, strings.Join(res.Errors, "; "), "explode")
}

func TestValidateTask_AuthSemantics(t *testing.T) {
	v := New()
	env := &model.TaskEnvelope{
		TaskID: "au-001",
		UserID: "u-1",
		TeamID: "auth-team",
		Request: model.TaskRequest{
			Kind:      model.AgentKindAuth,
			Operation: "revoke_access",
			Params:    json.RawMessage(`{"principal":"svc@example.com"}`),
		},
	}
	res := v.ValidateTask(env)
	require.False(t, res.OK)
	assert.Contains(t, strings.Join(res.Errors, "; "), "revoke_access requires target_id")
}

func TestValidateTask_BackendSemantics(t *testing.T) {
	v := New()
	env := &model.TaskEnvelope{
		TaskID: "be-001",
		UserID: "u-1",
		TeamID: "backend-team",
		Request: model.TaskRequest{
			Kind:      model.AgentKindBackend,
			Operation: "update_config",
			Params:    json.RawMessage(`{"service":"api"}`),
		},
	}
	res := v.ValidateTask(env)
	require.False(t, res.OK)
	assert.Contains(t, strings.Join(res.Errors, "; "), "update_config requires values")
}

func TestValidateReport_Valid(t *testing.T) {
	v := New()
	raw := []byte(`{
		"agent": "sheets-agent",
		"task_id": "sh-042",
		"status": "success",
		"summary": "Cell B5 updated",
		"metrics": {"duration_ms": 820},
		"timestamp": "2026-02-24T10:33:00Z",
		"timestamp_local": "2026-02-24 10:33:00 UTC",
		"extra_agent_field": "allowed"
	}`)

	report, res := v.ValidateReport(raw)
	require.True(t, res.OK, "errors: %v", res.Errors)
	assert.Equal(t, "sh-042", report.TaskID)
	assert.Equal(t, model.StatusSuccess, report.Status)
}

func TestValidateReport_AggregatesErrors(t *testing.T) {
	v := New()
	raw := []byte(`{
		"agent": "",
		"task_id": "",
		"status": "finished",
		"summary": "",
		"metrics": {"duration_ms": -5}
	}`)

	_, res := v.ValidateReport(raw)
	require.False(t, res.OK)
	assert.GreaterOrEqual(t, len(res.Errors), 5, "all violations surface together: %v", res.Errors)
}

func TestValidateReport_NeedsReviewInvariant(t *testing.T) {
	v := New()
	raw := []byte(`{
		"agent": "sheets-agent",
		"task_id": "sh-100",
		"status": "needs_review",
		"summary": "risky",
		"metrics": {"duration_ms": 10}
	}`)

	_, res := v.ValidateReport(raw)
	require.False(t, res.OK)
	assert.Contains(t, strings.Join(res.Errors, "; "), "review_reasons")
}

func TestValidateReport_NotJSON(t *testing.T) {
	v := New()
	report, res := v.ValidateReport([]byte("not json at all"))
	assert.Nil(t, report)
	assert.False(t, res.OK)
}
