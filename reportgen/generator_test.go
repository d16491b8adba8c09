package reportgen

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oversightlabs/overseer/model"
)

func task(kind model.AgentKind, operation, params string) *model.TaskEnvelope {
	return &model.TaskEnvelope{
		TaskID: "t-1",
		UserID: "u-1",
		TeamID: "team",
		Request: model.TaskRequest{
			Kind:      kind,
			Operation: operation,
			Params:    json.RawMessage(params),
		},
	}
}

func TestGenerate_LowRiskIsSuccess(t *testing.T) {
	g := New("sheets-agent")
	report := g.Generate(task(model.AgentKindSheets, "update_cell",
		`{"spreadsheet_id":"abc","cell":"B5","values":[["42"]]}`), 820*time.Millisecond)

	assert.Equal(t, model.StatusSuccess, report.Status)
	assert.Empty(t, report.ReviewReasons)
	require.Len(t, report.ProposedChanges, 1)
	assert.Equal(t, model.RiskLow, report.ProposedChanges[0].Risk)
	assert.Equal(t, "B5", report.ProposedChanges[0].Target)
	assert.Equal(t, float64(820), report.Metrics.DurationMS)
	assert.NoError(t, report.Validate())
}

func TestGenerate_ClearRangeNeedsReview(t *testing.T) {
	g := New("sheets-agent")
	report := g.Generate(task(model.AgentKindSheets, "clear_range",
		`{"spreadsheet_id":"abc","range":"A1:Z100"}`), time.Second)

	assert.Equal(t, model.StatusNeedsReview, report.Status)
	require.NotEmpty(t, report.ReviewReasons)
	assert.Contains(t, report.ReviewReasons[0], "clear_range")
	require.Len(t, report.ProposedChanges, 1)
	assert.Equal(t, model.RiskHigh, report.ProposedChanges[0].Risk)
	assert.NotEmpty(t, report.Risks)
	assert.NoError(t, report.Validate())
}

func TestGenerate_BulkWriteElevatesRisk(t *testing.T) {
	g := New("sheets-agent")

	small := g.Generate(task(model.AgentKindSheets, "bulk_write",
		`{"spreadsheet_id":"abc","row_count":10,"values":[["x"]]}`), time.Second)
	assert.Equal(t, model.RiskMedium, small.ProposedChanges[0].Risk)
	assert.Equal(t, model.StatusSuccess, small.Status)

	big := g.Generate(task(model.AgentKindSheets, "bulk_write",
		`{"spreadsheet_id":"abc","row_count":500,"values":[["x"]]}`), time.Second)
	assert.Equal(t, model.RiskHigh, big.ProposedChanges[0].Risk)
	assert.Equal(t, model.StatusNeedsReview, big.Status)
	assert.Contains(t, strings.Join(big.ReviewReasons, "; "), "500")
}

func TestGenerate_ServiceAccountRevokeElevates(t *testing.T) {
	g := New("auth-agent")

	user := g.Generate(task(model.AgentKindAuth, "revoke_access",
		`{"target_id":"user-5"}`), time.Second)
	assert.Equal(t, model.RiskMedium, user.ProposedChanges[0].Risk)

	svc := g.Generate(task(model.AgentKindAuth, "revoke_access",
		`{"target_id":"svc-ci","service_account":true}`), time.Second)
	assert.Equal(t, model.RiskHigh, svc.ProposedChanges[0].Risk)
	assert.Equal(t, model.StatusNeedsReview, svc.Status)
	assert.NotEmpty(t, svc.Risks)
}

func TestGenerate_DetailsCarryNoPayload(t *testing.T) {
	g := New("sheets-agent")
	report := g.Generate(task(model.AgentKindSheets, "bulk_write",
		`{"spreadsheet_id":"abc","values":[["secret-1"],["secret-2"]]}`), time.Second)

	details := report.ProposedChanges[0].Details
	assert.Equal(t, 2, details["row_count"])
	raw, err := json.Marshal(details)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-1")
}

func TestGenerate_Deterministic(t *testing.T) {
	g := New("backend-agent")
	tk := task(model.AgentKindBackend, "restart_service", `{"service":"api"}`)

	a := g.Generate(tk, time.Second)
	b := g.Generate(tk, time.Second)

	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.ProposedChanges, b.ProposedChanges)
	assert.Equal(t, a.Summary, b.Summary)
}

func TestGenerateError(t *testing.T) {
	g := New("sheets-agent")
	report := g.GenerateError(task(model.AgentKindSheets, "update_cell", `{}`),
		time.Second, []string{"update_cell requires cell"})

	assert.Equal(t, model.StatusError, report.Status)
	assert.Empty(t, report.ProposedChanges)
	assert.Equal(t, []string{"update_cell requires cell"}, report.Errors)
	assert.NoError(t, report.Validate())
}

func TestGenerate_UnsupportedOperationIsError(t *testing.T) {
	g := New("ui-agent")
	report := g.Generate(task(model.AgentKindUI, "teleport", `{}`), time.Second)
	assert.Equal(t, model.StatusError, report.Status)
	assert.NotEmpty(t, report.Errors)
}

func TestGenerate_ValidationEntriesPresent(t *testing.T) {
	g := New("metrics-agent")
	report := g.Generate(task(model.AgentKindMetrics, "collect_metrics",
		`{"source":"prometheus"}`), time.Second)

	require.NotEmpty(t, report.Validation)
	for _, entry := range report.Validation {
		assert.True(t, entry.OK, entry.Field)
	}
}
