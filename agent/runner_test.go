package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oversightlabs/overseer/config"
	"github.com/oversightlabs/overseer/health"
	"github.com/oversightlabs/overseer/lock"
	"github.com/oversightlabs/overseer/model"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Paths.ProjectRoot = root
	cfg.Identity.AgentID = "sheets-agent"
	cfg.Identity.TeamID = "sheets-team"
	cfg.Lock.RetryCount = 1
	cfg.Lock.BackoffBase = time.Millisecond
	r, err := New(cfg, model.AgentKindSheets)
	require.NoError(t, err)
	return r, root
}

func sheetsTask(taskID, operation, params string) *model.TaskEnvelope {
	return &model.TaskEnvelope{
		TaskID: taskID,
		UserID: "user-1",
		TeamID: "sheets-team",
		Request: model.TaskRequest{
			Kind:      model.AgentKindSheets,
			Operation: operation,
			Params:    json.RawMessage(params),
		},
		Meta: model.TaskMeta{
			Source:    "test",
			Priority:  model.PriorityNormal,
			Timestamp: time.Now().UTC(),
		},
	}
}

func dropTask(t *testing.T, r *Runner, name string, task *model.TaskEnvelope) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(r.tasksDir(), 0o755))
	data, err := json.Marshal(task)
	require.NoError(t, err)
	path := filepath.Join(r.tasksDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func readReport(t *testing.T, path string) *model.Report {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report model.Report
	require.NoError(t, json.Unmarshal(data, &report))
	return &report
}

func TestRunOnce_NoPendingTask(t *testing.T) {
	r, _ := newTestRunner(t)
	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRunOnce_HappyPath(t *testing.T) {
	r, root := newTestRunner(t)
	taskPath := dropTask(t, r, "a_task.json", sheetsTask("sh-042", "update_cell",
		`{"spreadsheet_id":"ss-1","cell":"B5","values":[["v"]]}`))

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "sh-042", result.TaskID)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, "file", result.Source)
	assert.False(t, result.Skipped)

	report := readReport(t, result.ReportPath)
	assert.Equal(t, "sheets-agent", report.Agent)
	assert.Equal(t, model.StatusSuccess, report.Status)
	require.Len(t, report.ProposedChanges, 1)
	assert.Equal(t, "update_cell", report.ProposedChanges[0].Operation)

	// Report lands where the controller scans, with its checksum companion.
	assert.Contains(t, result.ReportPath,
		filepath.Join(root, "Controller", "inbox", "sheets-team", "sheets-agent"))
	_, statErr := os.Stat(result.ReportPath + ".hash")
	assert.NoError(t, statErr)

	// Task archived, never deleted.
	_, statErr = os.Stat(taskPath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(taskPath + ".done")
	assert.NoError(t, statErr)

	// One audit record for the invocation.
	auditFiles, err := filepath.Glob(filepath.Join(root, "Controller", "state", "audit", "sheets-agent", "*_sh-042_audit.json"))
	require.NoError(t, err)
	assert.Len(t, auditFiles, 1)

	// Health file carries the cycle outcome.
	entry, err := health.LastEntry(filepath.Join(root, "Controller", "state", "health_sheets-agent.md"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "success", entry.Status)
	assert.Zero(t, entry.ConsecutiveFailures)

	// No lock left behind.
	locks, err := filepath.Glob(filepath.Join(root, "locks", "*.lock"))
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestRunOnce_ValidationFailureYieldsErrorReport(t *testing.T) {
	r, _ := newTestRunner(t)
	taskPath := dropTask(t, r, "a_task.json", sheetsTask("sh-bad", "update_cell",
		`{"spreadsheet_id":"ss-1"}`))

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.StatusError, result.Status)

	report := readReport(t, result.ReportPath)
	assert.Equal(t, model.StatusError, report.Status)
	assert.NotEmpty(t, report.Errors)
	assert.Empty(t, report.ProposedChanges)

	// Invalid tasks are still archived so they do not loop forever.
	_, statErr := os.Stat(taskPath + ".done")
	assert.NoError(t, statErr)
}

func TestRunOnce_NeedsReview(t *testing.T) {
	r, _ := newTestRunner(t)
	dropTask(t, r, "a_task.json", sheetsTask("sh-100", "clear_range",
		`{"spreadsheet_id":"ss-1","range":"A1:Z100"}`))

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.StatusNeedsReview, result.Status)

	report := readReport(t, result.ReportPath)
	assert.NotEmpty(t, report.ReviewReasons)
	require.Len(t, report.ProposedChanges, 1)
	assert.Equal(t, model.RiskHigh, report.ProposedChanges[0].Risk)
}

func TestRunOnce_IdempotentSkip(t *testing.T) {
	r, _ := newTestRunner(t)
	task := sheetsTask("sh-042", "update_cell",
		`{"spreadsheet_id":"ss-1","cell":"B5","values":[["v"]]}`)
	dropTask(t, r, "a_task.json", task)
	dropTask(t, r, "b_task.json", task)

	first, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.False(t, first.Skipped)

	second, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.Skipped)
	assert.Empty(t, second.ReportPath)

	// Exactly one report for the task id.
	matches, err := filepath.Glob(filepath.Join(r.reportDir(), "*_sh-042_report.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRunOnce_IdempotencySurvivesRestart(t *testing.T) {
	r, root := newTestRunner(t)
	task := sheetsTask("sh-042", "update_cell",
		`{"spreadsheet_id":"ss-1","cell":"B5","values":[["v"]]}`)
	dropTask(t, r, "a_task.json", task)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	// A fresh runner has a cold cache; the report on disk is authoritative.
	cfg := config.DefaultConfig()
	cfg.Paths.ProjectRoot = root
	cfg.Identity.AgentID = "sheets-agent"
	cfg.Identity.TeamID = "sheets-team"
	fresh, err := New(cfg, model.AgentKindSheets)
	require.NoError(t, err)

	dropTask(t, fresh, "b_task.json", task)
	result, err := fresh.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Skipped)
}

func TestRunOnce_LockContention(t *testing.T) {
	r, root := newTestRunner(t)
	dropTask(t, r, "a_task.json", sheetsTask("sh-042", "update_cell",
		`{"spreadsheet_id":"ss-1","cell":"B5","values":[["v"]]}`))

	other := lock.NewManager(
		lock.NewFileBackend(filepath.Join(root, "locks"), ""),
		lock.ManagerConfig{
			OwnerID:     "other-agent",
			StaleAfter:  time.Hour,
			RetryCount:  1,
			BackoffBase: time.Millisecond,
		}, nil)
	require.NoError(t, other.Acquire("spreadsheet_ss-1", "t-other"))
	defer other.ReleaseAll()

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.StatusError, result.Status)

	report := readReport(t, result.ReportPath)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "lock")
}

func TestRunOnce_MalformedEnvelopeSetAside(t *testing.T) {
	r, _ := newTestRunner(t)
	require.NoError(t, os.MkdirAll(r.tasksDir(), 0o755))
	path := filepath.Join(r.tasksDir(), "a_task.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)

	_, statErr := os.Stat(path + ".malformed")
	assert.NoError(t, statErr)
}

func TestRunOnce_TasksProcessedInOrder(t *testing.T) {
	r, _ := newTestRunner(t)
	for i, id := range []string{"sh-1", "sh-2", "sh-3"} {
		dropTask(t, r, fmt.Sprintf("2026022%d_task.json", i),
			sheetsTask(id, "update_cell", `{"spreadsheet_id":"ss-1","cell":"B5","values":[["v"]]}`))
	}

	var order []string
	for n := 0; n < 3; n++ {
		result, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		require.NotNil(t, result)
		order = append(order, result.TaskID)
	}
	assert.Equal(t, []string{"sh-1", "sh-2", "sh-3"}, order)
}

type stubExecutor struct {
	fail bool
}

func (s *stubExecutor) Apply(_ *model.TaskEnvelope, change model.ProposedChange) model.ExecutionResult {
	result := model.ExecutionResult{Operation: change.Operation, Target: change.Target, OK: !s.fail}
	if s.fail {
		result.Error = "api rejected the write"
	}
	return result
}

func TestRunOnce_ExecutorRecordsResults(t *testing.T) {
	r, _ := newTestRunner(t)
	r.SetExecutor(&stubExecutor{})
	dropTask(t, r, "a_task.json", sheetsTask("sh-042", "update_cell",
		`{"spreadsheet_id":"ss-1","cell":"B5","values":[["v"]]}`))

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.StatusSuccess, result.Status)

	report := readReport(t, result.ReportPath)
	require.Len(t, report.ExecutionResults, 1)
	assert.True(t, report.ExecutionResults[0].OK)
}

func TestRunOnce_ExecutorFailureDowngradesToPartial(t *testing.T) {
	r, _ := newTestRunner(t)
	r.SetExecutor(&stubExecutor{fail: true})
	dropTask(t, r, "a_task.json", sheetsTask("sh-042", "update_cell",
		`{"spreadsheet_id":"ss-1","cell":"B5","values":[["v"]]}`))

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.StatusPartial, result.Status)

	report := readReport(t, result.ReportPath)
	require.Len(t, report.ExecutionResults, 1)
	assert.False(t, report.ExecutionResults[0].OK)
	assert.NotEmpty(t, report.Errors)
}

func TestRunOnce_FailureStreakReachesHealthFile(t *testing.T) {
	r, root := newTestRunner(t)
	for i := 0; i < 2; i++ {
		dropTask(t, r, fmt.Sprintf("task_%d.json", i),
			sheetsTask(fmt.Sprintf("sh-bad-%d", i), "update_cell", `{"spreadsheet_id":"ss-1"}`))
		_, err := r.RunOnce(context.Background())
		require.NoError(t, err)
	}

	entry, err := health.LastEntry(filepath.Join(root, "Controller", "state", "health_sheets-agent.md"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "error", entry.Status)
	assert.Equal(t, 2, entry.ConsecutiveFailures)
}

func TestNew_RequiresIdentity(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.ProjectRoot = t.TempDir()
	_, err := New(cfg, model.AgentKindSheets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_id")

	cfg.Identity.AgentID = "sheets-agent"
	_, err = New(cfg, model.AgentKindSheets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "team_id")

	cfg.Identity.TeamID = "sheets-team"
	_, err = New(cfg, model.AgentKind("ghost"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent kind")
}
