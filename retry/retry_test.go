package retry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oversightlabs/overseer/model"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(Config{
		StatePath:   filepath.Join(dir, "state", "retry_state.json"),
		OutboxDir:   filepath.Join(dir, "outbox"),
		MaxRetries:  3,
		BackoffBase: 2,
		IssuedBy:    "controller",
	})
	return m, dir
}

func TestShouldRetry_NoRecord(t *testing.T) {
	m, _ := newTestManager(t)
	assert.True(t, m.ShouldRetry("sh-042"))
}

func TestRecordFailure_IncrementsUntilExhausted(t *testing.T) {
	m, _ := newTestManager(t)

	rec, err := m.RecordFailure("sh-042", "sheets-agent", "sheets-team")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, model.RetryStatusRetrying, rec.Status)

	_, err = m.RecordFailure("sh-042", "sheets-agent", "sheets-team")
	require.NoError(t, err)
	rec, err = m.RecordFailure("sh-042", "sheets-agent", "sheets-team")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, model.RetryStatusExhausted, rec.Status)
	assert.False(t, m.ShouldRetry("sh-042"))
}

func TestShouldRetry_BackoffWindow(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)

	m.now = func() time.Time { return base }
	_, err := m.RecordFailure("sh-042", "sheets-agent", "sheets-team")
	require.NoError(t, err)

	// After one failure the backoff is base^1 = 2s.
	m.now = func() time.Time { return base.Add(time.Second) }
	assert.False(t, m.ShouldRetry("sh-042"))

	m.now = func() time.Time { return base.Add(3 * time.Second) }
	assert.True(t, m.ShouldRetry("sh-042"))
}

func TestRecordSuccess_ClearsRecord(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.RecordFailure("sh-042", "sheets-agent", "sheets-team")
	require.NoError(t, err)
	require.NoError(t, m.RecordSuccess("sh-042"))

	_, ok := m.Record("sh-042")
	assert.False(t, ok)
	assert.True(t, m.ShouldRetry("sh-042"))
}

func TestRecordSuccess_NoRecordIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	assert.NoError(t, m.RecordSuccess("never-seen"))
}

func TestStatePersistsAcrossManagers(t *testing.T) {
	m, dir := newTestManager(t)
	_, err := m.RecordFailure("sh-042", "sheets-agent", "sheets-team")
	require.NoError(t, err)

	fresh := NewManager(Config{
		StatePath:   filepath.Join(dir, "state", "retry_state.json"),
		OutboxDir:   filepath.Join(dir, "outbox"),
		MaxRetries:  3,
		BackoffBase: 2,
		IssuedBy:    "controller",
	})
	rec, ok := fresh.Record("sh-042")
	require.True(t, ok)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "sheets-team", rec.Team)
}

func TestCleanupStaleEntries(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)

	m.now = func() time.Time { return base }
	_, err := m.RecordFailure("old-task", "sheets-agent", "sheets-team")
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(25 * time.Hour) }
	_, err = m.RecordFailure("new-task", "sheets-agent", "sheets-team")
	require.NoError(t, err)

	removed, err := m.CleanupStaleEntries(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := m.Record("old-task")
	assert.False(t, ok)
	_, ok = m.Record("new-task")
	assert.True(t, ok)
}

func TestEmitRetryDirective(t *testing.T) {
	m, dir := newTestManager(t)
	m.now = func() time.Time {
		return time.Date(2026, 2, 24, 10, 33, 0, 0, time.UTC)
	}

	rec := model.RetryRecord{
		TaskID:     "sh-042",
		Agent:      "sheets-agent",
		Team:       "sheets-team",
		RetryCount: 2,
		MaxRetries: 3,
	}
	path, err := m.EmitRetryDirective(rec)
	require.NoError(t, err)
	assert.Equal(t,
		filepath.Join(dir, "outbox", "sheets-team", "sheets-agent", "20260224T103300Z_retry_directive.json"),
		path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var directive model.Directive
	require.NoError(t, json.Unmarshal(data, &directive))
	assert.Equal(t, "sheets-agent", directive.TargetAgent)
	assert.Equal(t, model.CommandRetryTask, directive.Command)
	assert.Equal(t, "sh-042", directive.Parameters["original_task_id"])
	assert.EqualValues(t, 2, directive.Parameters["retry_count"])
	assert.True(t, directive.VerifySignature())
}

func TestEmitEscalation(t *testing.T) {
	m, dir := newTestManager(t)
	m.now = func() time.Time {
		return time.Date(2026, 2, 24, 10, 33, 0, 0, time.UTC)
	}

	rec := model.RetryRecord{
		TaskID:     "sh-042",
		Agent:      "sheets-agent",
		Team:       "sheets-team",
		RetryCount: 3,
		MaxRetries: 3,
		Status:     model.RetryStatusExhausted,
	}
	path, err := m.EmitEscalation(rec, "max retries exhausted")
	require.NoError(t, err)
	assert.Equal(t,
		filepath.Join(dir, "outbox", "escalation", "20260224T103300Z_sh-042_escalation.json"),
		path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var directive model.Directive
	require.NoError(t, json.Unmarshal(data, &directive))
	assert.Equal(t, model.OperatorTarget, directive.TargetAgent)
	assert.Equal(t, model.CommandEscalate, directive.Command)
	assert.Equal(t, "max retries exhausted", directive.Parameters["reason"])
	assert.True(t, directive.VerifySignature())
}
