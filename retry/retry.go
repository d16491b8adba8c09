// Package retry tracks per-task failure state with exponential backoff and
// emits the retry and escalation directives the controller routes on.
package retry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/statestore"
)

// Config carries the retry policy and the paths the manager writes to.
type Config struct {
	StatePath   string
	OutboxDir   string
	MaxRetries  int
	BackoffBase float64
	IssuedBy    string
}

// Manager owns the retry state file. One process writes it at a time; the
// controller loads it fresh at the start of every cycle operation.
type Manager struct {
	cfg    Config
	store  *statestore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a retry manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2
	}
	return &Manager{
		cfg:    cfg,
		store:  statestore.New(nil),
		logger: slog.Default(),
		now:    time.Now,
	}
}

func (m *Manager) load() map[string]model.RetryRecord {
	records := make(map[string]model.RetryRecord)
	m.store.Load(m.cfg.StatePath, &records)
	return records
}

func (m *Manager) save(records map[string]model.RetryRecord) error {
	return m.store.Save(m.cfg.StatePath, records)
}

// backoff returns the wait before the next attempt: backoff_base^retry_count
// seconds.
func (m *Manager) backoff(retryCount int) time.Duration {
	return time.Duration(math.Pow(m.cfg.BackoffBase, float64(retryCount)) * float64(time.Second))
}

// ShouldRetry reports whether the task is eligible for another attempt: no
// prior record, or the retry budget is not exhausted and the backoff window
// has elapsed.
func (m *Manager) ShouldRetry(taskID string) bool {
	records := m.load()
	rec, ok := records[taskID]
	if !ok {
		return true
	}
	if rec.RetryCount >= rec.MaxRetries {
		return false
	}
	return m.now().UTC().Sub(rec.LastRetry) >= m.backoff(rec.RetryCount)
}

// Record returns the current retry record for a task, if any.
func (m *Manager) Record(taskID string) (model.RetryRecord, bool) {
	records := m.load()
	rec, ok := records[taskID]
	return rec, ok
}

// RecordFailure upserts the task's record and increments its counter. The
// record flips to exhausted once the counter reaches the retry budget.
func (m *Manager) RecordFailure(taskID, agent, team string) (model.RetryRecord, error) {
	records := m.load()

	rec, ok := records[taskID]
	if !ok {
		rec = model.RetryRecord{
			TaskID:     taskID,
			Agent:      agent,
			Team:       team,
			MaxRetries: m.cfg.MaxRetries,
		}
	}
	if rec.RetryCount < rec.MaxRetries {
		rec.RetryCount++
	}
	rec.LastRetry = m.now().UTC()
	rec.Status = model.RetryStatusRetrying
	if rec.RetryCount >= rec.MaxRetries {
		rec.Status = model.RetryStatusExhausted
	}
	records[taskID] = rec

	if err := m.save(records); err != nil {
		return rec, fmt.Errorf("persisting retry state: %w", err)
	}
	return rec, nil
}

// RecordSuccess removes the task's record.
func (m *Manager) RecordSuccess(taskID string) error {
	records := m.load()
	if _, ok := records[taskID]; !ok {
		return nil
	}
	delete(records, taskID)
	if err := m.save(records); err != nil {
		return fmt.Errorf("persisting retry state: %w", err)
	}
	return nil
}

// CleanupStaleEntries sweeps records whose last retry is older than maxAge.
// Returns the number of records removed.
func (m *Manager) CleanupStaleEntries(maxAge time.Duration) (int, error) {
	records := m.load()
	cutoff := m.now().UTC().Add(-maxAge)

	removed := 0
	for taskID, rec := range records {
		if rec.LastRetry.Before(cutoff) {
			delete(records, taskID)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := m.save(records); err != nil {
		return removed, fmt.Errorf("persisting retry state: %w", err)
	}
	m.logger.Info("swept stale retry entries", slog.Int("removed", removed))
	return removed, nil
}

// EmitRetryDirective writes a signed retry directive into the failed agent's
// outbox and returns its path.
func (m *Manager) EmitRetryDirective(rec model.RetryRecord) (string, error) {
	directive := model.NewDirective(rec.Agent, model.CommandRetryTask, map[string]any{
		"original_task_id": rec.TaskID,
		"retry_count":      rec.RetryCount,
		"max_retries":      rec.MaxRetries,
	}, m.cfg.IssuedBy)
	if err := directive.Sign(); err != nil {
		return "", fmt.Errorf("signing retry directive: %w", err)
	}

	path := filepath.Join(m.cfg.OutboxDir, rec.Team, rec.Agent,
		fmt.Sprintf("%s_retry_directive.json", model.Stamp(m.now())))
	if err := m.writeDirective(path, directive); err != nil {
		return "", err
	}

	m.logger.Info("emitted retry directive",
		slog.String("task_id", rec.TaskID),
		slog.String("agent", rec.Agent),
		slog.Int("retry_count", rec.RetryCount))
	return path, nil
}

// EmitEscalation writes an operator-bound escalation directive and returns
// its path.
func (m *Manager) EmitEscalation(rec model.RetryRecord, reason string) (string, error) {
	directive := model.NewDirective(model.OperatorTarget, model.CommandEscalate, map[string]any{
		"original_task_id": rec.TaskID,
		"failed_agent":     rec.Agent,
		"team":             rec.Team,
		"retry_count":      rec.RetryCount,
		"reason":           reason,
	}, m.cfg.IssuedBy)
	if err := directive.Sign(); err != nil {
		return "", fmt.Errorf("signing escalation directive: %w", err)
	}

	path := filepath.Join(m.cfg.OutboxDir, "escalation",
		fmt.Sprintf("%s_%s_escalation.json", model.Stamp(m.now()), rec.TaskID))
	if err := m.writeDirective(path, directive); err != nil {
		return "", err
	}

	m.logger.Warn("escalated task to operator",
		slog.String("task_id", rec.TaskID),
		slog.String("agent", rec.Agent),
		slog.String("reason", reason))
	return path, nil
}

func (m *Manager) writeDirective(path string, directive *model.Directive) error {
	data, err := json.MarshalIndent(directive, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding directive: %w", err)
	}
	if err := statestore.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing directive: %w", err)
	}
	return nil
}
