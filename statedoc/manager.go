package statedoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oversightlabs/overseer/hashutil"
	"github.com/oversightlabs/overseer/lock"
	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/statestore"
)

// OriginController is the only origin allowed to mutate the state document.
const OriginController = "controller"

// ErrUnauthorizedOrigin rejects update requests not issued by the controller.
// The check runs before any file is touched.
var ErrUnauthorizedOrigin = errors.New("state update rejected: origin must be controller")

// stateDocumentResource is the lock resource guarding the document.
const stateDocumentResource = "state_document"

// Change is one typed mutation of the state document.
type Change struct {
	Section     string `json:"section"`
	Field       string `json:"field"`
	Column      string `json:"column,omitempty"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value"`
	Reason      string `json:"reason,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// UpdateRequest carries one batch of changes through the pipeline.
type UpdateRequest struct {
	Origin    string   `json:"origin"`
	RequestID string   `json:"request_id"`
	Reason    string   `json:"reason"`
	Changes   []Change `json:"changes"`
}

// UpdateResult summarizes a completed update.
type UpdateResult struct {
	Applied  int
	Warnings []string
	Hash     string
}

// ManagerConfig locates the document and its companion artifacts.
type ManagerConfig struct {
	DocumentPath  string
	BackupDir     string
	MistakePath   string
	HealthPath    string
	ChangelogPath string
	Owner         string
	Project       string
	MaxBackups    int
}

// Manager drives the guarded update pipeline over the authoritative state
// document. Exactly one writer (the controller) goes through a Manager.
type Manager struct {
	cfg    ManagerConfig
	locks  *lock.Manager
	audit  *hashutil.AuditLog
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a state manager. Backup, mistake, health, and changelog
// paths default to siblings of the document.
func NewManager(cfg ManagerConfig, locks *lock.Manager, audit *hashutil.AuditLog) *Manager {
	dir := filepath.Dir(cfg.DocumentPath)
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(dir, ".backup")
	}
	if cfg.MistakePath == "" {
		cfg.MistakePath = filepath.Join(dir, "ops", "logs", "mistakes.log")
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = filepath.Join(dir, "ops", "logs", "health.jsonl")
	}
	if cfg.ChangelogPath == "" {
		cfg.ChangelogPath = filepath.Join(dir, "CHANGELOG.md")
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 100
	}
	return &Manager{
		cfg:    cfg,
		locks:  locks,
		audit:  audit,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// ChecksumPath returns the companion checksum file path.
func (m *Manager) ChecksumPath() string {
	return m.cfg.DocumentPath + ".hash"
}

// Load reads and parses the current document. A missing file yields the
// initial document.
func (m *Manager) Load() (*Document, error) {
	data, err := os.ReadFile(m.cfg.DocumentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(m.cfg.Owner, m.cfg.Project), nil
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse state document: %w", err)
	}
	return doc, nil
}

// Update runs the full pipeline: authorize, lock, backup, load, validate,
// apply, render, save, checksum, audit, health, changelog. Any failure after
// the backup restores the document and reports the failure through the audit
// log, the mistake file, and a degraded health entry.
func (m *Manager) Update(req *UpdateRequest) (*UpdateResult, error) {
	if req.Origin != OriginController {
		return nil, ErrUnauthorizedOrigin
	}
	if req.RequestID == "" {
		return nil, errors.New("state update rejected: request id is required")
	}

	if err := m.locks.Acquire(stateDocumentResource, req.RequestID); err != nil {
		return nil, fmt.Errorf("acquiring state document lock: %w", err)
	}
	defer func() {
		if err := m.locks.Release(stateDocumentResource); err != nil {
			m.logger.Warn("Failed to release state document lock",
				slog.String("error", err.Error()))
		}
	}()

	backupPath, err := m.backup()
	if err != nil {
		return nil, fmt.Errorf("backing up state document: %w", err)
	}

	result, err := m.applyAndSave(req)
	if err != nil {
		m.rollback(backupPath, req, err)
		return nil, err
	}
	return result, nil
}

func (m *Manager) applyAndSave(req *UpdateRequest) (*UpdateResult, error) {
	doc, err := m.Load()
	if err != nil {
		return nil, err
	}

	warnings, err := m.validate(doc, req.Changes)
	if err != nil {
		return nil, err
	}

	for _, change := range req.Changes {
		m.apply(doc, change)
	}
	m.appendHistory(doc, req.Changes)
	doc.LastUpdated = model.Stamp(m.now())

	hash, err := m.save(doc, "state_update", req.RequestID)
	if err != nil {
		return nil, err
	}

	if err := m.appendHealth("ok", hash); err != nil {
		return nil, err
	}
	if err := m.appendChangelog(req); err != nil {
		return nil, err
	}

	for _, warning := range warnings {
		m.logger.Warn("State update warning",
			slog.String("request_id", req.RequestID),
			slog.String("warning", warning))
	}

	return &UpdateResult{
		Applied:  len(req.Changes),
		Warnings: warnings,
		Hash:     hash,
	}, nil
}

// save renders the document, writes it and its checksum atomically, and
// appends an audit record. Shared by the update pipeline and rebuild.
func (m *Manager) save(doc *Document, operation, requestID string) (string, error) {
	rendered, err := doc.Render()
	if err != nil {
		return "", err
	}
	if err := statestore.WriteFileAtomic(m.cfg.DocumentPath, rendered, 0o644); err != nil {
		return "", fmt.Errorf("saving state document: %w", err)
	}

	hash := hashutil.ComputeBytes(rendered)
	if err := statestore.WriteFileAtomic(m.ChecksumPath(), []byte(hash+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("saving state checksum: %w", err)
	}
	if err := m.audit.Append(hash, operation, requestID, "ok", ""); err != nil {
		return "", fmt.Errorf("appending audit record: %w", err)
	}
	return hash, nil
}

// validate checks changes against the loaded document. Unknown sections,
// change-history edits, and empty columns are errors; no-ops and old-value
// mismatches are warnings only.
func (m *Manager) validate(doc *Document, changes []Change) ([]string, error) {
	var warnings []string

	for i, change := range changes {
		if change.Section == SectionChangeHistory {
			return nil, fmt.Errorf("change %d: change_history is append-only and managed internally", i)
		}
		if change.Section == SectionSystemMetrics {
			if change.Field == "" {
				return nil, fmt.Errorf("change %d: metric name is required", i)
			}
			if current, ok := doc.Metrics[change.Field]; ok {
				if fmt.Sprintf("%v", current) == change.NewValue {
					warnings = append(warnings, fmt.Sprintf("change %d: no-op, %s already %s", i, change.Field, change.NewValue))
				}
			}
			continue
		}

		columns, known := sectionColumns[change.Section]
		if !known {
			return nil, fmt.Errorf("change %d: unknown section %q", i, change.Section)
		}
		if change.Column == "" {
			return nil, fmt.Errorf("change %d: column is required", i)
		}
		validColumn := false
		for _, col := range columns {
			if col == change.Column {
				validColumn = true
				break
			}
		}
		if !validColumn {
			return nil, fmt.Errorf("change %d: section %s has no column %q", i, change.Section, change.Column)
		}
		if change.Field == "" {
			return nil, fmt.Errorf("change %d: row key is required", i)
		}

		if row, ok := doc.Tables[change.Section].Find(change.Field); ok {
			current := row[change.Column]
			if current == change.NewValue {
				warnings = append(warnings, fmt.Sprintf("change %d: no-op, %s/%s.%s already %q",
					i, change.Section, change.Field, change.Column, change.NewValue))
			}
			if change.OldValue != "" && current != change.OldValue && current != "" && current != "-" {
				warnings = append(warnings, fmt.Sprintf("change %d: old value mismatch, expected %q found %q",
					i, change.OldValue, current))
			}
		}
	}

	return warnings, nil
}

// apply mutates the document for one validated change.
func (m *Manager) apply(doc *Document, change Change) {
	if change.Section == SectionSystemMetrics {
		if _, err := strconv.ParseFloat(change.NewValue, 64); err == nil {
			doc.Metrics[change.Field] = json.Number(change.NewValue)
		} else {
			doc.Metrics[change.Field] = change.NewValue
		}
		return
	}
	row := doc.Tables[change.Section].Upsert(change.Field)
	row[change.Column] = change.NewValue
}

// appendHistory records one history row per change, trimming to the cap.
func (m *Manager) appendHistory(doc *Document, changes []Change) {
	history := doc.Tables[SectionChangeHistory]
	stamp := model.Stamp(m.now())
	for _, change := range changes {
		history.Rows = append(history.Rows, Row{
			"timestamp": stamp,
			"section":   change.Section,
			"field":     change.Field,
			"column":    change.Column,
			"new_value": change.NewValue,
			"reason":    change.Reason,
		})
	}
	if excess := len(history.Rows) - MaxHistoryEntries; excess > 0 {
		history.Rows = history.Rows[excess:]
	}
}

// backup copies the current document into the backup directory and prunes the
// oldest copies past the cap. A missing document needs no backup.
func (m *Manager) backup() (string, error) {
	data, err := os.ReadFile(m.cfg.DocumentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	name := fmt.Sprintf(".state_backup_%s.md", model.Stamp(m.now()))
	path := filepath.Join(m.cfg.BackupDir, name)
	if err := statestore.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}

	m.pruneBackups()
	return path, nil
}

func (m *Manager) pruneBackups() {
	entries, err := os.ReadDir(m.cfg.BackupDir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".state_backup_") {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= m.cfg.MaxBackups {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-m.cfg.MaxBackups] {
		if err := os.Remove(filepath.Join(m.cfg.BackupDir, name)); err != nil {
			m.logger.Warn("Failed to prune state backup",
				slog.String("name", name), slog.String("error", err.Error()))
		}
	}
}

// rollback restores the pre-update document and reports the failure through
// every channel: audit log, mistake file, degraded health entry.
func (m *Manager) rollback(backupPath string, req *UpdateRequest, cause error) {
	if backupPath != "" {
		data, err := os.ReadFile(backupPath)
		if err == nil {
			if err := statestore.WriteFileAtomic(m.cfg.DocumentPath, data, 0o644); err != nil {
				m.logger.Error("Failed to restore state document from backup",
					slog.String("backup", backupPath), slog.String("error", err.Error()))
			}
		}
	}

	if err := m.audit.Append("", "state_update", req.RequestID, "error", cause.Error()); err != nil {
		m.logger.Warn("Failed to append audit record for rollback",
			slog.String("error", err.Error()))
	}
	if err := m.appendMistake(req, cause); err != nil {
		m.logger.Warn("Failed to append mistake entry",
			slog.String("error", err.Error()))
	}
	if err := m.appendHealth("degraded", ""); err != nil {
		m.logger.Warn("Failed to append health entry for rollback",
			slog.String("error", err.Error()))
	}

	m.logger.Error("State update rolled back",
		slog.String("request_id", req.RequestID),
		slog.String("error", cause.Error()))
}

type healthEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Hash      string    `json:"hash,omitempty"`
}

func (m *Manager) appendHealth(status, hash string) error {
	return appendJSONLine(m.cfg.HealthPath, healthEntry{
		Timestamp: m.now().UTC(),
		Status:    status,
		Hash:      hash,
	})
}

type mistakeEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error"`
}

func (m *Manager) appendMistake(req *UpdateRequest, cause error) error {
	return appendJSONLine(m.cfg.MistakePath, mistakeEntry{
		Timestamp: m.now().UTC(),
		RequestID: req.RequestID,
		Reason:    req.Reason,
		Error:     cause.Error(),
	})
}

func appendJSONLine(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// appendChangelog writes a human-readable block for the completed request.
func (m *Manager) appendChangelog(req *UpdateRequest) error {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (request %s)\n\n", model.Stamp(m.now()), req.RequestID)
	if req.Reason != "" {
		b.WriteString(req.Reason + "\n\n")
	}
	for _, change := range req.Changes {
		if change.Section == SectionSystemMetrics {
			fmt.Fprintf(&b, "- %s.%s = %s\n", change.Section, change.Field, change.NewValue)
			continue
		}
		fmt.Fprintf(&b, "- %s/%s.%s = %s\n", change.Section, change.Field, change.Column, change.NewValue)
	}
	b.WriteString("\n")

	if err := os.MkdirAll(filepath.Dir(m.cfg.ChangelogPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(m.cfg.ChangelogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}
