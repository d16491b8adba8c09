package hashutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditRecord is one line in the append-only audit log.
type AuditRecord struct {
	// Timestamp is the UTC time the record was appended.
	Timestamp time.Time `json:"timestamp"`

	// Hash is the SHA-256 digest of the operation's outcome.
	Hash string `json:"hash"`

	// Operation names the mutating operation (e.g. "state_update", "process_inbox").
	Operation string `json:"operation"`

	// RequestID correlates the record with the request that caused it.
	RequestID string `json:"request_id"`

	// Status is "ok" or "error".
	Status string `json:"status"`

	// Error holds the failure text when Status is "error".
	Error string `json:"error,omitempty"`

	// PrevHash chains this record to the previous one.
	PrevHash string `json:"prev_hash,omitempty"`
}

// AuditLog appends one JSON object per line to a log file, fsyncing each
// append. The log is strictly append-only; records are never rewritten.
// Each record carries the hash of the previous record, forming a chain.
type AuditLog struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	lastHash string
	loaded   bool
}

// NewAuditLog creates an audit log writing to path. Parent directories are
// created on first append.
func NewAuditLog(path string, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{path: path, logger: logger}
}

// Path returns the log file path.
func (a *AuditLog) Path() string {
	return a.path
}

// Append writes one audit record. The record's PrevHash is filled in from the
// last record already in the log.
func (a *AuditLog) Append(hash, operation, requestID, status, errText string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loaded {
		a.lastHash = a.tailHash()
		a.loaded = true
	}

	rec := AuditRecord{
		Timestamp: time.Now().UTC(),
		Hash:      hash,
		Operation: operation,
		RequestID: requestID,
		Status:    status,
		Error:     errText,
		PrevHash:  a.lastHash,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create audit log directory: %w", err)
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}

	recHash, err := Compute(rec)
	if err == nil {
		a.lastHash = recHash
	}
	return nil
}

// Read returns all records currently in the log. Unparseable lines are
// skipped with a warning.
func (a *AuditLog) Read() ([]AuditRecord, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			a.logger.Warn("Skipping unparseable audit record", slog.String("error", err.Error()))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan audit log: %w", err)
	}
	return records, nil
}

// tailHash recomputes the hash of the last record in the log, so that a chain
// survives process restarts. Missing or empty logs yield an empty hash.
func (a *AuditLog) tailHash() string {
	records, err := a.Read()
	if err != nil || len(records) == 0 {
		return ""
	}
	h, err := Compute(records[len(records)-1])
	if err != nil {
		return ""
	}
	return h
}
