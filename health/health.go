// Package health classifies agents from their health files and rolls the
// results up into a system summary.
//
// Each agent appends one row per cycle to its health file, a markdown table
// at the end of the file. The monitor reads only the trailing table and keys
// off its last data row.
package health

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oversightlabs/overseer/model"
)

// Class is an agent's health classification.
type Class string

const (
	ClassHealthy  Class = "healthy"
	ClassDegraded Class = "degraded"
	ClassDown     Class = "down"
	ClassUnknown  Class = "unknown"
)

// rank orders classes by severity for the system rollup.
func (c Class) rank() int {
	switch c {
	case ClassDown:
		return 3
	case ClassDegraded:
		return 2
	case ClassHealthy:
		return 1
	}
	return 0
}

// Worse returns the more severe of two classes.
func Worse(a, b Class) Class {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Entry is one row of an agent's health table.
type Entry struct {
	Timestamp           time.Time
	Status              string
	ConsecutiveFailures int
	Hash                string
}

const tableHeader = "| timestamp | status | consecutive_failures | hash |"

// failedStatus reports whether a cycle status counts against the
// consecutive-failures streak.
func failedStatus(status string) bool {
	return status == string(model.StatusFailure) || status == string(model.StatusError)
}

// AppendEntry appends one row to the agent's health file, creating the file
// and its table header on first write. The consecutive-failures counter
// continues the streak from the previous row.
func AppendEntry(path string, now time.Time, status, hash string) error {
	failures := 0
	if last, err := LastEntry(path); err == nil && last != nil && failedStatus(status) {
		failures = last.ConsecutiveFailures + 1
	} else if failedStatus(status) {
		failures = 1
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create health directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open health file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat health file: %w", err)
	}
	if stat.Size() == 0 {
		header := fmt.Sprintf("%s\n|---|---|---|---|\n", tableHeader)
		if _, err := f.WriteString(header); err != nil {
			return fmt.Errorf("write health header: %w", err)
		}
	}

	row := fmt.Sprintf("| %s | %s | %d | %s |\n", model.Stamp(now), status, failures, hash)
	if _, err := f.WriteString(row); err != nil {
		return fmt.Errorf("append health row: %w", err)
	}
	return f.Sync()
}

// LastEntry returns the last data row of the file's trailing table, or nil
// when the file is missing or holds no rows.
func LastEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var last *Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if entry, ok := parseRow(scanner.Text()); ok {
			last = entry
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return last, nil
}

// parseRow parses one markdown table row. Header and separator rows, and
// anything outside the table, report ok=false.
func parseRow(line string) (*Entry, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "|") {
		return nil, false
	}

	cells := strings.Split(strings.Trim(line, "|"), "|")
	if len(cells) != 4 {
		return nil, false
	}
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	if cells[0] == "timestamp" || strings.HasPrefix(cells[0], "---") {
		return nil, false
	}

	entry := &Entry{Status: cells[1], Hash: cells[3]}
	if ts, err := time.Parse("20060102T150405Z", cells[0]); err == nil {
		entry.Timestamp = ts
	}
	if n, err := strconv.Atoi(cells[2]); err == nil {
		entry.ConsecutiveFailures = n
	}
	return entry, true
}
