package model

import "time"

// StateChange describes one processing event the controller records during a
// cycle and later projects onto the authoritative state document.
type StateChange struct {
	Type      string       `json:"type"`
	Team      string       `json:"team"`
	Agent     string       `json:"agent"`
	TaskID    string       `json:"task_id"`
	Status    ReportStatus `json:"status,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Stamp formats t in the compact UTC form embedded in artifact filenames
// (reports, directives, candidates, backups).
func Stamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// LocalStamp formats t in the local zone for human-facing report fields.
func LocalStamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05 MST")
}
