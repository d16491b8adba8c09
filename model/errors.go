// Package model defines the typed records exchanged between producers,
// agents, and the controller: task envelopes, reports, directives,
// candidates, retry records, and lock records.
package model

import "fmt"

// ValidationError reports a single invalid field on a record.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
