package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/oversightlabs/overseer/hashutil"
)

// Command enumerates the directives a controller can issue.
type Command string

const (
	CommandRetryTask             Command = "retry_task"
	CommandEscalate              Command = "escalate"
	CommandExecuteApprovedChange Command = "execute_approved_change"
)

// Valid reports whether c is a known command. Agent-specific commands pass
// through as-is; the controller only emits the enumerated ones.
func (c Command) Valid() bool {
	switch c {
	case CommandRetryTask, CommandEscalate, CommandExecuteApprovedChange:
		return true
	}
	return false
}

// OperatorTarget is the pseudo-agent addressed by escalation directives.
const OperatorTarget = "operator"

// Directive is a structured command from the controller to an agent or to
// the operator escalation queue.
type Directive struct {
	DirectiveID string         `json:"directive_id"`
	TargetAgent string         `json:"target_agent"`
	Command     Command        `json:"command"`
	Parameters  map[string]any `json:"parameters"`
	IssuedBy    string         `json:"issued_by"`
	IssuedAt    time.Time      `json:"issued_at"`
	Signature   string         `json:"signature,omitempty"`
}

// NewDirective creates an unsigned directive with a fresh id.
func NewDirective(target string, command Command, params map[string]any, issuedBy string) *Directive {
	return &Directive{
		DirectiveID: uuid.New().String(),
		TargetAgent: target,
		Command:     command,
		Parameters:  params,
		IssuedBy:    issuedBy,
		IssuedAt:    time.Now().UTC(),
	}
}

// Sign computes the SHA-256 signature over the canonical payload (the
// directive minus its signature field) and stores it.
func (d *Directive) Sign() error {
	sig, err := d.payloadHash()
	if err != nil {
		return err
	}
	d.Signature = sig
	return nil
}

// VerifySignature reports whether the stored signature is reproducible from
// the payload.
func (d *Directive) VerifySignature() bool {
	sig, err := d.payloadHash()
	if err != nil {
		return false
	}
	return sig == d.Signature
}

func (d *Directive) payloadHash() (string, error) {
	unsigned := *d
	unsigned.Signature = ""
	return hashutil.Compute(&unsigned)
}

// Validate checks the directive's required fields.
func (d *Directive) Validate() error {
	if d.DirectiveID == "" {
		return &ValidationError{Field: "directive_id", Message: "directive_id is required"}
	}
	if d.TargetAgent == "" {
		return &ValidationError{Field: "target_agent", Message: "target_agent is required"}
	}
	if d.Command == "" {
		return &ValidationError{Field: "command", Message: "command is required"}
	}
	if d.IssuedBy == "" {
		return &ValidationError{Field: "issued_by", Message: "issued_by is required"}
	}
	return nil
}
