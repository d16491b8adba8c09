package schema

import (
	"fmt"

	"github.com/oversightlabs/overseer/model"
)

// BulkWriteThreshold is the row count above which a sheets write is treated
// as a bulk operation (elevated risk, see reportgen).
const BulkWriteThreshold = 100

// SheetsParams is the request payload for the sheets agent.
type SheetsParams struct {
	SpreadsheetID string  `json:"spreadsheet_id" validate:"required"`
	Range         string  `json:"range,omitempty"`
	Cell          string  `json:"cell,omitempty"`
	Values        [][]any `json:"values,omitempty"`
	RowCount      int     `json:"row_count,omitempty" validate:"gte=0"`
}

// AuthParams is the request payload for the auth agent.
type AuthParams struct {
	TargetID       string `json:"target_id,omitempty"`
	Principal      string `json:"principal,omitempty"`
	Role           string `json:"role,omitempty"`
	ServiceAccount bool   `json:"service_account,omitempty"`
}

// BackendParams is the request payload for the backend agent.
type BackendParams struct {
	Service  string         `json:"service" validate:"required"`
	Replicas int            `json:"replicas,omitempty" validate:"gte=0"`
	Values   map[string]any `json:"values,omitempty"`
}

// MetricsParams is the request payload for the metrics agent.
type MetricsParams struct {
	Source string   `json:"source" validate:"required"`
	Names  []string `json:"names,omitempty"`
	Window string   `json:"window,omitempty"`
}

// UIParams is the request payload for the ui agent.
type UIParams struct {
	View  string         `json:"view" validate:"required"`
	Props map[string]any `json:"props,omitempty"`
}

// SheetsOperations enumerates the operations the sheets agent supports.
var SheetsOperations = []string{"update_cell", "append_rows", "clear_range", "create_sheet", "bulk_write"}

// AuthOperations enumerates the operations the auth agent supports.
var AuthOperations = []string{"grant_access", "revoke_access", "rotate_key"}

// BackendOperations enumerates the operations the backend agent supports.
var BackendOperations = []string{"deploy_service", "restart_service", "scale_service", "update_config"}

// MetricsOperations enumerates the operations the metrics agent supports.
var MetricsOperations = []string{"collect_metrics", "export_metrics"}

// UIOperations enumerates the operations the ui agent supports.
var UIOperations = []string{"render_dashboard", "update_view"}

func operationsFor(kind model.AgentKind) []string {
	switch kind {
	case model.AgentKindSheets:
		return SheetsOperations
	case model.AgentKindAuth:
		return AuthOperations
	case model.AgentKindBackend:
		return BackendOperations
	case model.AgentKindMetrics:
		return MetricsOperations
	case model.AgentKindUI:
		return UIOperations
	}
	return nil
}

func knownOperation(kind model.AgentKind, op string) bool {
	for _, candidate := range operationsFor(kind) {
		if candidate == op {
			return true
		}
	}
	return false
}

// validateParams runs the declarative and semantic checks for one agent
// kind. Errors from both layers are collected; neither short-circuits the
// other.
func (v *Validator) validateParams(kind model.AgentKind, operation string, raw []byte) []string {
	var errs []string

	if operation != "" && !knownOperation(kind, operation) {
		errs = append(errs, fmt.Sprintf("task.request.operation: %q not supported by %s agent", operation, kind))
	}

	if len(raw) == 0 {
		errs = append(errs, "task.request.params: required")
		return errs
	}

	switch kind {
	case model.AgentKindSheets:
		var p SheetsParams
		if err := decodeStrict(raw, &p); err != nil {
			return append(errs, fmt.Sprintf("task.request.params: %v", err))
		}
		errs = append(errs, v.structErrors("task.request.params", v.validate.Struct(p))...)
		errs = append(errs, checkSheetsSemantics(operation, &p)...)

	case model.AgentKindAuth:
		var p AuthParams
		if err := decodeStrict(raw, &p); err != nil {
			return append(errs, fmt.Sprintf("task.request.params: %v", err))
		}
		errs = append(errs, v.structErrors("task.request.params", v.validate.Struct(p))...)
		errs = append(errs, checkAuthSemantics(operation, &p)...)

	case model.AgentKindBackend:
		var p BackendParams
		if err := decodeStrict(raw, &p); err != nil {
			return append(errs, fmt.Sprintf("task.request.params: %v", err))
		}
		errs = append(errs, v.structErrors("task.request.params", v.validate.Struct(p))...)
		errs = append(errs, checkBackendSemantics(operation, &p)...)

	case model.AgentKindMetrics:
		var p MetricsParams
		if err := decodeStrict(raw, &p); err != nil {
			return append(errs, fmt.Sprintf("task.request.params: %v", err))
		}
		errs = append(errs, v.structErrors("task.request.params", v.validate.Struct(p))...)

	case model.AgentKindUI:
		var p UIParams
		if err := decodeStrict(raw, &p); err != nil {
			return append(errs, fmt.Sprintf("task.request.params: %v", err))
		}
		errs = append(errs, v.structErrors("task.request.params", v.validate.Struct(p))...)
	}

	return errs
}

// checkSheetsSemantics holds the cross-field rules for sheets requests.
func checkSheetsSemantics(operation string, p *SheetsParams) []string {
	var errs []string
	switch operation {
	case "update_cell":
		if p.Cell == "" {
			errs = append(errs, "update_cell requires cell")
		}
		if len(p.Values) == 0 {
			errs = append(errs, "update_cell requires values")
		}
	case "append_rows", "bulk_write":
		if len(p.Values) == 0 {
			errs = append(errs, fmt.Sprintf("%s requires values", operation))
		}
	case "clear_range":
		if p.Range == "" {
			errs = append(errs, "clear_range requires range")
		}
	}
	return errs
}

// checkAuthSemantics holds the cross-field rules for auth requests.
func checkAuthSemantics(operation string, p *AuthParams) []string {
	var errs []string
	switch operation {
	case "revoke_access":
		if p.TargetID == "" {
			errs = append(errs, "revoke_access requires target_id")
		}
	case "grant_access":
		if p.Principal == "" {
			errs = append(errs, "grant_access requires principal")
		}
		if p.Role == "" {
			errs = append(errs, "grant_access requires role")
		}
	case "rotate_key":
		if p.TargetID == "" {
			errs = append(errs, "rotate_key requires target_id")
		}
	}
	return errs
}

// checkBackendSemantics holds the cross-field rules for backend requests.
func checkBackendSemantics(operation string, p *BackendParams) []string {
	var errs []string
	switch operation {
	case "update_config":
		if len(p.Values) == 0 {
			errs = append(errs, "update_config requires values")
		}
	case "scale_service":
		if p.Replicas <= 0 {
			errs = append(errs, "scale_service requires positive replicas")
		}
	}
	return errs
}
