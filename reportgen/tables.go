package reportgen

import (
	"encoding/json"
	"fmt"

	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/schema"
)

// opSpec is one row of an agent's operation table: base risk, confidence
// estimate, explanation template, and the details builder producing the
// reviewer-facing metadata (never the payload itself).
type opSpec struct {
	risk        model.RiskLevel
	confidence  float64
	explanation string
	target      func(params json.RawMessage) string
	details     func(params json.RawMessage) map[string]any
	elevate     func(params json.RawMessage) (model.RiskLevel, string)
	risks       func(params json.RawMessage) []string
}

func decodeSheets(raw json.RawMessage) schema.SheetsParams {
	var p schema.SheetsParams
	_ = json.Unmarshal(raw, &p)
	return p
}

func decodeAuth(raw json.RawMessage) schema.AuthParams {
	var p schema.AuthParams
	_ = json.Unmarshal(raw, &p)
	return p
}

func decodeBackend(raw json.RawMessage) schema.BackendParams {
	var p schema.BackendParams
	_ = json.Unmarshal(raw, &p)
	return p
}

func sheetsRowCount(p schema.SheetsParams) int {
	if p.RowCount > 0 {
		return p.RowCount
	}
	return len(p.Values)
}

var sheetsTable = map[string]opSpec{
	"update_cell": {
		risk:        model.RiskLow,
		confidence:  0.95,
		explanation: "Update a single cell value",
		target:      func(raw json.RawMessage) string { return decodeSheets(raw).Cell },
		details: func(raw json.RawMessage) map[string]any {
			p := decodeSheets(raw)
			return map[string]any{"spreadsheet_id": p.SpreadsheetID, "cell": p.Cell}
		},
	},
	"append_rows": {
		risk:        model.RiskLow,
		confidence:  0.92,
		explanation: "Append rows to the sheet",
		target:      func(raw json.RawMessage) string { return decodeSheets(raw).SpreadsheetID },
		details: func(raw json.RawMessage) map[string]any {
			p := decodeSheets(raw)
			return map[string]any{"spreadsheet_id": p.SpreadsheetID, "row_count": sheetsRowCount(p)}
		},
		elevate: func(raw json.RawMessage) (model.RiskLevel, string) {
			if n := sheetsRowCount(decodeSheets(raw)); n > schema.BulkWriteThreshold {
				return model.RiskHigh, fmt.Sprintf("bulk append of %d rows exceeds threshold %d", n, schema.BulkWriteThreshold)
			}
			return "", ""
		},
	},
	"bulk_write": {
		risk:        model.RiskMedium,
		confidence:  0.9,
		explanation: "Write a block of rows",
		target:      func(raw json.RawMessage) string { return decodeSheets(raw).SpreadsheetID },
		details: func(raw json.RawMessage) map[string]any {
			p := decodeSheets(raw)
			return map[string]any{"spreadsheet_id": p.SpreadsheetID, "row_count": sheetsRowCount(p)}
		},
		elevate: func(raw json.RawMessage) (model.RiskLevel, string) {
			if n := sheetsRowCount(decodeSheets(raw)); n > schema.BulkWriteThreshold {
				return model.RiskHigh, fmt.Sprintf("bulk write of %d rows exceeds threshold %d", n, schema.BulkWriteThreshold)
			}
			return "", ""
		},
	},
	"clear_range": {
		risk:        model.RiskHigh,
		confidence:  0.9,
		explanation: "Clear all values in a range",
		target:      func(raw json.RawMessage) string { return decodeSheets(raw).Range },
		details: func(raw json.RawMessage) map[string]any {
			p := decodeSheets(raw)
			return map[string]any{"spreadsheet_id": p.SpreadsheetID, "range": p.Range}
		},
		risks: func(raw json.RawMessage) []string {
			return []string{fmt.Sprintf("clear_range over %s removes data irreversibly", decodeSheets(raw).Range)}
		},
	},
	"create_sheet": {
		risk:        model.RiskLow,
		confidence:  0.95,
		explanation: "Create a new sheet tab",
		target:      func(raw json.RawMessage) string { return decodeSheets(raw).SpreadsheetID },
		details: func(raw json.RawMessage) map[string]any {
			return map[string]any{"spreadsheet_id": decodeSheets(raw).SpreadsheetID}
		},
	},
}

var authTable = map[string]opSpec{
	"grant_access": {
		risk:        model.RiskMedium,
		confidence:  0.9,
		explanation: "Grant a principal access to a resource",
		target:      func(raw json.RawMessage) string { return decodeAuth(raw).Principal },
		details: func(raw json.RawMessage) map[string]any {
			p := decodeAuth(raw)
			return map[string]any{"principal": p.Principal, "role": p.Role}
		},
	},
	"revoke_access": {
		risk:        model.RiskMedium,
		confidence:  0.88,
		explanation: "Revoke a principal's access",
		target:      func(raw json.RawMessage) string { return decodeAuth(raw).TargetID },
		details: func(raw json.RawMessage) map[string]any {
			p := decodeAuth(raw)
			return map[string]any{"target_id": p.TargetID, "service_account": p.ServiceAccount}
		},
		elevate: func(raw json.RawMessage) (model.RiskLevel, string) {
			if decodeAuth(raw).ServiceAccount {
				return model.RiskHigh, "revoking a service account"
			}
			return "", ""
		},
		risks: func(raw json.RawMessage) []string {
			if decodeAuth(raw).ServiceAccount {
				return []string{"service account revocation may break running automation"}
			}
			return nil
		},
	},
	"rotate_key": {
		risk:        model.RiskMedium,
		confidence:  0.9,
		explanation: "Rotate an access key",
		target:      func(raw json.RawMessage) string { return decodeAuth(raw).TargetID },
		details: func(raw json.RawMessage) map[string]any {
			// Key material never appears here; the target id suffices for review.
			return map[string]any{"target_id": decodeAuth(raw).TargetID}
		},
	},
}

var backendTable = map[string]opSpec{
	"deploy_service": {
		risk:        model.RiskMedium,
		confidence:  0.88,
		explanation: "Deploy a new service version",
		target:      func(raw json.RawMessage) string { return decodeBackend(raw).Service },
		details: func(raw json.RawMessage) map[string]any {
			return map[string]any{"service": decodeBackend(raw).Service}
		},
	},
	"restart_service": {
		risk:        model.RiskMedium,
		confidence:  0.9,
		explanation: "Restart a running service",
		target:      func(raw json.RawMessage) string { return decodeBackend(raw).Service },
		details: func(raw json.RawMessage) map[string]any {
			return map[string]any{"service": decodeBackend(raw).Service}
		},
	},
	"scale_service": {
		risk:        model.RiskLow,
		confidence:  0.92,
		explanation: "Change a service's replica count",
		target:      func(raw json.RawMessage) string { return decodeBackend(raw).Service },
		details: func(raw json.RawMessage) map[string]any {
			p := decodeBackend(raw)
			return map[string]any{"service": p.Service, "replicas": p.Replicas}
		},
	},
	"update_config": {
		risk:        model.RiskMedium,
		confidence:  0.9,
		explanation: "Update service configuration values",
		target:      func(raw json.RawMessage) string { return decodeBackend(raw).Service },
		details: func(raw json.RawMessage) map[string]any {
			p := decodeBackend(raw)
			keys := make([]string, 0, len(p.Values))
			for k := range p.Values {
				keys = append(keys, k)
			}
			return map[string]any{"service": p.Service, "keys": keys}
		},
	},
}

var metricsTable = map[string]opSpec{
	"collect_metrics": {
		risk:        model.RiskLow,
		confidence:  0.97,
		explanation: "Collect metrics from a source",
	},
	"export_metrics": {
		risk:        model.RiskLow,
		confidence:  0.95,
		explanation: "Export collected metrics",
	},
}

var uiTable = map[string]opSpec{
	"render_dashboard": {
		risk:        model.RiskLow,
		confidence:  0.96,
		explanation: "Render a dashboard view",
	},
	"update_view": {
		risk:        model.RiskLow,
		confidence:  0.93,
		explanation: "Update a UI view definition",
	},
}

func tableFor(kind model.AgentKind) map[string]opSpec {
	switch kind {
	case model.AgentKindSheets:
		return sheetsTable
	case model.AgentKindAuth:
		return authTable
	case model.AgentKindBackend:
		return backendTable
	case model.AgentKindMetrics:
		return metricsTable
	case model.AgentKindUI:
		return uiTable
	}
	return nil
}
