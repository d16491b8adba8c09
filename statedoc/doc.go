// Package statedoc owns the authoritative state document: parsing and
// rendering its canonical text form, the guarded update pipeline, rebuild
// from the inbox history, and integrity verification.
package statedoc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Table section names within the state document.
const (
	SectionTeams             = "teams"
	SectionAgents            = "agents"
	SectionActiveLocks       = "active_locks"
	SectionPendingDirectives = "pending_directives"
	SectionSystemMetrics     = "system_metrics"
	SectionCandidateChanges  = "candidate_changes"
	SectionChangeHistory     = "change_history"
)

// MaxHistoryEntries caps the change-history table; older rows roll off.
const MaxHistoryEntries = 10

// UnassignedTeam marks an agent row not yet bound to a team.
const UnassignedTeam = "unassigned"

// sectionColumns fixes each table's column set. The first column is the row
// key used for upserts.
var sectionColumns = map[string][]string{
	SectionTeams:             {"team", "status", "agents", "notes"},
	SectionAgents:            {"agent", "team", "status", "last_task", "last_seen"},
	SectionActiveLocks:       {"resource", "owner", "acquired_at", "task"},
	SectionPendingDirectives: {"directive_id", "target_agent", "command", "issued_at"},
	SectionCandidateChanges:  {"candidate_id", "task_id", "agent", "status", "submitted_at"},
	SectionChangeHistory:     {"timestamp", "section", "field", "column", "new_value", "reason"},
}

// sectionOrder is the canonical render order.
var sectionOrder = []string{
	SectionTeams,
	SectionAgents,
	SectionActiveLocks,
	SectionPendingDirectives,
	SectionSystemMetrics,
	SectionCandidateChanges,
	SectionChangeHistory,
}

// RequiredMetricKeys must be present in the system_metrics block.
var RequiredMetricKeys = []string{
	"reports_processed",
	"directives_emitted",
	"escalations",
	"candidates_pending",
}

const documentTitle = "# System State"

// Row is one table row, keyed by column name. Missing cells render as "-".
type Row map[string]string

// Table holds one section's rows in document order.
type Table struct {
	Columns []string
	Rows    []Row
}

// Find returns the row whose key-column cell equals key.
func (t *Table) Find(key string) (Row, bool) {
	if len(t.Columns) == 0 {
		return nil, false
	}
	for _, row := range t.Rows {
		if row[t.Columns[0]] == key {
			return row, true
		}
	}
	return nil, false
}

// Upsert updates the row keyed by key, inserting it when absent. Returns the
// row.
func (t *Table) Upsert(key string) Row {
	if row, ok := t.Find(key); ok {
		return row
	}
	row := Row{t.Columns[0]: key}
	t.Rows = append(t.Rows, row)
	return row
}

// ExtraSection preserves a non-standard section found while parsing.
type ExtraSection struct {
	Name  string
	Lines []string
}

// Document is the parsed authoritative state document.
type Document struct {
	Version     string
	Owner       string
	Project     string
	LastUpdated string
	Tables      map[string]*Table
	Metrics     map[string]any
	Extra       []ExtraSection
}

// NewDocument creates the initial document written on first run.
func NewDocument(owner, project string) *Document {
	doc := &Document{
		Version: "1.0",
		Owner:   owner,
		Project: project,
		Tables:  make(map[string]*Table, len(sectionColumns)),
		Metrics: make(map[string]any, len(RequiredMetricKeys)),
	}
	for section, cols := range sectionColumns {
		doc.Tables[section] = &Table{Columns: append([]string(nil), cols...)}
	}
	for _, key := range RequiredMetricKeys {
		doc.Metrics[key] = json.Number("0")
	}
	return doc
}

// MetricNumber returns the metric as a float, with ok=false for missing or
// non-numeric values.
func (d *Document) MetricNumber(key string) (float64, bool) {
	v, ok := d.Metrics[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	}
	return 0, false
}

// Render produces the canonical text form. Parsing the output and rendering
// again yields identical bytes.
func (d *Document) Render() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString("---\n")
	fmt.Fprintf(&buf, "version: %s\n", d.Version)
	fmt.Fprintf(&buf, "owner: %s\n", d.Owner)
	fmt.Fprintf(&buf, "project: %s\n", d.Project)
	buf.WriteString("---\n\n")

	buf.WriteString(documentTitle + "\n\n")
	fmt.Fprintf(&buf, "last_updated: %s\n", d.LastUpdated)

	for _, section := range sectionOrder {
		fmt.Fprintf(&buf, "\n## %s\n\n", section)
		if section == SectionSystemMetrics {
			if err := renderMetrics(&buf, d.Metrics); err != nil {
				return nil, err
			}
			continue
		}
		renderTable(&buf, d.Tables[section], sectionColumns[section])
	}

	for _, extra := range d.Extra {
		fmt.Fprintf(&buf, "\n## %s\n\n", extra.Name)
		for _, line := range extra.Lines {
			buf.WriteString(line + "\n")
		}
	}

	return buf.Bytes(), nil
}

func renderTable(buf *bytes.Buffer, table *Table, columns []string) {
	buf.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	sep := make([]string, len(columns))
	for i := range sep {
		sep[i] = "---"
	}
	buf.WriteString("| " + strings.Join(sep, " | ") + " |\n")

	rows := 0
	if table != nil {
		for _, row := range table.Rows {
			cells := make([]string, len(columns))
			for i, col := range columns {
				cells[i] = row[col]
				if cells[i] == "" {
					cells[i] = "-"
				}
			}
			buf.WriteString("| " + strings.Join(cells, " | ") + " |\n")
			rows++
		}
	}
	if rows == 0 {
		cells := make([]string, len(columns))
		for i := range cells {
			cells[i] = "-"
		}
		buf.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

func renderMetrics(buf *bytes.Buffer, metrics map[string]any) error {
	if metrics == nil {
		metrics = map[string]any{}
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("render metrics: %w", err)
	}
	buf.WriteString("```json\n")
	buf.Write(data)
	buf.WriteString("\n```\n")
	return nil
}

// Parse reads a state document. Parsing is tolerant: placeholder rows are
// skipped and unknown sections are preserved for render.
func Parse(data []byte) (*Document, error) {
	doc := &Document{
		Tables:  make(map[string]*Table, len(sectionColumns)),
		Metrics: make(map[string]any),
	}
	for section, cols := range sectionColumns {
		doc.Tables[section] = &Table{Columns: append([]string(nil), cols...)}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		inFrontmatter bool
		seenFront     bool
		section       string
		extra         *ExtraSection
		metricsJSON   strings.Builder
		inMetricsJSON bool
	)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !seenFront {
			if trimmed == "---" {
				if !inFrontmatter {
					inFrontmatter = true
					continue
				}
				inFrontmatter = false
				seenFront = true
				continue
			}
			if inFrontmatter {
				key, value, ok := strings.Cut(trimmed, ":")
				if !ok {
					return nil, fmt.Errorf("malformed frontmatter line %q", trimmed)
				}
				value = strings.TrimSpace(value)
				switch strings.TrimSpace(key) {
				case "version":
					doc.Version = value
				case "owner":
					doc.Owner = value
				case "project":
					doc.Project = value
				}
				continue
			}
			if trimmed != "" {
				return nil, fmt.Errorf("missing frontmatter block")
			}
			continue
		}

		if strings.HasPrefix(trimmed, "## ") {
			section = strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
			inMetricsJSON = false
			extra = nil
			if _, known := sectionColumns[section]; !known && section != SectionSystemMetrics {
				doc.Extra = append(doc.Extra, ExtraSection{Name: section})
				extra = &doc.Extra[len(doc.Extra)-1]
			}
			continue
		}

		if extra != nil {
			if trimmed != "" || len(extra.Lines) > 0 {
				extra.Lines = append(extra.Lines, line)
			}
			continue
		}

		switch {
		case section == SectionSystemMetrics:
			if trimmed == "```json" {
				inMetricsJSON = true
				metricsJSON.Reset()
				continue
			}
			if trimmed == "```" && inMetricsJSON {
				inMetricsJSON = false
				if err := decodeMetrics(metricsJSON.String(), doc.Metrics); err != nil {
					return nil, err
				}
				continue
			}
			if inMetricsJSON {
				metricsJSON.WriteString(line)
				metricsJSON.WriteString("\n")
			}

		case section != "":
			if row, ok := parseTableRow(trimmed, sectionColumns[section]); ok {
				doc.Tables[section].Rows = append(doc.Tables[section].Rows, row)
			}

		default:
			if after, ok := strings.CutPrefix(trimmed, "last_updated:"); ok {
				doc.LastUpdated = strings.TrimSpace(after)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan state document: %w", err)
	}
	if !seenFront {
		return nil, fmt.Errorf("missing frontmatter block")
	}

	// Trailing blank lines inside extra sections break the fixed point.
	for i := range doc.Extra {
		lines := doc.Extra[i].Lines
		for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
			lines = lines[:len(lines)-1]
		}
		doc.Extra[i].Lines = lines
	}

	return doc, nil
}

// parseTableRow parses one data row. Header, separator, and placeholder rows
// report ok=false.
func parseTableRow(line string, columns []string) (Row, bool) {
	if !strings.HasPrefix(line, "|") || len(columns) == 0 {
		return nil, false
	}
	cells := strings.Split(strings.Trim(line, "|"), "|")
	if len(cells) != len(columns) {
		return nil, false
	}

	row := make(Row, len(columns))
	placeholder := true
	for i, col := range columns {
		cell := strings.TrimSpace(cells[i])
		if cell == col || strings.HasPrefix(cell, "---") {
			return nil, false
		}
		if cell != "-" && cell != "" {
			placeholder = false
		}
		row[col] = cell
	}
	if placeholder {
		return nil, false
	}
	return row, true
}

func decodeMetrics(raw string, into map[string]any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var parsed map[string]any
	if err := dec.Decode(&parsed); err != nil {
		return fmt.Errorf("parse system_metrics block: %w", err)
	}
	for k, v := range parsed {
		into[k] = v
	}
	return nil
}

// MetricKeys returns the metric names in sorted order.
func (d *Document) MetricKeys() []string {
	keys := make([]string, 0, len(d.Metrics))
	for k := range d.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
