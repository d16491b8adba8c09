package statedoc

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/oversightlabs/overseer/model"
)

// Rebuild replays every report in the inbox tree, processed or not, onto a
// fresh initial document. Reports are replayed in timestamp-prefix order so
// the rebuilt tables reflect each agent's latest report. Returns the rebuilt
// document and the number of reports replayed.
func (m *Manager) Rebuild(inboxDir string) (*Document, int, error) {
	matches, err := doublestar.Glob(os.DirFS(inboxDir), "**/*.json")
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(matches, func(i, j int) bool {
		bi, bj := filepath.Base(matches[i]), filepath.Base(matches[j])
		if bi != bj {
			return bi < bj
		}
		return matches[i] < matches[j]
	})

	doc := NewDocument(m.cfg.Owner, m.cfg.Project)
	counts := map[string]int{
		"reports_processed":  0,
		"candidates_pending": 0,
		"escalations":        0,
	}
	teamAgents := make(map[string]map[string]bool)

	replayed := 0
	for _, match := range matches {
		if strings.HasSuffix(match, ".hash") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(inboxDir, match))
		if err != nil {
			m.logger.Warn("Skipping unreadable report during rebuild",
				slog.String("path", match), slog.String("error", err.Error()))
			continue
		}
		var report model.Report
		if err := json.Unmarshal(data, &report); err != nil || report.Agent == "" || report.TaskID == "" {
			continue
		}

		team := teamFromPath(match)
		if team == "" {
			team = UnassignedTeam
		}

		agentRow := doc.Tables[SectionAgents].Upsert(report.Agent)
		agentRow["team"] = team
		agentRow["status"] = string(report.Status)
		agentRow["last_task"] = report.TaskID
		agentRow["last_seen"] = model.Stamp(report.Timestamp)

		if teamAgents[team] == nil {
			teamAgents[team] = make(map[string]bool)
		}
		teamAgents[team][report.Agent] = true

		teamRow := doc.Tables[SectionTeams].Upsert(team)
		teamRow["status"] = "active"
		teamRow["agents"] = strconv.Itoa(len(teamAgents[team]))

		counts["reports_processed"]++
		switch report.Status {
		case model.StatusNeedsReview:
			counts["candidates_pending"]++
		case model.StatusError, model.StatusFailure:
			counts["escalations"]++
		}
		replayed++
	}

	for key, n := range counts {
		doc.Metrics[key] = json.Number(strconv.Itoa(n))
	}
	doc.LastUpdated = model.Stamp(m.now())

	return doc, replayed, nil
}

// SaveRebuilt writes a rebuilt document through the normal save path:
// atomic write, companion checksum, audit record.
func (m *Manager) SaveRebuilt(doc *Document, requestID string) (string, error) {
	return m.save(doc, "state_rebuild", requestID)
}

// teamFromPath derives the team from the first path segment under the inbox
// root.
func teamFromPath(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}
