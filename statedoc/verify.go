package statedoc

import (
	"fmt"
	"os"
	"strings"

	"github.com/oversightlabs/overseer/hashutil"
)

// VerifyResult reports the document's integrity. Errors are fatal; warnings
// are advisory.
type VerifyResult struct {
	OK       bool
	Errors   []string
	Warnings []string
}

// Verify checks the state document: presence, parseability, checksum match
// against the companion file, frontmatter completeness, referential
// integrity, and required metric keys.
func (m *Manager) Verify() *VerifyResult {
	result := &VerifyResult{OK: true}
	fail := func(format string, args ...any) {
		result.OK = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(format, args...))
	}

	data, err := os.ReadFile(m.cfg.DocumentPath)
	if err != nil {
		if os.IsNotExist(err) {
			fail("state document missing at %s", m.cfg.DocumentPath)
		} else {
			fail("reading state document: %v", err)
		}
		return result
	}

	if expected, err := os.ReadFile(m.ChecksumPath()); err == nil {
		want := strings.TrimSpace(string(expected))
		got := hashutil.ComputeBytes(data)
		if want != got {
			fail("Checksum mismatch: document hash %s does not match companion %s", got, want)
		}
	} else if os.IsNotExist(err) {
		warn("no companion checksum file at %s", m.ChecksumPath())
	} else {
		fail("reading checksum file: %v", err)
	}

	doc, err := Parse(data)
	if err != nil {
		fail("parsing state document: %v", err)
		return result
	}

	if doc.Version == "" {
		fail("frontmatter: version is missing")
	}
	if doc.Owner == "" {
		fail("frontmatter: owner is missing")
	}
	if doc.Project == "" {
		fail("frontmatter: project is missing")
	}
	if doc.LastUpdated == "" {
		warn("last_updated is empty")
	}

	teams := doc.Tables[SectionTeams]
	for _, agentRow := range doc.Tables[SectionAgents].Rows {
		team := agentRow["team"]
		if team == "" || team == "-" || team == UnassignedTeam {
			continue
		}
		if _, ok := teams.Find(team); !ok {
			fail("agent %q references unknown team %q", agentRow["agent"], team)
		}
	}

	for _, key := range RequiredMetricKeys {
		if _, ok := doc.Metrics[key]; !ok {
			fail("system_metrics: required key %q is missing", key)
		}
	}

	return result
}
