package controller

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/statestore"
)

// candidatesDir is where pending candidates live, under the state directory.
func (c *Controller) candidatesDir() string {
	return filepath.Join(c.cfg.Resolve(c.cfg.Paths.StateDir), "candidates")
}

// SubmitCandidate writes a pending candidate derived from a needs_review
// report and returns its path.
func (c *Controller) SubmitCandidate(report *model.Report, team string) (string, error) {
	candidate := model.NewCandidate(report, team)
	path := filepath.Join(c.candidatesDir(),
		fmt.Sprintf("%s_%s.json", model.Stamp(c.now()), candidate.CandidateID))

	data, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding candidate: %w", err)
	}
	if err := statestore.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing candidate: %w", err)
	}

	c.logger.Info("Candidate submitted for review",
		slog.String("candidate_id", candidate.CandidateID),
		slog.String("task_id", report.TaskID),
		slog.String("reasons", strings.Join(report.ReviewReasons, "; ")))
	return path, nil
}

// ListCandidates returns all candidates, pending first, then by submission
// time.
func (c *Controller) ListCandidates() ([]model.Candidate, error) {
	entries, err := os.ReadDir(c.candidatesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading candidates directory: %w", err)
	}

	var candidates []model.Candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.candidatesDir(), entry.Name()))
		if err != nil {
			continue
		}
		var candidate model.Candidate
		if err := json.Unmarshal(data, &candidate); err != nil {
			c.logger.Warn("Skipping unparseable candidate",
				slog.String("name", entry.Name()), slog.String("error", err.Error()))
			continue
		}
		candidates = append(candidates, candidate)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi := candidates[i].Status == model.CandidatePendingReview
		pj := candidates[j].Status == model.CandidatePendingReview
		if pi != pj {
			return pi
		}
		return candidates[i].SubmittedAt.Before(candidates[j].SubmittedAt)
	})
	return candidates, nil
}

// ReviewRequest is an operator's decision on one candidate.
type ReviewRequest struct {
	CandidateID string               `json:"candidate_id"`
	Decision    model.ReviewDecision `json:"decision"`
	Reviewer    string               `json:"reviewer"`
	Notes       string               `json:"notes,omitempty"`
}

// ReviewResult reports the updated candidate and, on approval, the emitted
// directive's path.
type ReviewResult struct {
	Candidate     *model.Candidate
	DirectivePath string
}

// ReviewCandidate applies an operator decision. Approval emits a signed
// execute_approved_change directive into the original agent's outbox;
// rejection is logged only.
func (c *Controller) ReviewCandidate(req *ReviewRequest) (*ReviewResult, error) {
	if !req.Decision.Valid() {
		return nil, fmt.Errorf("unknown decision %q", req.Decision)
	}

	path, candidate, err := c.findCandidate(req.CandidateID)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	candidate.ReviewedAt = &now
	candidate.Reviewer = req.Reviewer
	candidate.Notes = req.Notes
	if req.Decision == model.DecisionApprove {
		candidate.Status = model.CandidateApproved
	} else {
		candidate.Status = model.CandidateRejected
	}

	data, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding candidate: %w", err)
	}
	if err := statestore.WriteFileAtomic(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("rewriting candidate: %w", err)
	}

	result := &ReviewResult{Candidate: candidate}
	if req.Decision == model.DecisionReject {
		c.logger.Info("Candidate rejected",
			slog.String("candidate_id", candidate.CandidateID),
			slog.String("reviewer", req.Reviewer))
		return result, nil
	}

	directive := model.NewDirective(candidate.Agent, model.CommandExecuteApprovedChange, map[string]any{
		"candidate_id":     candidate.CandidateID,
		"original_task_id": candidate.TaskID,
		"proposed_changes": candidate.ProposedChanges,
	}, c.cfg.Identity.ControllerID)
	if err := directive.Sign(); err != nil {
		return nil, fmt.Errorf("signing approval directive: %w", err)
	}

	directivePath := filepath.Join(c.cfg.Resolve(c.cfg.Paths.OutboxDir), candidate.Team, candidate.Agent,
		fmt.Sprintf("%s_approved_directive.json", model.Stamp(c.now())))
	payload, err := json.MarshalIndent(directive, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding approval directive: %w", err)
	}
	if err := statestore.WriteFileAtomic(directivePath, payload, 0o644); err != nil {
		return nil, fmt.Errorf("writing approval directive: %w", err)
	}

	c.metrics.DirectivesEmitted.Inc()
	c.logger.Info("Candidate approved",
		slog.String("candidate_id", candidate.CandidateID),
		slog.String("reviewer", req.Reviewer),
		slog.String("directive", directivePath))

	result.DirectivePath = directivePath
	return result, nil
}

// findCandidate locates the candidate file by id suffix.
func (c *Controller) findCandidate(candidateID string) (string, *model.Candidate, error) {
	entries, err := os.ReadDir(c.candidatesDir())
	if err != nil {
		return "", nil, fmt.Errorf("candidate %s not found: %w", candidateID, err)
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), "_"+candidateID+".json") {
			continue
		}
		path := filepath.Join(c.candidatesDir(), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, err
		}
		var candidate model.Candidate
		if err := json.Unmarshal(data, &candidate); err != nil {
			return "", nil, fmt.Errorf("parsing candidate %s: %w", candidateID, err)
		}
		return path, &candidate, nil
	}
	return "", nil, fmt.Errorf("candidate %s not found", candidateID)
}
