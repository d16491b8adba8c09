package controller

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oversightlabs/overseer/model"
)

func reviewReport(taskID string) *model.Report {
	return &model.Report{
		Agent:         "sheets-agent",
		TaskID:        taskID,
		Status:        model.StatusNeedsReview,
		Summary:       "clear_range on A1:Z100 requires review",
		ReviewReasons: []string{"clear_range: operation is high risk"},
		Risks:         []string{"destroys cell contents in the range"},
		ProposedChanges: []model.ProposedChange{{
			Operation:   "clear_range",
			Target:      "A1:Z100",
			Risk:        model.RiskHigh,
			Confidence:  0.9,
			Explanation: "Clear all values in a range",
		}},
		Metrics:   model.ReportMetrics{DurationMS: 430},
		Timestamp: time.Now().UTC(),
	}
}

func submitTestCandidate(t *testing.T, c *Controller, taskID string) *model.Candidate {
	t.Helper()
	path, err := c.SubmitCandidate(reviewReport(taskID), "sheets-team")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var candidate model.Candidate
	require.NoError(t, json.Unmarshal(data, &candidate))
	return &candidate
}

func TestReviewCandidate_Approve(t *testing.T) {
	c, root := newTestController(t)
	candidate := submitTestCandidate(t, c, "sh-100")

	result, err := c.ReviewCandidate(&ReviewRequest{
		CandidateID: candidate.CandidateID,
		Decision:    model.DecisionApprove,
		Reviewer:    "operator-1",
		Notes:       "range confirmed with the team",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CandidateApproved, result.Candidate.Status)
	assert.Equal(t, "operator-1", result.Candidate.Reviewer)
	require.NotNil(t, result.Candidate.ReviewedAt)
	require.NotEmpty(t, result.DirectivePath)

	data, err := os.ReadFile(result.DirectivePath)
	require.NoError(t, err)
	var directive model.Directive
	require.NoError(t, json.Unmarshal(data, &directive))
	assert.Equal(t, model.CommandExecuteApprovedChange, directive.Command)
	assert.Equal(t, "sheets-agent", directive.TargetAgent)
	assert.Equal(t, "cand-sh-100", directive.Parameters["candidate_id"])
	assert.Equal(t, "sh-100", directive.Parameters["original_task_id"])
	assert.True(t, directive.VerifySignature())

	// Directive lands in the original agent's outbox.
	assert.Contains(t, result.DirectivePath,
		filepath.Join(root, "Controller", "outbox", "sheets-team", "sheets-agent"))

	// The decision is persisted on the candidate file itself.
	candidates, err := c.ListCandidates()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, model.CandidateApproved, candidates[0].Status)
}

func TestReviewCandidate_RejectEmitsNothing(t *testing.T) {
	c, root := newTestController(t)
	candidate := submitTestCandidate(t, c, "sh-101")

	result, err := c.ReviewCandidate(&ReviewRequest{
		CandidateID: candidate.CandidateID,
		Decision:    model.DecisionReject,
		Reviewer:    "operator-1",
		Notes:       "too broad, narrow the range first",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CandidateRejected, result.Candidate.Status)
	assert.Empty(t, result.DirectivePath)

	matches := globOutbox(t, root, filepath.Join("sheets-team", "sheets-agent", "*_approved_directive.json"))
	assert.Empty(t, matches)
}

func TestReviewCandidate_UnknownID(t *testing.T) {
	c, _ := newTestController(t)
	submitTestCandidate(t, c, "sh-102")

	_, err := c.ReviewCandidate(&ReviewRequest{
		CandidateID: "cand-missing",
		Decision:    model.DecisionApprove,
		Reviewer:    "operator-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cand-missing not found")
}

func TestReviewCandidate_InvalidDecision(t *testing.T) {
	c, _ := newTestController(t)

	_, err := c.ReviewCandidate(&ReviewRequest{
		CandidateID: "cand-sh-100",
		Decision:    model.ReviewDecision("defer"),
		Reviewer:    "operator-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown decision")
}

func TestListCandidates_PendingFirst(t *testing.T) {
	c, _ := newTestController(t)
	first := submitTestCandidate(t, c, "sh-201")
	submitTestCandidate(t, c, "sh-202")

	_, err := c.ReviewCandidate(&ReviewRequest{
		CandidateID: first.CandidateID,
		Decision:    model.DecisionReject,
		Reviewer:    "operator-1",
	})
	require.NoError(t, err)

	candidates, err := c.ListCandidates()
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, model.CandidatePendingReview, candidates[0].Status)
	assert.Equal(t, "cand-sh-202", candidates[0].CandidateID)
	assert.Equal(t, model.CandidateRejected, candidates[1].Status)
}

func TestListCandidates_EmptyDirectory(t *testing.T) {
	c, _ := newTestController(t)
	candidates, err := c.ListCandidates()
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
