package model

import "time"

// CandidateStatus tracks a candidate through human review.
type CandidateStatus string

const (
	CandidatePendingReview CandidateStatus = "pending_review"
	CandidateApproved      CandidateStatus = "approved"
	CandidateRejected      CandidateStatus = "rejected"
)

// Valid reports whether s is a known candidate status.
func (s CandidateStatus) Valid() bool {
	switch s {
	case CandidatePendingReview, CandidateApproved, CandidateRejected:
		return true
	}
	return false
}

// ReviewDecision is an operator's verdict on a candidate.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// Valid reports whether d is a known decision.
func (d ReviewDecision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Candidate is a proposed change awaiting human approval, spawned from a
// needs_review report.
type Candidate struct {
	CandidateID     string           `json:"candidate_id"`
	TaskID          string           `json:"task_id"`
	Agent           string           `json:"agent"`
	Team            string           `json:"team"`
	Status          CandidateStatus  `json:"status"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	Reviewer        string           `json:"reviewer,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	ReviewReasons   []string         `json:"review_reasons"`
	Risks           []string         `json:"risks,omitempty"`
	ProposedChanges []ProposedChange `json:"proposed_changes"`
}

// CandidateIDFor derives a candidate id from the originating task id.
func CandidateIDFor(taskID string) string {
	return "cand-" + taskID
}

// NewCandidate builds a pending candidate from a needs_review report.
func NewCandidate(report *Report, team string) *Candidate {
	return &Candidate{
		CandidateID:     CandidateIDFor(report.TaskID),
		TaskID:          report.TaskID,
		Agent:           report.Agent,
		Team:            team,
		Status:          CandidatePendingReview,
		SubmittedAt:     time.Now().UTC(),
		ReviewReasons:   report.ReviewReasons,
		Risks:           report.Risks,
		ProposedChanges: report.ProposedChanges,
	}
}
