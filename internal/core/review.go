package core

import "time"

// ReviewDecision is the discriminant of one reviewer's verdict, a tagged
// sum type so JSON round-trips unambiguously.
type ReviewDecision string

const (
	ReviewDecisionApproved      ReviewDecision = "approved"
	ReviewDecisionRequestChange ReviewDecision = "request_changes"
)

// ReviewFinding is one issue a reviewer surfaced.
type ReviewFinding struct {
	Severity    string `json:"severity"`
	File        string `json:"file"`
	Line        int    `json:"line,omitempty"`
	Description string `json:"description"`
	Fix         string `json:"fix,omitempty"`
}

// ReviewCycleStatus is the lifecycle state attached to one phase merge
// attempt; escalated and merged are terminal.
type ReviewCycleStatus string

const (
	ReviewCycleStatusPending            ReviewCycleStatus = "pending"
	ReviewCycleStatusFixing             ReviewCycleStatus = "fixing"
	ReviewCycleStatusPendingReview      ReviewCycleStatus = "pending-review"
	ReviewCycleStatusPendingFix         ReviewCycleStatus = "pending-fix"
	ReviewCycleStatusApproved           ReviewCycleStatus = "approved"
	ReviewCycleStatusMerged             ReviewCycleStatus = "merged"
	ReviewCycleStatusEscalated          ReviewCycleStatus = "escalated"
	ReviewCycleStatusNeedsClarification ReviewCycleStatus = "needs_clarification"
)

func (s ReviewCycleStatus) IsTerminal() bool {
	return s == ReviewCycleStatusEscalated || s == ReviewCycleStatusMerged
}

// ReviewAttempt records one pass through the review chain.
type ReviewAttempt struct {
	ReviewerRole   string         `json:"reviewerRole"`
	Decision       ReviewDecision `json:"decision"`
	Comments       string         `json:"comments,omitempty"`
	Findings       []ReviewFinding `json:"findings,omitempty"`
	FixInstructions string        `json:"fixInstructions,omitempty"`
	At             time.Time      `json:"at"`
}

// ReviewCycle tracks one phase merge's progress through the review chain
// defined in §4.K.
type ReviewCycle struct {
	RunID             RunID             `json:"runId"`
	PhaseNumber       int               `json:"phaseNumber"`
	Status            ReviewCycleStatus `json:"status"`
	FixCount          int               `json:"fixCount"`
	MaxFixAttempts    int               `json:"maxFixAttempts"`
	ReviewerChain      []string         `json:"reviewerChain"`
	CurrentReviewerIdx int              `json:"currentReviewerIdx"`
	CurrentSessionKey  string           `json:"currentSessionKey,omitempty"`
	History            []ReviewAttempt  `json:"history"`
}

// DefaultReviewChain is the fixed sequence of reviewer roles per §4.K.
func DefaultReviewChain() []string {
	return []string{"reviewer", "security-reviewer", "designer"}
}

// NewReviewCycle constructs a pending cycle for the given chain.
func NewReviewCycle(runID RunID, phaseNumber int, chain []string) *ReviewCycle {
	return &ReviewCycle{
		RunID:          runID,
		PhaseNumber:    phaseNumber,
		Status:         ReviewCycleStatusPending,
		MaxFixAttempts: 3,
		ReviewerChain:  chain,
	}
}

// CurrentReviewer returns the role id of the reviewer due next, or "" if the
// chain is exhausted (all approved).
func (rc *ReviewCycle) CurrentReviewer() string {
	if rc.CurrentReviewerIdx >= len(rc.ReviewerChain) {
		return ""
	}
	return rc.ReviewerChain[rc.CurrentReviewerIdx]
}

// RecordDecision applies one reviewer's verdict per the §4.K state machine,
// returning the action the Phase Merger should take next.
type ReviewAction string

const (
	ReviewActionNextReviewer ReviewAction = "next_reviewer"
	ReviewActionMergeToMain  ReviewAction = "merge_to_main"
	ReviewActionSpawnFixer   ReviewAction = "spawn_fixer"
	ReviewActionEscalate     ReviewAction = "escalate"
	ReviewActionClarify      ReviewAction = "clarify"
)

func (rc *ReviewCycle) RecordDecision(attempt ReviewAttempt) ReviewAction {
	rc.History = append(rc.History, attempt)

	if attempt.Decision == ReviewDecisionApproved {
		rc.CurrentReviewerIdx++
		if rc.CurrentReviewerIdx >= len(rc.ReviewerChain) {
			rc.Status = ReviewCycleStatusApproved
			return ReviewActionMergeToMain
		}
		rc.Status = ReviewCycleStatusPending
		return ReviewActionNextReviewer
	}

	// request_changes
	if len(attempt.Findings) == 0 {
		rc.Status = ReviewCycleStatusNeedsClarification
		return ReviewActionClarify
	}
	if rc.FixCount < rc.MaxFixAttempts {
		rc.FixCount++
		rc.Status = ReviewCycleStatusFixing
		return ReviewActionSpawnFixer
	}
	rc.Status = ReviewCycleStatusEscalated
	return ReviewActionEscalate
}

// OnFixComplete marks a fixing cycle pending-review: the fixer is done and
// a reviewer is about to be re-spawned to check its work.
func (rc *ReviewCycle) OnFixComplete() {
	rc.Status = ReviewCycleStatusPendingReview
}

// OnReviewerSpawned moves a pending-review cycle to pending once the
// re-review reviewer session is actually running, per §4.K's documented
// fixing -> pending-review -> pending sequence.
func (rc *ReviewCycle) OnReviewerSpawned() {
	rc.Status = ReviewCycleStatusPending
}

// OnFixFailed moves a fixing cycle to pending-fix if attempts remain, else
// escalates.
func (rc *ReviewCycle) OnFixFailed() ReviewAction {
	if rc.FixCount < rc.MaxFixAttempts {
		rc.Status = ReviewCycleStatusPendingFix
		return ReviewActionSpawnFixer
	}
	rc.Status = ReviewCycleStatusEscalated
	return ReviewActionEscalate
}

// Merged marks the cycle merged into the base branch; terminal.
func (rc *ReviewCycle) Merged() {
	rc.Status = ReviewCycleStatusMerged
}
