package phase

import (
	"context"
	"fmt"

	"github.com/swarmops/swarmops/internal/conflict"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/logging"
)

// MergeStatus is the outcome of one MergeBranches call.
type MergeStatus string

const (
	MergeStatusMerged         MergeStatus = "merged"
	MergeStatusAwaitResolver  MergeStatus = "await_resolver"
	MergeStatusReviewStarted  MergeStatus = "review_started"
)

// MergeOutcome reports what the merge loop did.
type MergeOutcome struct {
	Status     MergeStatus
	ResolverID string
}

// Merger implements the Phase Merger + Review Chain (§4.K): it merges
// collected worker branches into the phase branch in order, routes
// conflicts to the Conflict Resolver, and drives the sequential review
// chain once every branch is in.
type Merger struct {
	worktrees   core.WorktreeManager
	resolvers   *conflict.Store
	escalations *escalation.Store
	reviews     *ReviewStore
	gw          *gateway.Client
	reviewChain []string
	webhookURL  string
	logger      *logging.Logger
}

// Config configures a Merger.
type Config struct {
	Worktrees   core.WorktreeManager
	Resolvers   *conflict.Store
	Escalations *escalation.Store
	Reviews     *ReviewStore
	Gateway     *gateway.Client
	ReviewChain []string
	WebhookURL  string
	Logger      *logging.Logger
}

// New constructs a Merger.
func NewMerger(cfg Config) *Merger {
	chain := cfg.ReviewChain
	if len(chain) == 0 {
		chain = core.DefaultReviewChain()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Merger{
		worktrees:   cfg.Worktrees,
		resolvers:   cfg.Resolvers,
		escalations: cfg.Escalations,
		reviews:     cfg.Reviews,
		gw:          cfg.Gateway,
		reviewChain: chain,
		webhookURL:  cfg.WebhookURL,
		logger:      logger,
	}
}

// CollidingTaskLookup resolves a worker branch back to its task description,
// used to enrich the resolver prompt; the Phase Collector state carries the
// (worker, task) mapping.
type CollidingTaskLookup func(branch string) conflict.TaskDescription

// MergeBranches merges branches (collected worker branches, in order) into
// the phase worktree at phaseWorktreePath. On a clean run through to the
// end it kicks off the review chain. On the first conflict it stops, opens
// a Conflict Resolver context for the colliding branch, and returns
// MergeStatusAwaitResolver: the caller resumes via ResumeAfterResolver once
// the resolver webhook reports completion.
func (m *Merger) MergeBranches(ctx context.Context, run *core.Run, phaseNumber int, phaseWorktreePath, phaseBranch string, branches []string, lookup CollidingTaskLookup) (*MergeOutcome, error) {
	for i, branch := range branches {
		result, err := m.worktrees.MergeBranch(ctx, phaseWorktreePath, branch, core.DefaultMergeOptions())
		if err != nil {
			return nil, core.ErrTransientIO("merging worker branch: " + err.Error())
		}
		if result.Conflicted {
			remaining := append([]string{}, branches[i+1:]...)
			var tasks []conflict.TaskDescription
			if lookup != nil {
				tasks = []conflict.TaskDescription{lookup(branch)}
			}
			rc, err := m.resolvers.Create(ctx, conflict.CreateParams{
				RunID: run.RunID, PhaseNumber: phaseNumber, PhaseBranch: phaseBranch, SourceBranch: branch,
				ConflictFiles: result.ConflictFiles, RemainingBranches: remaining, RepoDir: phaseWorktreePath,
				WebhookURL: m.webhookURL, CollidingTasks: tasks,
			})
			if err != nil {
				return nil, err
			}
			return &MergeOutcome{Status: MergeStatusAwaitResolver, ResolverID: rc.ID}, nil
		}
	}
	if err := m.startReviewChain(ctx, run.RunID, phaseNumber, phaseWorktreePath); err != nil {
		return nil, err
	}
	return &MergeOutcome{Status: MergeStatusReviewStarted}, nil
}

// ResumeAfterResolver resumes the merge loop with the branches a resolver
// context recorded as remaining, once its webhook reports completion.
func (m *Merger) ResumeAfterResolver(ctx context.Context, run *core.Run, rc *core.ResolverContext, phaseWorktreePath string, lookup CollidingTaskLookup) (*MergeOutcome, error) {
	return m.MergeBranches(ctx, run, rc.PhaseNumber, phaseWorktreePath, rc.PhaseBranch, rc.RemainingBranches, lookup)
}

func (m *Merger) startReviewChain(ctx context.Context, runID core.RunID, phaseNumber int, phaseWorktreePath string) error {
	rc, err := m.reviews.StartOrGet(runID, phaseNumber, m.reviewChain)
	if err != nil {
		return err
	}
	return m.spawnReviewer(ctx, rc, phaseWorktreePath)
}

func (m *Merger) spawnReviewer(ctx context.Context, rc *core.ReviewCycle, phaseWorktreePath string) error {
	role := rc.CurrentReviewer()
	if role == "" {
		return nil
	}
	prompt := fmt.Sprintf("Review the changes on this phase branch as %s. Report approved or request_changes with findings via webhook.", role)
	resp, err := m.gw.Spawn(ctx, gateway.SpawnRequest{
		Task: prompt, Label: fmt.Sprintf("review-%s-phase-%d", role, rc.PhaseNumber), WebhookURL: m.webhookURL, WorktreePath: phaseWorktreePath,
	})
	if err != nil {
		return err
	}
	rc.CurrentSessionKey = resp.ChildSessionKey
	return m.reviews.Save(rc)
}

// FixerResult is the outcome a fix-complete webhook reports.
type FixerResult struct {
	IssuesFixed int
}

// OnFixComplete resumes the review chain after a fixer reports done (§4.K:
// fixing -> pending-review -> pending), re-spawning the reviewer who
// requested the changes rather than restarting the chain from reviewer 0.
func (m *Merger) OnFixComplete(ctx context.Context, runID core.RunID, phaseNumber int, phaseWorktreePath string) error {
	rc, err := m.reviews.StartOrGet(runID, phaseNumber, m.reviewChain)
	if err != nil {
		return err
	}
	rc.OnFixComplete()
	if err := m.reviews.Save(rc); err != nil {
		return err
	}
	if err := m.spawnReviewer(ctx, rc, phaseWorktreePath); err != nil {
		return err
	}
	rc.OnReviewerSpawned()
	return m.reviews.Save(rc)
}

// ReviewResultOutcome is what ProcessReviewResult did, for the caller (the
// webhook handler) to act on further (e.g. trigger the main merge).
type ReviewResultOutcome struct {
	Action      core.ReviewAction
	EscalationID string
}

// ProcessReviewResult applies one reviewer's decision to the phase's
// ReviewCycle (§4.K's decision table) and performs the resulting action:
// spawning the next reviewer, spawning a fixer, escalating, or signalling
// the caller to perform the main merge.
func (m *Merger) ProcessReviewResult(ctx context.Context, runID core.RunID, phaseNumber int, reviewerRole string, decision core.ReviewDecision, findings []core.ReviewFinding, summary string, phaseWorktreePath string) (*ReviewResultOutcome, error) {
	rc, err := m.reviews.StartOrGet(runID, phaseNumber, m.reviewChain)
	if err != nil {
		return nil, err
	}

	action := rc.RecordDecision(core.ReviewAttempt{ReviewerRole: reviewerRole, Decision: decision, Findings: findings, Comments: summary, At: core.Now()})
	if err := m.reviews.Save(rc); err != nil {
		return nil, err
	}

	switch action {
	case core.ReviewActionNextReviewer:
		if err := m.spawnReviewer(ctx, rc, phaseWorktreePath); err != nil {
			return nil, err
		}
	case core.ReviewActionSpawnFixer:
		if err := m.spawnFixer(ctx, rc, findings, phaseWorktreePath); err != nil {
			return nil, err
		}
	case core.ReviewActionEscalate:
		esc, err := m.escalations.Create(escalation.CreateParams{
			RunID: runID, PhaseNumber: phaseNumber, Message: "review chain exhausted fix attempts", AttemptCount: rc.FixCount, MaxAttempts: rc.MaxFixAttempts, Severity: core.SeverityHigh,
		})
		if err != nil {
			return nil, err
		}
		return &ReviewResultOutcome{Action: action, EscalationID: esc.ID}, nil
	case core.ReviewActionMergeToMain, core.ReviewActionClarify:
		// No further spawn here; the caller drives the main merge / leaves
		// needs_clarification for a human.
	}
	return &ReviewResultOutcome{Action: action}, nil
}

func (m *Merger) spawnFixer(ctx context.Context, rc *core.ReviewCycle, findings []core.ReviewFinding, phaseWorktreePath string) error {
	prompt := "Fix the following review findings and trigger re-review via webhook when done:\n"
	for _, f := range findings {
		prompt += fmt.Sprintf("- [%s] %s:%d %s", f.Severity, f.File, f.Line, f.Description)
		if f.Fix != "" {
			prompt += " (suggested fix: " + f.Fix + ")"
		}
		prompt += "\n"
	}
	resp, err := m.gw.Spawn(ctx, gateway.SpawnRequest{
		Task: prompt, Label: fmt.Sprintf("fixer-phase-%d-attempt-%d", rc.PhaseNumber, rc.FixCount), WebhookURL: m.webhookURL, WorktreePath: phaseWorktreePath,
	})
	if err != nil {
		return err
	}
	rc.CurrentSessionKey = resp.ChildSessionKey
	return m.reviews.Save(rc)
}

// MainMerge performs the final phase-branch-into-base merge once the last
// reviewer has approved: git checkout <baseBranch>, git merge <phaseBranch>
// with the fixed commit message from §4.K. A conflict here aborts and
// restores the previous branch, marks the phase merge-failed, and creates
// an Escalation — it is not routed through the Conflict Resolver, since
// there is no more worker branch to attribute the conflict to.
func (m *Merger) MainMerge(ctx context.Context, run *core.Run, phaseNumber int, checkout core.GitClient, phaseBranch string) error {
	previousBranch, err := checkout.CurrentBranch(ctx)
	if err != nil {
		return core.ErrTransientIO("reading current branch before main merge: " + err.Error())
	}
	if err := checkout.CheckoutBranch(ctx, run.BaseBranch); err != nil {
		return core.ErrTransientIO("checking out base branch: " + err.Error())
	}

	msg := fmt.Sprintf("Merge phase %d (run: %s) - Approved by AI review", phaseNumber, run.RunID)
	mergeErr := checkout.Merge(ctx, phaseBranch, core.MergeOptions{Message: msg})
	if mergeErr == nil {
		return nil
	}

	if !core.IsMergeConflictError(mergeErr) {
		return core.ErrTransientIO("main merge failed: " + mergeErr.Error())
	}

	_ = checkout.AbortMerge(ctx)
	_ = checkout.CheckoutBranch(ctx, previousBranch)

	if _, err := m.escalations.Create(escalation.CreateParams{
		RunID: run.RunID, PhaseNumber: phaseNumber, Message: "main merge conflicted after approved review", Severity: core.SeverityHigh,
	}); err != nil {
		return err
	}
	return core.ErrMergeConflictf("main merge of phase " + fmt.Sprint(phaseNumber) + " conflicted")
}
