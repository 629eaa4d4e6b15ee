// Package orchestrator wires every pipeline-orchestration component into
// the handful of operations the §6 webhook API exposes, plus the pipeline
// start/continue flow. It is the single coordinating value instantiated
// once at process start (§9 Design Notes): it owns no state of its own — it
// composes the Run State Manager, Phase Collector, Phase Merger, Worker
// Dispatcher, Conflict Resolver, and Phase Advancer into one call surface a
// thin HTTP layer can sit on top of.
package orchestrator

import (
	"context"
	"sort"

	"github.com/swarmops/swarmops/internal/conflict"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/parser"
	"github.com/swarmops/swarmops/internal/phase"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/retry"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/watchdog"
)

// ProjectProgress loads and atomically rewrites one project's progress
// document, keeping the Orchestrator agnostic of where documents live on
// disk (a plain directory today, potentially something else later).
type ProjectProgress interface {
	// Load parses the project's current progress document and returns its
	// path, so MarkDone can target the same file.
	Load(project string) (doc *parser.Result, path string, err error)
	// RepoPath returns the project's git repository root.
	RepoPath(project string) string
}

// GitFactory opens a core.GitClient rooted at an arbitrary working
// directory (the main repo checkout or one of its worktrees).
type GitFactory func(dir string) (core.GitClient, error)

// Config wires every subsystem an Orchestrator drives. All fields are
// required except Logger.
type Config struct {
	Runs        *runstate.Manager
	Collector   *phase.Collector
	Merger      *phase.Merger
	Reviews     *phase.ReviewStore
	Dispatcher  *dispatch.Dispatcher
	Advancer    *watchdog.Advancer
	Registry    *registry.Registry
	RetryCtl    *retry.Controller
	Ledger      *ledger.Ledger
	Escalations *escalation.Store
	Resolvers   *conflict.Store
	Worktrees   core.WorktreeManager
	GitFactory  GitFactory
	Progress    ProjectProgress
	Store       *store.Store
	Logger      *logging.Logger
}

// Orchestrator implements the business logic behind every §6 webhook route.
type Orchestrator struct {
	runs        *runstate.Manager
	collector   *phase.Collector
	merger      *phase.Merger
	reviews     *phase.ReviewStore
	dispatcher  *dispatch.Dispatcher
	advancer    *watchdog.Advancer
	registry    *registry.Registry
	retryCtl    *retry.Controller
	ledger      *ledger.Ledger
	escalations *escalation.Store
	resolvers   *conflict.Store
	worktrees   core.WorktreeManager
	gitFactory  GitFactory
	progress    ProjectProgress
	store       *store.Store
	logger      *logging.Logger
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		runs:        cfg.Runs,
		collector:   cfg.Collector,
		merger:      cfg.Merger,
		reviews:     cfg.Reviews,
		dispatcher:  cfg.Dispatcher,
		advancer:    cfg.Advancer,
		registry:    cfg.Registry,
		retryCtl:    cfg.RetryCtl,
		ledger:      cfg.Ledger,
		escalations: cfg.Escalations,
		resolvers:   cfg.Resolvers,
		worktrees:   cfg.Worktrees,
		gitFactory:  cfg.GitFactory,
		progress:    cfg.Progress,
		store:       cfg.Store,
		logger:      logger,
	}
}

// resolveStepOrder recovers the (taskId, workerId) pair a /worker-complete
// webhook's stepOrder refers to. core.StepOrder folds a task id into a
// 5-digit hash, so the webhook body alone cannot be inverted: this
// recomputes StepOrder for every worker the Phase Collector is tracking for
// the run's current phase and takes the one that matches, rather than
// maintaining a second persisted index solely for this lookup.
func resolveStepOrder(state *phase.State, phaseNumber int, stepOrder int64) (core.TaskID, core.WorkerID, bool) {
	for workerID, rec := range state.Workers {
		if core.StepOrder(phaseNumber, rec.TaskID) == stepOrder {
			return rec.TaskID, workerID, true
		}
	}
	return "", "", false
}

// WorkerComplete implements POST /worker-complete (§6): records the
// outcome against the retry controller, task registry, and ledger, then
// folds it into the Phase Collector. Once every worker in the phase has
// finished, it drives the collect-and-merge flow.
func (o *Orchestrator) WorkerComplete(ctx context.Context, p gateway.WorkerCompletePayload) error {
	run, err := o.runs.Get(p.RunID)
	if err != nil {
		return err
	}
	ph := run.CurrentPhasePtr()
	if ph == nil {
		return nil // run already advanced past every phase; stale webhook
	}
	state, ok := o.collector.Get(run.RunID, ph.Number)
	if !ok {
		o.logger.Warn("worker-complete: no active phase state, orphan webhook", "run", run.RunID, "stepOrder", p.StepOrder)
		return nil
	}
	taskID, workerID, found := resolveStepOrder(state, ph.Number, p.StepOrder)
	if !found {
		o.logger.Warn("worker-complete: unresolved stepOrder, orphan webhook", "run", run.RunID, "stepOrder", p.StepOrder)
		return nil
	}

	status := core.WorkerStatusCompleted
	if p.Status != "completed" {
		status = core.WorkerStatusFailed
	}

	key := core.RetryKey{RunID: run.RunID, StepOrder: p.StepOrder}
	if _, err := o.retryCtl.RecordAttempt(key, status == core.WorkerStatusCompleted, p.Error, 0); err != nil {
		return err
	}
	if err := o.registry.UpdateStatus(run.ProjectName, taskID, status, p.Error); err != nil {
		return err
	}
	if status == core.WorkerStatusCompleted {
		if _, err := o.escalations.ResolveByTaskId(taskID, "task completed successfully", "system"); err != nil {
			return err
		}
	}
	if err := o.recordLedgerCompletion(run.RunID, taskID, status, p.Output, p.Error); err != nil {
		return err
	}

	result, err := o.collector.OnWorkerComplete(run.RunID, ph.Number, workerID, status, p.Output, p.Error)
	if err != nil {
		return err
	}
	if !result.PhaseComplete || !result.AllSucceeded {
		return nil
	}
	return o.collectAndMerge(ctx, run, ph, state)
}

// recordLedgerCompletion locates the work item the Dispatcher created for
// taskID (tagged by task id, parented by run id) and transitions it
// terminal. A task with no matching item (e.g. a replayed webhook after the
// item was already closed) is a no-op.
func (o *Orchestrator) recordLedgerCompletion(runID core.RunID, taskID core.TaskID, status core.WorkerStatus, output, errMsg string) error {
	items := o.ledger.List(ledger.ListFilters{ParentID: string(runID), Tag: string(taskID)})
	if len(items) == 0 {
		return nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	item := items[len(items)-1]
	if item.Status.IsTerminal() {
		return nil
	}
	if output != "" {
		if err := o.ledger.SetOutput(item.ID, output); err != nil {
			return err
		}
	}
	workStatus := core.WorkItemComplete
	if status == core.WorkerStatusFailed {
		workStatus = core.WorkItemFailed
	}
	return o.ledger.UpdateStatus(item.ID, workStatus, errMsg)
}

// collectAndMerge runs the §4.J -> §4.K handoff once every worker in a
// phase has completed successfully: collect branches with commits, and
// either short-circuit straight to phase-approved (no branches produced
// any change) or merge them into the phase branch and start the review
// chain.
func (o *Orchestrator) collectAndMerge(ctx context.Context, run *core.Run, ph *core.Phase, state *phase.State) error {
	git, err := o.gitFactory(run.RepoPath)
	if err != nil {
		return core.ErrTransientIO("opening repo for phase collection: " + err.Error())
	}

	branches, err := o.collector.CollectPhaseBranches(ctx, git, state)
	if err != nil {
		return err
	}
	if err := ph.Advance(core.PhaseStatusCollecting); err != nil {
		return err
	}
	if err := o.runs.Save(run); err != nil {
		return err
	}

	if len(branches) == 0 {
		// §4.J: no workers produced commits. Phase status only advances one
		// step at a time (core.CanAdvancePhaseStatus), so the formal
		// merging/reviewing steps are walked through with nothing to do in
		// them before handing off to the Advancer.
		if err := ph.Advance(core.PhaseStatusMerging); err != nil {
			return err
		}
		if err := ph.Advance(core.PhaseStatusReviewing); err != nil {
			return err
		}
		if err := o.runs.Save(run); err != nil {
			return err
		}
		_, err := o.advancer.OnPhaseApproved(ctx, run.RunID, ph.Number)
		return err
	}

	wt, err := o.worktrees.CreateForPhase(ctx, run.RunID, ph.Number, run.BaseBranch)
	if err != nil {
		return err
	}
	if err := o.collector.SetWorktreePath(run.RunID, ph.Number, wt.Branch, wt.Path); err != nil {
		return err
	}
	if err := ph.Advance(core.PhaseStatusMerging); err != nil {
		return err
	}
	if err := o.runs.Save(run); err != nil {
		return err
	}

	lookup := collidingTaskLookup(state)
	outcome, err := o.merger.MergeBranches(ctx, run, ph.Number, wt.Path, wt.Branch, branches, lookup)
	if err != nil {
		return err
	}
	switch outcome.Status {
	case phase.MergeStatusAwaitResolver:
		return nil // stays in merging; ResolverComplete's webhook drives it forward
	case phase.MergeStatusReviewStarted:
		if err := ph.Advance(core.PhaseStatusReviewing); err != nil {
			return err
		}
		return o.runs.Save(run)
	}
	return nil
}

// collidingTaskLookup maps a worker branch name back to its task, for the
// Conflict Resolver prompt.
func collidingTaskLookup(state *phase.State) phase.CollidingTaskLookup {
	return func(branch string) conflict.TaskDescription {
		for workerID, rec := range state.Workers {
			if core.WorkerBranchName(state.RunID, workerID) == branch {
				return conflict.TaskDescription{TaskID: rec.TaskID}
			}
		}
		return conflict.TaskDescription{}
	}
}

// ResolverComplete implements POST /resolver-complete (§4.N): applies a
// conflict resolver's own outcome and, on success, resumes the merge loop
// with the branches the resolver context recorded as remaining. A replayed
// webhook for an already-terminal resolver context is a no-op.
func (o *Orchestrator) ResolverComplete(ctx context.Context, p gateway.ResolverCompletePayload) error {
	run, err := o.runs.Get(p.RunID)
	if err != nil {
		return err
	}
	rc, err := o.resolvers.Get(p.RunID, p.ResolverID)
	if err != nil {
		return err
	}
	if rc.Status != core.ResolverStatusActive {
		return nil
	}

	if p.Status != "completed" {
		if _, err := o.resolvers.Fail(p.RunID, p.ResolverID); err != nil {
			return err
		}
		_, err := o.escalations.Create(escalation.CreateParams{
			RunID: p.RunID, PhaseNumber: rc.PhaseNumber,
			Message: "conflict resolver failed: " + p.Error, Severity: core.SeverityHigh,
		})
		return err
	}

	completed, err := o.resolvers.Complete(p.RunID, p.ResolverID)
	if err != nil {
		return err
	}

	state, ok := o.collector.Get(run.RunID, completed.PhaseNumber)
	if !ok {
		o.logger.Warn("resolver-complete: no active phase state, orphan webhook", "run", run.RunID, "resolver", p.ResolverID)
		return nil
	}
	outcome, err := o.merger.ResumeAfterResolver(ctx, run, completed, completed.RepoDir, collidingTaskLookup(state))
	if err != nil {
		return err
	}

	ph := run.CurrentPhasePtr()
	if ph == nil || ph.Number != completed.PhaseNumber {
		return nil
	}
	switch outcome.Status {
	case phase.MergeStatusReviewStarted:
		if err := ph.Advance(core.PhaseStatusReviewing); err != nil {
			return err
		}
		return o.runs.Save(run)
	}
	return nil // outcome.Status == MergeStatusAwaitResolver: another conflict, stays in merging
}

// TaskComplete implements POST /task-complete (§6): flips the task's
// checklist box in the progress document via the parser's atomic rewrite.
// Parsing never mutates the document (§4.A); this is the sanctioned write
// path.
func (o *Orchestrator) TaskComplete(ctx context.Context, p gateway.TaskCompletePayload) error {
	if p.RunID == "" {
		return core.ErrValidation("MISSING_RUN_ID", "task-complete requires a runId")
	}
	run, err := o.runs.Get(p.RunID)
	if err != nil {
		return err
	}
	_, path, err := o.progress.Load(run.ProjectName)
	if err != nil {
		return err
	}
	return parser.MarkTaskDone(o.store, path, p.TaskID)
}

// ReviewResult implements POST /review-result (§6): applies the decision to
// the phase's ReviewCycle and, on final approval, performs the main merge
// and advances the run.
func (o *Orchestrator) ReviewResult(ctx context.Context, p gateway.ReviewResultPayload) error {
	run, err := o.runs.Get(p.RunID)
	if err != nil {
		return err
	}
	ph := run.CurrentPhasePtr()
	if ph == nil || ph.Number != p.PhaseNumber {
		return nil // stale/replayed webhook for a phase already past
	}

	wt, err := o.worktrees.CreateForPhase(ctx, run.RunID, ph.Number, run.BaseBranch)
	if err != nil {
		return err
	}

	outcome, err := o.merger.ProcessReviewResult(ctx, run.RunID, ph.Number, p.ReviewerRole, p.Status, p.Findings, p.Summary, wt.Path)
	if err != nil {
		return err
	}
	if outcome.Action != core.ReviewActionMergeToMain {
		return nil
	}

	git, err := o.gitFactory(run.RepoPath)
	if err != nil {
		return core.ErrTransientIO("opening repo for main merge: " + err.Error())
	}
	if err := o.merger.MainMerge(ctx, run, ph.Number, git, wt.Branch); err != nil {
		if err2 := ph.Advance(core.PhaseStatusFailed); err2 == nil {
			_ = o.runs.Save(run)
		}
		return err
	}

	rc, err := o.reviews.Get(run.RunID, ph.Number)
	if err != nil {
		return err
	}
	rc.Merged()
	if err := o.reviews.Save(rc); err != nil {
		return err
	}

	_, err = o.advancer.OnPhaseApproved(ctx, run.RunID, ph.Number)
	return err
}

// FixComplete implements POST /fix-complete (§6): resumes the review chain
// at the reviewer who requested changes (§4.K: fixing -> pending-review ->
// pending).
func (o *Orchestrator) FixComplete(ctx context.Context, p gateway.FixCompletePayload) error {
	run, err := o.runs.Get(p.RunID)
	if err != nil {
		return err
	}
	ph := run.CurrentPhasePtr()
	if ph == nil || (p.PhaseNumber != 0 && ph.Number != p.PhaseNumber) {
		return nil
	}
	wt, err := o.worktrees.CreateForPhase(ctx, run.RunID, ph.Number, run.BaseBranch)
	if err != nil {
		return err
	}
	return o.merger.OnFixComplete(ctx, run.RunID, ph.Number, wt.Path)
}

// SpecComplete implements POST /spec-complete (§6): this webhook reports
// the outer spec-generation flow finished for a project. It carries no
// pipeline-orchestration state of its own (the spec and interview flows
// that precede a run are out of this module's scope); the Orchestrator
// just logs it so an operator can see the handoff happened.
func (o *Orchestrator) SpecComplete(ctx context.Context, p gateway.SpecCompletePayload) error {
	o.logger.Info("spec-complete", "project", p.Project, "source", p.Source)
	return nil
}

// StartRun implements the OrchestrateActionStart path of POST /orchestrate
// (§6): parses the project's progress document, creates a Run, and
// dispatches phase 1's ready tasks.
func (o *Orchestrator) StartRun(ctx context.Context, runID core.RunID, project string) (*dispatch.Result, error) {
	if _, active, err := o.runs.ActiveRunForProject(project); err != nil {
		return nil, err
	} else if active {
		return nil, core.ErrInvalidTransition("project " + project + " already has an active run")
	}

	doc, _, err := o.progress.Load(project)
	if err != nil {
		return nil, err
	}
	parser.DerivePhaseStatuses(doc)
	if len(doc.Phases) == 0 {
		return nil, core.ErrValidation("NO_PHASES", "progress document has no phases")
	}

	repoPath := o.progress.RepoPath(project)
	run := core.NewRun(runID, project, repoPath, repoPath, doc.Phases)
	if err := o.runs.Create(run); err != nil {
		return nil, err
	}

	first := run.CurrentPhasePtr()
	if first == nil {
		return nil, core.ErrNotFound("phase", "1")
	}
	tasks := tasksForPhase(doc, first)
	ready := readyTasks(tasks)
	if _, err := o.collector.InitPhase(phase.InitParams{
		Run: run.RunID, PhaseNumber: first.Number, RepoDir: repoPath, BaseBranch: run.BaseBranch,
		ProjectName: project, WorkerIDs: workerIDsFor(ready, first.Number), TaskIDs: taskIDsOf(ready),
	}); err != nil {
		return nil, err
	}
	return o.dispatcher.Dispatch(ctx, run, first, ready)
}

// ContinueRun implements the OrchestrateActionContinue path of POST
// /orchestrate: re-derives the current phase's ready tasks from the
// progress document and redispatches them. Used to recover a run an
// operator knows is stuck without waiting for the Watcher's next tick.
func (o *Orchestrator) ContinueRun(ctx context.Context, runID core.RunID) (*dispatch.Result, error) {
	run, err := o.runs.Get(runID)
	if err != nil {
		return nil, err
	}
	ph := run.CurrentPhasePtr()
	if ph == nil {
		return nil, nil
	}
	doc, _, err := o.progress.Load(run.ProjectName)
	if err != nil {
		return nil, err
	}
	tasks := tasksForPhase(doc, ph)
	ready := readyTasks(tasks)
	if len(ready) == 0 {
		return &dispatch.Result{}, nil
	}
	return o.dispatcher.Dispatch(ctx, run, ph, ready)
}

func tasksForPhase(doc *parser.Result, ph *core.Phase) []*core.Task {
	tasks := make([]*core.Task, 0, len(ph.Tasks))
	for _, id := range ph.Tasks {
		if t, ok := doc.Tasks[id]; ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func readyTasks(tasks []*core.Task) []*core.Task {
	done := make(map[core.TaskID]bool, len(tasks))
	for _, t := range tasks {
		if t.Done {
			done[t.ID] = true
		}
	}
	isDone := func(id core.TaskID) bool { return done[id] }
	var out []*core.Task
	for _, t := range tasks {
		if t.IsReady(isDone) {
			out = append(out, t)
		}
	}
	return out
}

func taskIDsOf(tasks []*core.Task) []core.TaskID {
	ids := make([]core.TaskID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

// workerIDsFor derives the worker ids the Dispatcher will itself compute
// for these tasks (task id + phase number), so the Phase Collector's
// initial worker map lines up with what Dispatch actually spawns.
func workerIDsFor(tasks []*core.Task, phaseNumber int) []core.WorkerID {
	ids := make([]core.WorkerID, len(tasks))
	for i, t := range tasks {
		ids[i] = core.WorkerID(string(t.ID) + "-p" + itoaPhase(phaseNumber))
	}
	return ids
}

func itoaPhase(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
