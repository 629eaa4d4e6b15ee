// Package dispatch implements the Worker Dispatcher (§4.I): it dedups
// candidate tasks against the Task Registry, filters out tasks whose retry
// budget is already exhausted, and spawns the rest through the Session
// Gateway Client with staggered start times.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/retry"
)

// DefaultStaggerDelay is the default gap between successive spawn starts
// within one dispatch wave, per §4.I.
const DefaultStaggerDelay = 3000 * time.Millisecond

// PromptHook augments a task's base prompt before it is sent to the
// gateway. Spec §9 Open Question 3: the source's web-design-skill
// injection is a keyword heuristic; here it is a pluggable hook instead of
// a hard-coded keyword table. A nil hook adds nothing.
type PromptHook func(core.Task) string

// Preflight is consulted once per Dispatch call, before any worker spawns;
// a non-nil error aborts the whole wave. Used to wire in host resource/disk
// checks (internal/diagnostics) without coupling this package to them.
type Preflight func() error

// Config configures a Dispatcher.
type Config struct {
	Registry     *registry.Registry
	RetryCtl     *retry.Controller
	Gateway      *gateway.Client
	Ledger       *ledger.Ledger
	Worktrees    core.WorktreeManager
	Roles        core.RoleSet
	Escalations  *escalation.Store
	StaggerDelay time.Duration
	PromptHook   PromptHook
	Preflight    Preflight
	WebhookURL   string
	Logger       *logging.Logger
}

// Dispatcher spawns workers for ready tasks within one phase.
type Dispatcher struct {
	registry     *registry.Registry
	retryCtl     *retry.Controller
	gw           *gateway.Client
	ledger       *ledger.Ledger
	worktrees    core.WorktreeManager
	roles        core.RoleSet
	escalations  *escalation.Store
	staggerDelay time.Duration
	promptHook   PromptHook
	preflight    Preflight
	webhookURL   string
	logger       *logging.Logger

	timersMu sync.Mutex
	timers   map[string]*time.Timer // (runId, taskId) -> pending redispatch timer, §4.I step 4.e
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	delay := cfg.StaggerDelay
	if delay == 0 {
		delay = DefaultStaggerDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		registry:     cfg.Registry,
		retryCtl:     cfg.RetryCtl,
		gw:           cfg.Gateway,
		ledger:       cfg.Ledger,
		worktrees:    cfg.Worktrees,
		roles:        cfg.Roles,
		escalations:  cfg.Escalations,
		staggerDelay: delay,
		promptHook:   cfg.PromptHook,
		preflight:    cfg.Preflight,
		webhookURL:   cfg.WebhookURL,
		logger:       logger,
		timers:       make(map[string]*time.Timer),
	}
}

// Result is the outcome of one dispatch wave.
type Result struct {
	Spawned []*core.Worker
	Skipped []registry.Skipped
}

// Dispatch spawns one worker per ready task in phase, skipping tasks
// already claimed (registry dedup, §8 property 3) or whose retry budget is
// already exhausted (they already have an open Escalation).
func (d *Dispatcher) Dispatch(ctx context.Context, run *core.Run, phase *core.Phase, tasks []*core.Task) (*Result, error) {
	if d.preflight != nil {
		if err := d.preflight(); err != nil {
			return nil, fmt.Errorf("dispatch preflight: %w", err)
		}
	}

	sorted := make([]*core.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	candidates := make([]registry.SpawnCandidate, 0, len(sorted))
	for _, t := range sorted {
		candidates = append(candidates, registry.SpawnCandidate{Project: run.ProjectName, TaskID: t.ID})
	}
	spawnable, skipped, err := d.registry.FilterSpawnable(candidates)
	if err != nil {
		return nil, err
	}

	byID := make(map[core.TaskID]*core.Task, len(sorted))
	for _, t := range sorted {
		byID[t.ID] = t
	}

	var toSpawn []*core.Task
	for _, c := range spawnable {
		t := byID[c.TaskID]
		key := core.RetryKey{RunID: run.RunID, StepOrder: core.StepOrder(phase.Number, t.ID)}
		state, err := d.retryCtl.Get(key)
		if err == nil && state.Status == core.RetryStatusExhausted {
			skipped = append(skipped, registry.Skipped{Task: t.ID, Reason: "retry budget exhausted"})
			continue
		}
		toSpawn = append(toSpawn, t)
	}

	var (
		mu      sync.Mutex
		spawned []*core.Worker
		wg      sync.WaitGroup
	)
	for i, t := range toSpawn {
		wg.Add(1)
		go func(i int, t *core.Task) {
			defer wg.Done()
			delay := time.Duration(i) * d.staggerDelay
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
			}
			w, err := d.spawnOne(ctx, run, phase, t)
			if err != nil {
				d.logger.Warn("dispatch spawn failed", "task", t.ID, "error", err)
				return
			}
			mu.Lock()
			spawned = append(spawned, w)
			mu.Unlock()
		}(i, t)
	}
	wg.Wait()

	sort.Slice(spawned, func(i, j int) bool { return spawned[i].TaskID < spawned[j].TaskID })
	return &Result{Spawned: spawned, Skipped: skipped}, nil
}

func (d *Dispatcher) spawnOne(ctx context.Context, run *core.Run, phase *core.Phase, task *core.Task) (*core.Worker, error) {
	workerID := core.WorkerID(fmt.Sprintf("%s-p%d", task.ID, phase.Number))
	branch := core.WorkerBranchName(run.RunID, workerID)

	ok, err := d.registry.Register(run.ProjectName, task.ID, run.RunID, phase.Number, workerID, branch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrInvalidTransition("task already claimed by another worker: " + string(task.ID))
	}

	role, _ := d.roles.Get(task.RoleID)

	item, err := d.ledger.Create(ledger.CreateInput{Type: "worker", RoleID: task.RoleID, ParentID: string(run.RunID), Tag: string(task.ID)})
	if err != nil {
		return nil, err
	}
	if err := d.ledger.UpdateStatus(item.ID, core.WorkItemRunning, ""); err != nil {
		return nil, err
	}

	// §4.G/§4.I step 4.a: worktree creation failure is not fatal. Fall back
	// to the shared repo dir with a warning rather than aborting the task.
	info, err := d.worktrees.CreateForWorker(ctx, run.RunID, workerID, run.BaseBranch)
	if err != nil {
		d.logger.Warn("worktree creation failed, falling back to shared repo dir", "task", task.ID, "error", err)
		info = &core.WorktreeInfo{RunID: run.RunID, Owner: string(workerID), Path: run.RepoPath, Branch: branch, BaseRef: run.BaseBranch}
	}

	prompt := d.buildPrompt(task, role)

	resp, err := d.gw.Spawn(ctx, gateway.SpawnRequest{
		Task:         prompt,
		Label:        string(workerID),
		Model:        role.Model,
		Thinking:     role.Thinking,
		Cleanup:      true,
		WebhookURL:   d.webhookURL,
		WorktreePath: info.Path,
		Branch:       info.Branch,
	})
	if err != nil {
		d.handleSpawnFailure(run, phase, task, item, err)
		return nil, err
	}

	worker := core.NewWorker(workerID, task.ID, run.RunID, phase.Number, task.RoleID)
	worker.Branch = info.Branch
	worker.WorktreePath = info.Path
	worker.SessionKey = resp.ChildSessionKey
	if err := worker.Transition(core.WorkerStatusRunning); err != nil {
		return nil, err
	}
	return worker, nil
}

// handleSpawnFailure implements §4.I step 4.e: records the failed attempt
// against the Retry Controller, escalates once the budget is exhausted, and
// otherwise schedules a delayed redispatch at the controller-computed delay,
// canceling any earlier pending timer for the same (run, task).
func (d *Dispatcher) handleSpawnFailure(run *core.Run, ph *core.Phase, task *core.Task, item *core.WorkItem, spawnErr error) {
	_ = d.ledger.UpdateStatus(item.ID, core.WorkItemFailed, spawnErr.Error())
	_ = d.registry.UpdateStatus(run.ProjectName, task.ID, core.WorkerStatusFailed, spawnErr.Error())

	key := core.RetryKey{RunID: run.RunID, StepOrder: core.StepOrder(ph.Number, task.ID)}
	rs, err := d.retryCtl.RecordAttempt(key, false, spawnErr.Error(), 0)
	if err != nil {
		d.logger.Warn("recording spawn-failure retry attempt", "task", task.ID, "error", err)
		return
	}

	if rs.Status == core.RetryStatusExhausted {
		if d.escalations == nil {
			return
		}
		if _, err := d.escalations.Create(escalation.CreateParams{
			RunID: run.RunID, PhaseNumber: ph.Number, TaskID: task.ID,
			Message:      "spawn failed after exhausting retry budget: " + spawnErr.Error(),
			AttemptCount: len(rs.Attempts), MaxAttempts: rs.Policy.MaxAttempts, Severity: core.SeverityHigh,
		}); err != nil {
			d.logger.Warn("creating spawn-failure escalation", "task", task.ID, "error", err)
		}
		return
	}

	if rs.NextRetryAt == nil {
		return
	}
	delay := time.Until(*rs.NextRetryAt)
	if delay < 0 {
		delay = 0
	}
	d.scheduleRedispatch(run, ph, task, delay)
}

// scheduleRedispatch arms a one-shot timer that re-invokes spawnOne for
// (run, task) after delay. A later spawn failure for the same (runId,
// taskId) cancels whichever timer is still pending, per §4.I step 4.e and
// §9's process-level retry-timer map.
func (d *Dispatcher) scheduleRedispatch(run *core.Run, ph *core.Phase, task *core.Task, delay time.Duration) {
	key := string(run.RunID) + ":" + string(task.ID)

	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	if existing, ok := d.timers[key]; ok {
		existing.Stop()
	}
	d.timers[key] = time.AfterFunc(delay, func() {
		d.timersMu.Lock()
		delete(d.timers, key)
		d.timersMu.Unlock()
		if _, err := d.spawnOne(context.Background(), run, ph, task); err != nil {
			d.logger.Warn("scheduled redispatch failed", "task", task.ID, "error", err)
		}
	})
}

func (d *Dispatcher) buildPrompt(task *core.Task, role core.Role) string {
	prompt := task.Title
	if role.Instructions != "" {
		prompt = role.Instructions + "\n\n" + prompt
	}
	if d.promptHook != nil {
		if extra := d.promptHook(*task); extra != "" {
			prompt = prompt + "\n\n" + extra
		}
	}
	return prompt
}
