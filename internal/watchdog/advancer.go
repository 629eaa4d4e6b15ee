// Package watchdog implements the Phase Advancer / Watcher (§4.L): an
// event-driven Advancer that reacts to an approved final review, and a
// Poller that periodically checks for stalled phases and stalled runs,
// re-invoking the Dispatcher or raising an Escalation as needed.
package watchdog

import (
	"context"
	"sort"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/phase"
	"github.com/swarmops/swarmops/internal/runstate"
)

// TaskSource supplies the tasks belonging to one phase of a run, re-derived
// from the parsed progress document. The Advancer and Poller never parse
// progress documents themselves; they're driven by this hook so they stay
// agnostic of the task-graph parser.
type TaskSource func(run *core.Run, ph *core.Phase) ([]*core.Task, error)

// AdvancerConfig configures an Advancer.
type AdvancerConfig struct {
	Runs       *runstate.Manager
	Collector  *phase.Collector
	Dispatcher *dispatch.Dispatcher
	Tasks      TaskSource
	Logger     *logging.Logger
}

// Advancer reacts to an approved final review by completing the current
// phase and either completing the run or dispatching the next phase.
type Advancer struct {
	runs       *runstate.Manager
	collector  *phase.Collector
	dispatcher *dispatch.Dispatcher
	tasks      TaskSource
	logger     *logging.Logger
}

// NewAdvancer constructs an Advancer.
func NewAdvancer(cfg AdvancerConfig) *Advancer {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Advancer{
		runs:       cfg.Runs,
		collector:  cfg.Collector,
		dispatcher: cfg.Dispatcher,
		tasks:      cfg.Tasks,
		logger:     logger,
	}
}

// AdvanceResult reports what OnPhaseApproved did.
type AdvanceResult struct {
	RunCompleted bool
	NextPhase    int
	Dispatched   *dispatch.Result
}

// nextPhase returns the lowest-numbered phase after `after`, or nil if none
// remains.
func nextPhase(run *core.Run, after int) *core.Phase {
	phases := append([]*core.Phase{}, run.Phases...)
	sort.Slice(phases, func(i, j int) bool { return phases[i].Number < phases[j].Number })
	for _, p := range phases {
		if p.Number > after {
			return p
		}
	}
	return nil
}

// OnPhaseApproved is called by the webhook handler once the review chain
// approves a phase's final reviewer and the main merge (§4.K) succeeds. It
// marks the phase completed and either completes the run or re-invokes the
// Dispatcher for the next phase. Replaying this call for a phase already
// advanced past is a no-op, so a duplicate webhook delivery is harmless.
func (a *Advancer) OnPhaseApproved(ctx context.Context, runID core.RunID, phaseNumber int) (*AdvanceResult, error) {
	run, err := a.runs.Get(runID)
	if err != nil {
		return nil, err
	}

	current := run.CurrentPhasePtr()
	if current == nil || current.Number != phaseNumber || current.Status == core.PhaseStatusCompleted {
		// Already advanced past this phase (e.g. replayed webhook); nothing to do.
		return &AdvanceResult{}, nil
	}

	if err := current.Advance(core.PhaseStatusCompleted); err != nil {
		return nil, err
	}
	a.collector.CompletePhase(runID, phaseNumber)

	next := nextPhase(run, phaseNumber)
	if next == nil {
		run.Complete()
		if err := a.runs.Save(run); err != nil {
			return nil, err
		}
		a.logger.Info("run completed", "run", runID)
		return &AdvanceResult{RunCompleted: true}, nil
	}

	run.CurrentPhase = next.Number
	run.Status = core.RunStatusRunning
	if err := a.runs.Save(run); err != nil {
		return nil, err
	}
	a.logger.Info("phase advanced", "run", runID, "phase", next.Number)

	if a.tasks == nil || a.dispatcher == nil {
		return &AdvanceResult{NextPhase: next.Number}, nil
	}
	tasks, err := a.tasks(run, next)
	if err != nil {
		return nil, err
	}
	ready := readyTasks(tasks)

	// Mirror orchestrator.StartRun's phase-1 init: every later phase needs
	// its own phase.State too, or the worker-complete/review webhooks that
	// follow this dispatch have nothing to record against (phase.Collector.Get
	// returns ok=false forever).
	if _, err := a.collector.InitPhase(phase.InitParams{
		Run: runID, PhaseNumber: next.Number, RepoDir: run.RepoPath, BaseBranch: run.BaseBranch,
		ProjectName: run.ProjectName, WorkerIDs: workerIDsFor(ready, next.Number), TaskIDs: taskIDsOf(ready),
	}); err != nil {
		return nil, err
	}

	res, err := a.dispatcher.Dispatch(ctx, run, next, ready)
	if err != nil {
		return nil, err
	}
	return &AdvanceResult{NextPhase: next.Number, Dispatched: res}, nil
}

// taskIDsOf and workerIDsFor mirror the orchestrator package's own helpers
// of the same name, so the Phase Collector's initial worker map for a
// later phase lines up with what Dispatch actually spawns for it.
func taskIDsOf(tasks []*core.Task) []core.TaskID {
	ids := make([]core.TaskID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

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
