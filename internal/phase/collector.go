// Package phase implements the Phase Collector (§4.J) and the Phase Merger
// + Review Chain (§4.K): per-(run, phaseNumber) aggregation of worker
// outcomes, branch collection, sequential merge-and-review, and the
// escalation/conflict-resolver handoffs those flows trigger.
package phase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

// WorkerRecord is one worker's status within a Phase Collector's state.
type WorkerRecord struct {
	WorkerID core.WorkerID     `json:"workerId"`
	TaskID   core.TaskID       `json:"taskId"`
	Status   core.WorkerStatus `json:"status"`
	Output   string            `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// State is the Phase Collector's persisted record for one (run, phase).
type State struct {
	RunID       core.RunID               `json:"runId"`
	PhaseNumber int                      `json:"phaseNumber"`
	RepoDir     string                   `json:"repoDir"`
	BaseBranch  string                   `json:"baseBranch"`
	ProjectPath string                   `json:"projectPath"`
	ProjectName string                   `json:"projectName"`
	Workers     map[core.WorkerID]*WorkerRecord `json:"workers"`
	PhaseBranch string                   `json:"phaseBranch,omitempty"`
	WorktreePath string                  `json:"worktreePath,omitempty"`
}

// InitParams are the caller-supplied fields for InitPhase.
type InitParams struct {
	Run         core.RunID
	PhaseNumber int
	RepoDir     string
	BaseBranch  string
	ProjectPath string
	ProjectName string
	WorkerIDs   []core.WorkerID
	TaskIDs     []core.TaskID
}

// Collector owns the phase-state files and the in-memory active-phase map
// mirroring §4.J's "remove from in-memory map on terminal transition" rule.
type Collector struct {
	dir string
	st  *store.Store

	mu     sync.Mutex
	active map[string]*State
}

// New constructs a Collector persisted under dir (e.g. data/phases).
func New(dir string, st *store.Store) *Collector {
	return &Collector{dir: dir, st: st, active: make(map[string]*State)}
}

func stateKey(runID core.RunID, phaseNumber int) string {
	return string(runID) + "-phase-" + itoa(phaseNumber)
}

func itoa(n int) string {
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

func (c *Collector) path(runID core.RunID, phaseNumber int) string {
	return filepath.Join(c.dir, stateKey(runID, phaseNumber)+".json")
}

// InitPhase creates (or idempotently returns) the phase record with every
// worker status=running.
func (c *Collector) InitPhase(p InitParams) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stateKey(p.Run, p.PhaseNumber)
	if existing, ok := c.active[key]; ok {
		return existing, nil
	}

	var st State
	path := c.path(p.Run, p.PhaseNumber)
	err := store.ReadJSON(path, &st)
	if err == nil {
		c.active[key] = &st
		return &st, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, core.ErrTransientIO("reading phase state: " + err.Error())
	}

	workers := make(map[core.WorkerID]*WorkerRecord, len(p.WorkerIDs))
	for i, wid := range p.WorkerIDs {
		var taskID core.TaskID
		if i < len(p.TaskIDs) {
			taskID = p.TaskIDs[i]
		}
		workers[wid] = &WorkerRecord{WorkerID: wid, TaskID: taskID, Status: core.WorkerStatusRunning}
	}
	st = State{
		RunID:       p.Run,
		PhaseNumber: p.PhaseNumber,
		RepoDir:     p.RepoDir,
		BaseBranch:  p.BaseBranch,
		ProjectPath: p.ProjectPath,
		ProjectName: p.ProjectName,
		Workers:     workers,
	}
	if err := c.st.WriteJSONAtomic(path, &st); err != nil {
		return nil, err
	}
	c.active[key] = &st
	return &st, nil
}

// CompleteResult is OnWorkerComplete's return value.
type CompleteResult struct {
	PhaseComplete bool
	AllSucceeded  bool
}

// OnWorkerComplete updates one worker's status idempotently by workerId and
// recomputes the phase-complete/all-succeeded flags. Once PhaseComplete is
// true it stays true on subsequent calls (§8 property 5): a non-running
// worker record is never reopened by this method.
func (c *Collector) OnWorkerComplete(runID core.RunID, phaseNumber int, workerID core.WorkerID, status core.WorkerStatus, output, errMsg string) (CompleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stateKey(runID, phaseNumber)
	st, ok := c.active[key]
	if !ok {
		return CompleteResult{}, core.ErrNotFound("phase state", key)
	}

	rec, ok := st.Workers[workerID]
	if !ok {
		return CompleteResult{}, core.ErrNotFound("phase worker", string(workerID))
	}
	if rec.Status != core.WorkerStatusRunning && rec.Status != core.WorkerStatusPending {
		// Already terminal: idempotent no-op, but still report current totals.
		return CompleteResult{PhaseComplete: allNonRunning(st), AllSucceeded: allCompleted(st)}, nil
	}
	rec.Status = status
	rec.Output = output
	rec.Error = errMsg

	if err := c.st.WriteJSONAtomic(c.path(runID, phaseNumber), st); err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{PhaseComplete: allNonRunning(st), AllSucceeded: allCompleted(st)}, nil
}

func allNonRunning(st *State) bool {
	for _, w := range st.Workers {
		if w.Status == core.WorkerStatusRunning || w.Status == core.WorkerStatusPending {
			return false
		}
	}
	return true
}

func allCompleted(st *State) bool {
	for _, w := range st.Workers {
		if w.Status != core.WorkerStatusCompleted {
			return false
		}
	}
	return true
}

// SetWorktreePath records the phase branch's worktree path once the caller
// (the Phase Merger's driver) creates it, so a later webhook in the same
// review cycle (e.g. a fix-complete re-review) can find it without
// recreating the worktree.
func (c *Collector) SetWorktreePath(runID core.RunID, phaseNumber int, branch, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stateKey(runID, phaseNumber)
	st, ok := c.active[key]
	if !ok {
		return core.ErrNotFound("phase state", key)
	}
	st.PhaseBranch = branch
	st.WorktreePath = path
	return c.st.WriteJSONAtomic(c.path(runID, phaseNumber), st)
}

// Get returns the current in-memory phase state, if active.
func (c *Collector) Get(runID core.RunID, phaseNumber int) (*State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.active[stateKey(runID, phaseNumber)]
	return st, ok
}

// CollectPhaseBranches returns the subset of worker branches that exist and
// have commits beyond baseBranch, after (re)creating the phase branch off
// base. If any worker failed, it returns an error without creating the
// branch set. If no workers produced commits, it reports an empty set so
// the caller can short-circuit straight to CompletePhase.
func (c *Collector) CollectPhaseBranches(ctx context.Context, git core.GitClient, st *State) ([]string, error) {
	for _, w := range st.Workers {
		if w.Status == core.WorkerStatusFailed {
			return nil, core.ErrValidation("PHASE_WORKER_FAILED", "worker "+string(w.WorkerID)+" failed, phase cannot collect")
		}
	}

	var branches []string
	for _, w := range st.Workers {
		if w.Status != core.WorkerStatusCompleted {
			continue
		}
		branch := core.WorkerBranchName(st.RunID, w.WorkerID)
		exists, err := git.BranchExists(ctx, branch)
		if err != nil {
			return nil, core.ErrTransientIO("checking worker branch: " + err.Error())
		}
		if !exists {
			continue
		}
		files, err := git.DiffFiles(ctx, st.BaseBranch, branch)
		if err != nil {
			return nil, core.ErrTransientIO("diffing worker branch: " + err.Error())
		}
		if len(files) > 0 {
			branches = append(branches, branch)
		}
	}
	return branches, nil
}

// CompletePhase marks the phase record complete and drops it from the
// in-memory active map, per §4.J.
func (c *Collector) CompletePhase(runID core.RunID, phaseNumber int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, stateKey(runID, phaseNumber))
}

// FailPhase marks the phase record failed and drops it from the in-memory
// active map.
func (c *Collector) FailPhase(runID core.RunID, phaseNumber int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, stateKey(runID, phaseNumber))
}
