package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/conflict"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/parser"
	"github.com/swarmops/swarmops/internal/phase"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/retry"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/watchdog"
)

// fakeWorktrees is a no-op core.WorktreeManager, same shape as the one the
// watchdog package's own tests use.
type fakeWorktrees struct{}

func (f *fakeWorktrees) CreateForWorker(ctx context.Context, runID core.RunID, workerID core.WorkerID, baseRef string) (*core.WorktreeInfo, error) {
	return &core.WorktreeInfo{RunID: runID, Branch: core.WorkerBranchName(runID, workerID), Path: "/tmp/" + string(workerID)}, nil
}
func (f *fakeWorktrees) CreateForPhase(ctx context.Context, runID core.RunID, phaseNumber int, baseRef string) (*core.WorktreeInfo, error) {
	return &core.WorktreeInfo{RunID: runID, Branch: core.PhaseBranchName(runID, phaseNumber), Path: "/tmp/phase"}, nil
}
func (f *fakeWorktrees) Remove(ctx context.Context, runID core.RunID, owner string, removeBranch bool) error {
	return nil
}
func (f *fakeWorktrees) MergeBranch(ctx context.Context, targetPath, sourceBranch string, opts core.MergeOptions) (*core.MergeResult, error) {
	return &core.MergeResult{Success: true}, nil
}
func (f *fakeWorktrees) ListRunWorktrees(ctx context.Context, runID core.RunID) ([]*core.WorktreeInfo, error) {
	return nil, nil
}
func (f *fakeWorktrees) CleanupStale(ctx context.Context, runID core.RunID) error { return nil }

// fakeGit is a minimal core.GitClient stub: no branches exist, so
// CollectPhaseBranches always reports an empty set, exercising the §4.J
// short-circuit path.
type fakeGit struct{}

func (g *fakeGit) RepoRoot(ctx context.Context) (string, error)       { return "/tmp/repo", nil }
func (g *fakeGit) CurrentBranch(ctx context.Context) (string, error)  { return "main", nil }
func (g *fakeGit) DefaultBranch(ctx context.Context) (string, error)  { return "main", nil }
func (g *fakeGit) RemoteURL(ctx context.Context) (string, error)      { return "", nil }
func (g *fakeGit) BranchExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}
func (g *fakeGit) CreateBranch(ctx context.Context, name, base string) error { return nil }
func (g *fakeGit) DeleteBranch(ctx context.Context, name string) error      { return nil }
func (g *fakeGit) CheckoutBranch(ctx context.Context, name string) error    { return nil }
func (g *fakeGit) CreateWorktree(ctx context.Context, path, branch string) error { return nil }
func (g *fakeGit) RemoveWorktree(ctx context.Context, path string) error        { return nil }
func (g *fakeGit) ListWorktrees(ctx context.Context) ([]core.Worktree, error)   { return nil, nil }
func (g *fakeGit) Status(ctx context.Context) (*core.GitStatus, error)          { return &core.GitStatus{}, nil }
func (g *fakeGit) Add(ctx context.Context, paths ...string) error               { return nil }
func (g *fakeGit) Commit(ctx context.Context, message string) (string, error)   { return "sha", nil }
func (g *fakeGit) Push(ctx context.Context, remote, branch string) error        { return nil }
func (g *fakeGit) Diff(ctx context.Context, base, head string) (string, error)  { return "", nil }
func (g *fakeGit) DiffFiles(ctx context.Context, base, head string) ([]string, error) {
	return nil, nil
}
func (g *fakeGit) Merge(ctx context.Context, branch string, opts core.MergeOptions) error { return nil }
func (g *fakeGit) AbortMerge(ctx context.Context) error                                   { return nil }
func (g *fakeGit) IsClean(ctx context.Context) (bool, error)                              { return true, nil }
func (g *fakeGit) Fetch(ctx context.Context, remote string) error                         { return nil }

// fakeProgress serves one in-memory progress document per project.
type fakeProgress struct {
	docs map[string]string
	dir  string
}

func (p *fakeProgress) Load(project string) (*parser.Result, string, error) {
	text, ok := p.docs[project]
	if !ok {
		return nil, "", core.ErrNotFound("project", project)
	}
	r, err := parser.Parse(text)
	if err != nil {
		return nil, "", err
	}
	return r, filepath.Join(p.dir, project+".md"), nil
}

func (p *fakeProgress) RepoPath(project string) string { return "/tmp/repo-" + project }

func spawnOKServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SpawnResponse{OK: true, ChildSessionKey: "sess"})
	}))
}

const sampleProject = `## Phase 1: Setup
- [ ] First task @id(t1) @role(builder)
`

func newTestOrchestrator(t *testing.T, gwURL string) (*Orchestrator, *runstate.Manager, *phase.Collector) {
	t.Helper()
	dir := t.TempDir()
	st := store.New()

	runs := runstate.New(filepath.Join(dir, "runs"), st)
	collector := phase.New(filepath.Join(dir, "phases"), st)
	reg := registry.New(filepath.Join(dir, "registry.json"), st)
	retryCtl := retry.New(filepath.Join(dir, "retry.json"), st)
	led := ledger.New(filepath.Join(dir, "work"), st)
	esc := escalation.New(filepath.Join(dir, "escalations.json"), st)
	resolvers := conflict.New(filepath.Join(dir, "resolvers"), st, gateway.New(gateway.Config{BaseURL: gwURL}, nil))
	reviews := phase.NewReviewStore(filepath.Join(dir, "reviews"), st)
	gw := gateway.New(gateway.Config{BaseURL: gwURL}, nil)

	d := dispatch.New(dispatch.Config{
		Registry:     reg,
		RetryCtl:     retryCtl,
		Gateway:      gw,
		Ledger:       led,
		Worktrees:    &fakeWorktrees{},
		Roles:        core.RoleSet{"builder": {ID: "builder", Model: "m1"}},
		StaggerDelay: time.Millisecond,
	})
	merger := phase.NewMerger(phase.Config{
		Worktrees:   &fakeWorktrees{},
		Resolvers:   resolvers,
		Escalations: esc,
		Reviews:     reviews,
		Gateway:     gw,
	})
	advancer := watchdog.NewAdvancer(watchdog.AdvancerConfig{
		Runs:       runs,
		Collector:  collector,
		Dispatcher: d,
		Tasks: func(run *core.Run, ph *core.Phase) ([]*core.Task, error) {
			return nil, nil
		},
	})

	progress := &fakeProgress{dir: dir, docs: map[string]string{"proj-a": sampleProject}}

	o := New(Config{
		Runs:        runs,
		Collector:   collector,
		Merger:      merger,
		Reviews:     reviews,
		Dispatcher:  d,
		Advancer:    advancer,
		Registry:    reg,
		RetryCtl:    retryCtl,
		Ledger:      led,
		Escalations: esc,
		Resolvers:   resolvers,
		Worktrees:   &fakeWorktrees{},
		GitFactory:  func(dir string) (core.GitClient, error) { return &fakeGit{}, nil },
		Progress:    progress,
		Store:       st,
	})
	return o, runs, collector
}

func TestStartRunDispatchesPhaseOneReadyTasks(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	o, runs, _ := newTestOrchestrator(t, srv.URL)

	result, err := o.StartRun(context.Background(), "run-1", "proj-a")
	require.NoError(t, err)
	require.Len(t, result.Spawned, 1)

	run, err := runs.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, run.Status)
}

func TestStartRunRejectsSecondActiveRunForSameProject(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	o, _, _ := newTestOrchestrator(t, srv.URL)

	_, err := o.StartRun(context.Background(), "run-1", "proj-a")
	require.NoError(t, err)

	_, err = o.StartRun(context.Background(), "run-2", "proj-a")
	require.Error(t, err)
}

func TestWorkerCompleteShortCircuitsWithNoBranches(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	o, runs, collector := newTestOrchestrator(t, srv.URL)

	_, err := o.StartRun(context.Background(), "run-1", "proj-a")
	require.NoError(t, err)

	run, err := runs.Get("run-1")
	require.NoError(t, err)
	ph := run.CurrentPhasePtr()
	require.NotNil(t, ph)

	state, ok := collector.Get(run.RunID, ph.Number)
	require.True(t, ok)
	var workerID core.WorkerID
	for id := range state.Workers {
		workerID = id
	}
	require.NotEmpty(t, workerID)

	stepOrder := core.StepOrder(ph.Number, "t1")
	err = o.WorkerComplete(context.Background(), gateway.WorkerCompletePayload{
		RunID: run.RunID, StepOrder: stepOrder, Status: "completed", Output: "done",
	})
	require.NoError(t, err)

	// fakeGit reports no branches for any worker, so the phase should have
	// short-circuited straight through to completed without entering the
	// merge/review states.
	updated, err := runs.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseStatusCompleted, updated.Phases[0].Status)
}

func TestWorkerCompleteReplayIsIdempotent(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	o, runs, collector := newTestOrchestrator(t, srv.URL)

	_, err := o.StartRun(context.Background(), "run-1", "proj-a")
	require.NoError(t, err)
	run, _ := runs.Get("run-1")
	ph := run.CurrentPhasePtr()
	stepOrder := core.StepOrder(ph.Number, "t1")

	payload := gateway.WorkerCompletePayload{RunID: run.RunID, StepOrder: stepOrder, Status: "completed", Output: "done"}
	require.NoError(t, o.WorkerComplete(context.Background(), payload))
	require.NoError(t, o.WorkerComplete(context.Background(), payload))

	state, ok := collector.Get(run.RunID, ph.Number)
	_ = state
	assert.False(t, ok) // phase dropped from the active map once complete
}

func TestTaskCompleteMarksProgressDocumentDone(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	o, _, _ := newTestOrchestrator(t, srv.URL)

	_, err := o.StartRun(context.Background(), "run-1", "proj-a")
	require.NoError(t, err)

	err = o.TaskComplete(context.Background(), gateway.TaskCompletePayload{TaskID: "t1", RunID: "run-1"})
	require.NoError(t, err)

	doc, _, err := o.progress.Load("proj-a")
	require.NoError(t, err)
	assert.True(t, doc.Tasks["t1"].Done)
}

// conflictWorktrees is a core.WorktreeManager whose MergeBranch conflicts on
// a chosen call number rather than a chosen branch name, since the Phase
// Collector's worker map iterates in map order and the branch that lands on
// that Nth call isn't knowable up front.
type conflictWorktrees struct {
	conflictAt int
	calls      int
}

func (w *conflictWorktrees) CreateForWorker(ctx context.Context, runID core.RunID, workerID core.WorkerID, baseRef string) (*core.WorktreeInfo, error) {
	return &core.WorktreeInfo{RunID: runID, Branch: core.WorkerBranchName(runID, workerID), Path: "/tmp/" + string(workerID)}, nil
}
func (w *conflictWorktrees) CreateForPhase(ctx context.Context, runID core.RunID, phaseNumber int, baseRef string) (*core.WorktreeInfo, error) {
	return &core.WorktreeInfo{RunID: runID, Branch: core.PhaseBranchName(runID, phaseNumber), Path: "/tmp/phase"}, nil
}
func (w *conflictWorktrees) Remove(ctx context.Context, runID core.RunID, owner string, removeBranch bool) error {
	return nil
}
func (w *conflictWorktrees) MergeBranch(ctx context.Context, targetPath, sourceBranch string, opts core.MergeOptions) (*core.MergeResult, error) {
	w.calls++
	if w.calls == w.conflictAt {
		return &core.MergeResult{Success: false, Conflicted: true, ConflictFiles: []string{"a.go"}}, nil
	}
	return &core.MergeResult{Success: true}, nil
}
func (w *conflictWorktrees) ListRunWorktrees(ctx context.Context, runID core.RunID) ([]*core.WorktreeInfo, error) {
	return nil, nil
}
func (w *conflictWorktrees) CleanupStale(ctx context.Context, runID core.RunID) error { return nil }

// branchyGit is a core.GitClient stub whose every worker branch exists and
// diffs non-empty against base, exercising collectAndMerge's full merge path
// instead of the §4.J short-circuit fakeGit takes.
type branchyGit struct{ fakeGit }

func (g *branchyGit) BranchExists(ctx context.Context, name string) (bool, error) { return true, nil }
func (g *branchyGit) DiffFiles(ctx context.Context, base, head string) ([]string, error) {
	return []string{"a.go"}, nil
}

const conflictProject = `## Phase 1: Setup
- [ ] First task @id(t1) @role(builder)
- [ ] Second task @id(t2) @role(builder)
- [ ] Third task @id(t3) @role(builder)
`

// newConflictOrchestrator wires an Orchestrator the same way
// newTestOrchestrator does, except both the Orchestrator's and the Merger's
// worktree manager is wt (so collectAndMerge's CreateForPhase and the
// Merger's MergeBranch calls agree on conflicts), and the progress document
// has three ready phase-1 tasks so a phase merge has more than one branch to
// sequence through.
func newConflictOrchestrator(t *testing.T, gwURL string, wt core.WorktreeManager) (*Orchestrator, *runstate.Manager, *phase.Collector) {
	t.Helper()
	dir := t.TempDir()
	st := store.New()

	runs := runstate.New(filepath.Join(dir, "runs"), st)
	collector := phase.New(filepath.Join(dir, "phases"), st)
	reg := registry.New(filepath.Join(dir, "registry.json"), st)
	retryCtl := retry.New(filepath.Join(dir, "retry.json"), st)
	led := ledger.New(filepath.Join(dir, "work"), st)
	esc := escalation.New(filepath.Join(dir, "escalations.json"), st)
	resolvers := conflict.New(filepath.Join(dir, "resolvers"), st, gateway.New(gateway.Config{BaseURL: gwURL}, nil))
	reviews := phase.NewReviewStore(filepath.Join(dir, "reviews"), st)
	gw := gateway.New(gateway.Config{BaseURL: gwURL}, nil)

	d := dispatch.New(dispatch.Config{
		Registry:     reg,
		RetryCtl:     retryCtl,
		Gateway:      gw,
		Ledger:       led,
		Worktrees:    &fakeWorktrees{},
		Roles:        core.RoleSet{"builder": {ID: "builder", Model: "m1"}},
		StaggerDelay: time.Millisecond,
	})
	merger := phase.NewMerger(phase.Config{
		Worktrees:   wt,
		Resolvers:   resolvers,
		Escalations: esc,
		Reviews:     reviews,
		Gateway:     gw,
	})
	advancer := watchdog.NewAdvancer(watchdog.AdvancerConfig{
		Runs:       runs,
		Collector:  collector,
		Dispatcher: d,
		Tasks: func(run *core.Run, ph *core.Phase) ([]*core.Task, error) {
			return nil, nil
		},
	})

	progress := &fakeProgress{dir: dir, docs: map[string]string{"proj-a": conflictProject}}

	o := New(Config{
		Runs:        runs,
		Collector:   collector,
		Merger:      merger,
		Reviews:     reviews,
		Dispatcher:  d,
		Advancer:    advancer,
		Registry:    reg,
		RetryCtl:    retryCtl,
		Ledger:      led,
		Escalations: esc,
		Resolvers:   resolvers,
		Worktrees:   wt,
		GitFactory:  func(dir string) (core.GitClient, error) { return &branchyGit{}, nil },
		Progress:    progress,
		Store:       st,
	})
	return o, runs, collector
}

// TestResolverCompleteResumesStalledMergeAfterConflict reproduces scenario
// S5: a phase's merge hits a conflict partway through, stalling the phase in
// "merging" with a resolver context awaiting a human/agent fix, and the
// resolver's own completion webhook (§4.N) must be the only thing that
// resumes the merge loop, finishes the remaining branches, and starts the
// review chain.
func TestResolverCompleteResumesStalledMergeAfterConflict(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	wt := &conflictWorktrees{conflictAt: 2}
	o, runs, _ := newConflictOrchestrator(t, srv.URL, wt)

	_, err := o.StartRun(context.Background(), "run-1", "proj-a")
	require.NoError(t, err)

	run, err := runs.Get("run-1")
	require.NoError(t, err)
	ph := run.CurrentPhasePtr()
	require.NotNil(t, ph)

	for _, taskID := range []core.TaskID{"t1", "t2", "t3"} {
		stepOrder := core.StepOrder(ph.Number, taskID)
		err := o.WorkerComplete(context.Background(), gateway.WorkerCompletePayload{
			RunID: run.RunID, StepOrder: stepOrder, Status: "completed", Output: "done",
		})
		require.NoError(t, err)
	}

	// The second merge call conflicted: the phase is stalled in "merging"
	// with exactly one active resolver context for the run.
	run, err = runs.Get("run-1")
	require.NoError(t, err)
	ph = run.CurrentPhasePtr()
	require.NotNil(t, ph)
	assert.Equal(t, core.PhaseStatusMerging, ph.Status)

	resolvers, err := o.resolvers.ByRun(run.RunID)
	require.NoError(t, err)
	require.Len(t, resolvers, 1)
	rc := resolvers[0]
	assert.Equal(t, core.ResolverStatusActive, rc.Status)
	require.NotEmpty(t, rc.RemainingBranches)

	err = o.ResolverComplete(context.Background(), gateway.ResolverCompletePayload{
		RunID: run.RunID, ResolverID: rc.ID, Status: "completed",
	})
	require.NoError(t, err)

	run, err = runs.Get("run-1")
	require.NoError(t, err)
	ph = run.CurrentPhasePtr()
	require.NotNil(t, ph)
	assert.Equal(t, core.PhaseStatusReviewing, ph.Status)

	reviewed, err := o.reviews.Get(run.RunID, ph.Number)
	require.NoError(t, err)
	assert.Equal(t, "reviewer", reviewed.CurrentReviewer())

	completedRC, err := o.resolvers.Get(run.RunID, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ResolverStatusCompleted, completedRC.Status)

	// A replayed webhook for the now-terminal resolver context is a no-op,
	// not a second merge/review-chain start.
	require.NoError(t, o.ResolverComplete(context.Background(), gateway.ResolverCompletePayload{
		RunID: run.RunID, ResolverID: rc.ID, Status: "completed",
	}))
}

func TestSpecCompleteIsANoOp(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	o, _, _ := newTestOrchestrator(t, srv.URL)

	err := o.SpecComplete(context.Background(), gateway.SpecCompletePayload{Project: "proj-a", Source: "interview"})
	require.NoError(t, err)
}
