package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/retry"
	"github.com/swarmops/swarmops/internal/store"
)

type fakeWorktrees struct {
	mu      sync.Mutex
	created int
}

func (f *fakeWorktrees) CreateForWorker(ctx context.Context, runID core.RunID, workerID core.WorkerID, baseRef string) (*core.WorktreeInfo, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return &core.WorktreeInfo{RunID: runID, Owner: string(workerID), Path: "/tmp/" + string(workerID), Branch: core.WorkerBranchName(runID, workerID)}, nil
}
func (f *fakeWorktrees) CreateForPhase(ctx context.Context, runID core.RunID, phaseNumber int, baseRef string) (*core.WorktreeInfo, error) {
	return &core.WorktreeInfo{RunID: runID, Branch: core.PhaseBranchName(runID, phaseNumber)}, nil
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

// failingWorktrees always fails worktree creation, exercising the §4.G
// fallback-to-shared-repo-dir path.
type failingWorktrees struct{ fakeWorktrees }

func (f *failingWorktrees) CreateForWorker(ctx context.Context, runID core.RunID, workerID core.WorkerID, baseRef string) (*core.WorktreeInfo, error) {
	return nil, fmt.Errorf("no space left on device")
}

func newTestDispatcher(t *testing.T, gwURL string) (*Dispatcher, *fakeWorktrees) {
	dir := t.TempDir()
	st := store.New()
	wt := &fakeWorktrees{}
	d := New(Config{
		Registry:     registry.New(filepath.Join(dir, "registry.json"), st),
		RetryCtl:     retry.New(filepath.Join(dir, "retry.json"), st),
		Gateway:      gateway.New(gateway.Config{BaseURL: gwURL}, nil),
		Ledger:       ledger.New(filepath.Join(dir, "work"), st),
		Worktrees:    wt,
		Roles:        core.RoleSet{"builder": {ID: "builder", Model: "m1"}},
		StaggerDelay: time.Millisecond,
	})
	return d, wt
}

func TestDispatchSpawnsReadyTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SpawnResponse{OK: true, RunID: "r1", ChildSessionKey: "sess"})
	}))
	defer srv.Close()

	d, wt := newTestDispatcher(t, srv.URL)
	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	phase := core.NewPhase(1, "setup", []core.TaskID{"t1", "t2"})
	tasks := []*core.Task{
		{ID: "t1", Title: "do a", RoleID: "builder"},
		{ID: "t2", Title: "do b", RoleID: "builder"},
	}

	result, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.NoError(t, err)
	assert.Len(t, result.Spawned, 2)
	assert.Len(t, result.Skipped, 0)
	assert.Equal(t, 2, wt.created)
}

func TestDispatchSkipsAlreadyClaimedTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SpawnResponse{OK: true, RunID: "r1", ChildSessionKey: "sess"})
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL)
	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	phase := core.NewPhase(1, "setup", []core.TaskID{"t1"})
	tasks := []*core.Task{{ID: "t1", Title: "do a", RoleID: "builder"}}

	_, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.NoError(t, err)
	assert.Len(t, result.Spawned, 0)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, core.TaskID("t1"), result.Skipped[0].Task)
}

func TestDispatchSkipsExhaustedRetryTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SpawnResponse{OK: true})
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL)
	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	phase := core.NewPhase(1, "setup", []core.TaskID{"t1"})
	tasks := []*core.Task{{ID: "t1", Title: "do a", RoleID: "builder"}}

	key := core.RetryKey{RunID: run.RunID, StepOrder: core.StepOrder(phase.Number, "t1")}
	_, err := d.retryCtl.InitState(key, core.RetryPolicy{MaxAttempts: 1, BaseDelayMs: 1, MaxDelayMs: 1, BackoffMultiplier: 1})
	require.NoError(t, err)
	_, err = d.retryCtl.RecordAttempt(key, false, "boom", 1)
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.NoError(t, err)
	assert.Len(t, result.Spawned, 0)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "retry budget exhausted", result.Skipped[0].Reason)
}

func TestDispatchAbortsWaveWhenPreflightFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SpawnResponse{OK: true, RunID: "r1", ChildSessionKey: "sess"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := store.New()
	wt := &fakeWorktrees{}
	d := New(Config{
		Registry:     registry.New(filepath.Join(dir, "registry.json"), st),
		RetryCtl:     retry.New(filepath.Join(dir, "retry.json"), st),
		Gateway:      gateway.New(gateway.Config{BaseURL: srv.URL}, nil),
		Ledger:       ledger.New(filepath.Join(dir, "work"), st),
		Worktrees:    wt,
		Roles:        core.RoleSet{"builder": {ID: "builder", Model: "m1"}},
		StaggerDelay: time.Millisecond,
		Preflight:    func() error { return fmt.Errorf("disk full") },
	})

	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	phase := core.NewPhase(1, "setup", []core.TaskID{"t1"})
	tasks := []*core.Task{{ID: "t1", Title: "do a", RoleID: "builder"}}

	result, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "dispatch preflight")
	assert.Equal(t, 0, wt.created)
}

func TestDispatchSucceedsWithNilPreflight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SpawnResponse{OK: true, RunID: "r1", ChildSessionKey: "sess"})
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL)
	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	phase := core.NewPhase(1, "setup", []core.TaskID{"t1"})
	tasks := []*core.Task{{ID: "t1", Title: "do a", RoleID: "builder"}}

	result, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.NoError(t, err)
	assert.Len(t, result.Spawned, 1)
}

func TestSpawnOneFallsBackToSharedRepoDirOnWorktreeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SpawnResponse{OK: true, ChildSessionKey: "sess"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := store.New()
	d := New(Config{
		Registry:     registry.New(filepath.Join(dir, "registry.json"), st),
		RetryCtl:     retry.New(filepath.Join(dir, "retry.json"), st),
		Gateway:      gateway.New(gateway.Config{BaseURL: srv.URL}, nil),
		Ledger:       ledger.New(filepath.Join(dir, "work"), st),
		Worktrees:    &failingWorktrees{},
		Roles:        core.RoleSet{"builder": {ID: "builder", Model: "m1"}},
		StaggerDelay: time.Millisecond,
	})

	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	phase := core.NewPhase(1, "setup", []core.TaskID{"t1"})
	tasks := []*core.Task{{ID: "t1", Title: "do a", RoleID: "builder"}}

	result, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.NoError(t, err)
	require.Len(t, result.Spawned, 1)
	assert.Equal(t, run.RepoPath, result.Spawned[0].WorktreePath)
}

func TestDispatchEscalatesAfterSpawnRetryBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("gateway unavailable"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := store.New()
	escs := escalation.New(filepath.Join(dir, "escalations.json"), st)
	retryCtl := retry.New(filepath.Join(dir, "retry.json"), st)
	d := New(Config{
		Registry:     registry.New(filepath.Join(dir, "registry.json"), st),
		RetryCtl:     retryCtl,
		Gateway:      gateway.New(gateway.Config{BaseURL: srv.URL}, nil),
		Ledger:       ledger.New(filepath.Join(dir, "work"), st),
		Worktrees:    &fakeWorktrees{},
		Roles:        core.RoleSet{"builder": {ID: "builder", Model: "m1"}},
		Escalations:  escs,
		StaggerDelay: time.Millisecond,
	})

	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	phase := core.NewPhase(1, "setup", []core.TaskID{"t1"})
	tasks := []*core.Task{{ID: "t1", Title: "do a", RoleID: "builder"}}

	key := core.RetryKey{RunID: run.RunID, StepOrder: core.StepOrder(phase.Number, "t1")}
	_, err := retryCtl.InitState(key, core.RetryPolicy{MaxAttempts: 1, BaseDelayMs: 1, MaxDelayMs: 1, BackoffMultiplier: 1})
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.NoError(t, err)
	assert.Len(t, result.Spawned, 0)

	state, err := retryCtl.Get(key)
	require.NoError(t, err)
	assert.Equal(t, core.RetryStatusExhausted, state.Status)

	open, err := escs.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.TaskID("t1"), open[0].TaskID)
}

func TestDispatchSchedulesRedispatchOnTransientSpawnFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SpawnResponse{OK: true, ChildSessionKey: "sess"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	st := store.New()
	retryCtl := retry.New(filepath.Join(dir, "retry.json"), st)
	d := New(Config{
		Registry:     registry.New(filepath.Join(dir, "registry.json"), st),
		RetryCtl:     retryCtl,
		Gateway:      gateway.New(gateway.Config{BaseURL: srv.URL}, nil),
		Ledger:       ledger.New(filepath.Join(dir, "work"), st),
		Worktrees:    &fakeWorktrees{},
		Roles:        core.RoleSet{"builder": {ID: "builder", Model: "m1"}},
		StaggerDelay: time.Millisecond,
	})

	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	phase := core.NewPhase(1, "setup", []core.TaskID{"t1"})
	tasks := []*core.Task{{ID: "t1", Title: "do a", RoleID: "builder"}}

	key := core.RetryKey{RunID: run.RunID, StepOrder: core.StepOrder(phase.Number, "t1")}
	_, err := retryCtl.InitState(key, core.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 1, MaxDelayMs: 5, BackoffMultiplier: 1})
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), run, phase, tasks)
	require.NoError(t, err)
	assert.Len(t, result.Spawned, 0)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, 5*time.Millisecond, "scheduled redispatch never re-invoked the gateway")

	state, err := retryCtl.Get(key)
	require.NoError(t, err)
	assert.Equal(t, core.RetryStatusSucceeded, state.Status)
}
