package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/phase"
)

func TestCheckDispatchRecoveryRedispatchesWhenAllWorkersDone(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	runs, collector, d, esc := testDeps(t, srv.URL)

	p1 := core.NewPhase(1, "build", []core.TaskID{"t1", "t2"})
	p1.Status = core.PhaseStatusRunning
	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", []*core.Phase{p1})
	require.NoError(t, runs.Create(run))
	_, err := collector.InitPhase(phase.InitParams{Run: run.RunID, PhaseNumber: 1, WorkerIDs: []core.WorkerID{"w1"}, TaskIDs: []core.TaskID{"t1"}})
	require.NoError(t, err)
	_, err = collector.OnWorkerComplete(run.RunID, 1, "w1", core.WorkerStatusCompleted, "ok", "")
	require.NoError(t, err)

	called := false
	tasks := func(r *core.Run, ph *core.Phase) ([]*core.Task, error) {
		called = true
		return []*core.Task{{ID: "t2", Title: "do b", RoleID: "builder"}}, nil
	}

	p := NewPoller(PollerConfig{Runs: runs, Collector: collector, Dispatcher: d, Escalations: esc, Tasks: tasks, BuildCooldown: time.Hour})
	require.NoError(t, p.Tick(context.Background()))
	assert.True(t, called)

	// Second tick within the cooldown window must not re-dispatch again.
	called = false
	require.NoError(t, p.Tick(context.Background()))
	assert.False(t, called)
}

func TestCheckDispatchRecoverySkipsWhileWorkersRunning(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	runs, collector, d, esc := testDeps(t, srv.URL)

	p1 := core.NewPhase(1, "build", []core.TaskID{"t1"})
	p1.Status = core.PhaseStatusRunning
	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", []*core.Phase{p1})
	require.NoError(t, runs.Create(run))
	_, err := collector.InitPhase(phase.InitParams{Run: run.RunID, PhaseNumber: 1, WorkerIDs: []core.WorkerID{"w1"}, TaskIDs: []core.TaskID{"t1"}})
	require.NoError(t, err)

	called := false
	tasks := func(r *core.Run, ph *core.Phase) ([]*core.Task, error) {
		called = true
		return nil, nil
	}

	p := NewPoller(PollerConfig{Runs: runs, Collector: collector, Dispatcher: d, Escalations: esc, Tasks: tasks})
	require.NoError(t, p.Tick(context.Background()))
	assert.False(t, called)
}

func TestCheckStalenessForceContinuesThenEscalates(t *testing.T) {
	srv := spawnOKServer(t)
	defer srv.Close()
	runs, collector, d, esc := testDeps(t, srv.URL)

	p1 := core.NewPhase(1, "build", []core.TaskID{"t1"})
	p1.Status = core.PhaseStatusRunning
	run := core.NewRunFromBranch("r1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", []*core.Phase{p1})

	realNow := core.Now
	defer func() { core.Now = realNow }()
	base := realNow()
	core.Now = func() time.Time { return base }
	require.NoError(t, runs.Create(run))
	_, err := collector.InitPhase(phase.InitParams{Run: run.RunID, PhaseNumber: 1, WorkerIDs: []core.WorkerID{"w1"}, TaskIDs: []core.TaskID{"t1"}})
	require.NoError(t, err)
	_, err = collector.OnWorkerComplete(run.RunID, 1, "w1", core.WorkerStatusCompleted, "ok", "")
	require.NoError(t, err)

	// Each stale tick force-continues (which touches the heartbeat), so the
	// next stall must be simulated by advancing the clock again past the
	// threshold before the next tick.
	noTasks := func(r *core.Run, ph *core.Phase) ([]*core.Task, error) { return nil, nil }

	p := NewPoller(PollerConfig{
		Runs: runs, Collector: collector, Dispatcher: d, Escalations: esc, Tasks: noTasks,
		StaleThreshold: time.Minute, MaxWatchdogRetries: 2, BuildCooldown: time.Nanosecond,
	})

	elapsed := base
	for i := 0; i < 2; i++ {
		elapsed = elapsed.Add(time.Hour)
		core.Now = func() time.Time { return elapsed }
		require.NoError(t, p.Tick(context.Background()))
		escs, err := esc.ByRun(run.RunID)
		require.NoError(t, err)
		assert.Empty(t, escs)
	}

	// Third stale tick exceeds MaxWatchdogRetries=2 and escalates.
	elapsed = elapsed.Add(time.Hour)
	core.Now = func() time.Time { return elapsed }
	require.NoError(t, p.Tick(context.Background()))
	escs, err := esc.ByRun(run.RunID)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, core.SeverityHigh, escs[0].Severity)
}
