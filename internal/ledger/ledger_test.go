package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "work"), store.New())
}

func TestCreateGetList(t *testing.T) {
	l := newTestLedger(t)
	item, err := l.Create(CreateInput{Type: "task", RoleID: "builder"})
	require.NoError(t, err)
	assert.Equal(t, core.WorkItemPending, item.Status)

	got := l.Get(item.ID)
	require.NotNil(t, got)
	assert.Equal(t, item.ID, got.ID)

	list := l.List(ListFilters{Type: "task"})
	assert.Len(t, list, 1)
}

func TestUpdateStatusGuardsTransitions(t *testing.T) {
	l := newTestLedger(t)
	item, _ := l.Create(CreateInput{Type: "task"})

	require.NoError(t, l.UpdateStatus(item.ID, core.WorkItemRunning, ""))
	got := l.Get(item.ID)
	assert.Equal(t, core.WorkItemRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	err := l.UpdateStatus(item.ID, core.WorkItemPending, "")
	assert.Error(t, err)

	require.NoError(t, l.UpdateStatus(item.ID, core.WorkItemComplete, ""))
	got = l.Get(item.ID)
	assert.Equal(t, core.WorkItemComplete, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestReplayReconstructsCacheExactly(t *testing.T) {
	dir := t.TempDir()
	st := store.New()
	ledgerDir := filepath.Join(dir, "work")

	l1 := New(ledgerDir, st)
	item, err := l1.Create(CreateInput{Type: "task", RoleID: "builder"})
	require.NoError(t, err)
	require.NoError(t, l1.AppendEvent(item.ID, core.WorkEvent{Name: "spawned"}))
	require.NoError(t, l1.UpdateStatus(item.ID, core.WorkItemRunning, ""))
	require.NoError(t, l1.SetOutput(item.ID, "done"))
	require.NoError(t, l1.UpdateStatus(item.ID, core.WorkItemComplete, ""))

	l2 := New(ledgerDir, store.New())
	require.NoError(t, l2.LoadAllShards())

	got1 := l1.Get(item.ID)
	got2 := l2.Get(item.ID)
	require.NotNil(t, got2)
	assert.Equal(t, got1.Status, got2.Status)
	assert.Equal(t, got1.Output, got2.Output)
	assert.Len(t, got2.Events, 1)
}

func TestIncrementIterationsAndCancel(t *testing.T) {
	l := newTestLedger(t)
	item, _ := l.Create(CreateInput{Type: "task"})

	require.NoError(t, l.IncrementIterations(item.ID))
	require.NoError(t, l.IncrementIterations(item.ID))
	assert.Equal(t, 2, l.Get(item.ID).Iterations)

	require.NoError(t, l.Cancel(item.ID, "operator abort"))
	got := l.Get(item.ID)
	assert.Equal(t, core.WorkItemCancelled, got.Status)
	assert.Equal(t, "operator abort", got.Error)
}
