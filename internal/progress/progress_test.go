package progress

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/core"
)

const sampleDoc = `## Phase 1: Build

- [ ] Add widget @id(task-1) @role(builder)
- [ ] Review widget @id(task-2) @role(reviewer-correctness) @depends(task-1)
`

func writeProject(t *testing.T, root, project, body string) {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progress.md"), []byte(body), 0o644))
}

func TestLoadParsesProgressDocument(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "acme", sampleDoc)

	p := New(root)
	doc, path, err := p.Load("acme")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "acme", "progress.md"), path)
	require.Len(t, doc.Tasks, 2)
	assert.Contains(t, doc.Tasks, core.TaskID("task-1"))
	assert.Contains(t, doc.Tasks, core.TaskID("task-2"))
}

func TestLoadMissingProjectReturnsNotFound(t *testing.T) {
	root := t.TempDir()
	p := New(root)

	_, _, err := p.Load("ghost")
	require.Error(t, err)
	var de *core.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, core.ErrCatNotFound, de.Category)
}

func TestRepoPathIsProjectDirectory(t *testing.T) {
	root := t.TempDir()
	p := New(root)
	assert.Equal(t, filepath.Join(root, "acme"), p.RepoPath("acme"))
}

func TestTaskSourceFiltersToPhaseMembers(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "acme", sampleDoc)

	p := New(root)
	run := &core.Run{ProjectName: "acme"}
	ph := core.NewPhase(1, "Build", []core.TaskID{"task-2"})

	tasks, err := p.TaskSource(run, ph)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskID("task-2"), tasks[0].ID)
}
