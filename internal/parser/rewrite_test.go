package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

func writeDoc(t *testing.T, dir, text string) string {
	t.Helper()
	path := filepath.Join(dir, "progress.md")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestMarkTaskDoneFlipsOnlyMatchingBox(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, sampleDoc)
	st := store.New()

	require.NoError(t, MarkTaskDone(st, path, "t2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	r, err := Parse(string(data))
	require.NoError(t, err)
	assert.True(t, r.Tasks["t1"].Done)
	assert.True(t, r.Tasks["t2"].Done)
	assert.False(t, r.Tasks["t3"].Done)
	assert.False(t, r.Tasks["t4"].Done)
}

func TestMarkTaskDonePreservesAnnotationsAndOtherLines(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, sampleDoc)
	st := store.New()

	require.NoError(t, MarkTaskDone(st, path, "t3"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "- [x] Implement API @id(t3) @depends(t2) @role(builder)")
	assert.Contains(t, string(data), "## Phase 2: Build")
	assert.Contains(t, string(data), "- [ ] Write docs @id(t4) @depends(t3) @role(writer)")
}

func TestMarkTaskDoneIsIdempotentOnReplay(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, sampleDoc)
	st := store.New()

	require.NoError(t, MarkTaskDone(st, path, "t1"))
	require.NoError(t, MarkTaskDone(st, path, "t1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	r, err := Parse(string(data))
	require.NoError(t, err)
	assert.True(t, r.Tasks["t1"].Done)
}

func TestMarkTaskDoneUnknownIDReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, sampleDoc)
	st := store.New()

	err := MarkTaskDone(st, path, "does-not-exist")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}
