package git_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swarmops/swarmops/internal/adapters/git"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/testutil"
)

type fakeRunLocator struct {
	runs map[core.RunID]*core.Run
}

func (f *fakeRunLocator) Get(id core.RunID) (*core.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, core.ErrNotFound("run", string(id))
	}
	return run, nil
}

func TestMultiRepoWorktrees_RoutesEachRunToItsOwnRepo(t *testing.T) {
	t.Parallel()
	repoA := testutil.NewGitRepo(t)
	repoA.WriteFile("README.md", "# A")
	repoA.Commit("init a")

	repoB := testutil.NewGitRepo(t)
	repoB.WriteFile("README.md", "# B")
	repoB.Commit("init b")

	locator := &fakeRunLocator{runs: map[core.RunID]*core.Run{
		"run-a": {RunID: "run-a", RepoPath: repoA.Path},
		"run-b": {RunID: "run-b", RepoPath: repoB.Path},
	}}

	worktreeRoot := t.TempDir()
	m := git.NewMultiRepoWorktrees(locator, worktreeRoot)

	infoA, err := m.CreateForWorker(context.Background(), "run-a", core.WorkerID("w1"), "main")
	testutil.AssertNoError(t, err)
	infoB, err := m.CreateForWorker(context.Background(), "run-b", core.WorkerID("w1"), "main")
	testutil.AssertNoError(t, err)

	if infoA.Path == infoB.Path {
		t.Fatalf("expected distinct worktree paths per repo, got %q for both", infoA.Path)
	}
	if filepath.Dir(filepath.Dir(infoA.Path)) == filepath.Dir(filepath.Dir(infoB.Path)) {
		t.Fatalf("expected each repo's worktrees under its own sanitized subdirectory")
	}
}

func TestMultiRepoWorktrees_UnknownRunIsNotFound(t *testing.T) {
	t.Parallel()
	locator := &fakeRunLocator{runs: map[core.RunID]*core.Run{}}
	m := git.NewMultiRepoWorktrees(locator, t.TempDir())

	_, err := m.CreateForWorker(context.Background(), "missing", core.WorkerID("w1"), "master")
	if err == nil {
		t.Fatal("expected error for unknown run id")
	}
}

func TestMultiRepoWorktrees_MergeBranchResolvesByTargetPath(t *testing.T) {
	t.Parallel()
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "# A")
	repo.Commit("init")
	repo.CreateBranch("feature/x")

	locator := &fakeRunLocator{runs: map[core.RunID]*core.Run{}}
	m := git.NewMultiRepoWorktrees(locator, t.TempDir())

	_, err := m.MergeBranch(context.Background(), repo.Path, "feature/x", core.MergeOptions{})
	testutil.AssertNoError(t, err)
}
