package git

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/swarmops/swarmops/internal/core"
)

// RunLocator resolves a run id to the repository path its worktrees live
// under. It is satisfied by *runstate.Manager; kept as a narrow interface
// here to avoid an import cycle.
type RunLocator interface {
	Get(id core.RunID) (*core.Run, error)
}

// MultiRepoWorktrees implements core.WorktreeManager over many repositories,
// one RunWorktreeManager per distinct repo path, keyed lazily on first use.
// core.WorktreeManager's methods carry a RunID but no repo path, so every
// call resolves the owning repo through RunLocator before delegating.
type MultiRepoWorktrees struct {
	runs        RunLocator
	worktreeRoot string

	mu       sync.Mutex
	byRepo   map[string]*RunWorktreeManager
}

var _ core.WorktreeManager = (*MultiRepoWorktrees)(nil)

// NewMultiRepoWorktrees constructs a MultiRepoWorktrees. Each repo's
// worktrees are rooted under worktreeRoot/<sanitized-repo-name>.
func NewMultiRepoWorktrees(runs RunLocator, worktreeRoot string) *MultiRepoWorktrees {
	return &MultiRepoWorktrees{
		runs:         runs,
		worktreeRoot: worktreeRoot,
		byRepo:       make(map[string]*RunWorktreeManager),
	}
}

func sanitizeRepoName(repoPath string) string {
	name := filepath.Base(repoPath)
	if name == "" || name == "." || name == "/" {
		name = "repo"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '-'
		}
		return r
	}, name)
}

func (m *MultiRepoWorktrees) forRepo(repoPath string) (*RunWorktreeManager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byRepo[repoPath]; ok {
		return existing, nil
	}
	client, err := NewClient(repoPath)
	if err != nil {
		return nil, err
	}
	base := filepath.Join(m.worktreeRoot, sanitizeRepoName(repoPath))
	rwm := NewRunWorktreeManager(client, base)
	m.byRepo[repoPath] = rwm
	return rwm, nil
}

func (m *MultiRepoWorktrees) forRun(runID core.RunID) (*RunWorktreeManager, error) {
	run, err := m.runs.Get(runID)
	if err != nil {
		return nil, err
	}
	return m.forRepo(run.RepoPath)
}

// CreateForWorker implements core.WorktreeManager.
func (m *MultiRepoWorktrees) CreateForWorker(ctx context.Context, runID core.RunID, workerID core.WorkerID, baseRef string) (*core.WorktreeInfo, error) {
	rwm, err := m.forRun(runID)
	if err != nil {
		return nil, err
	}
	return rwm.CreateForWorker(ctx, runID, workerID, baseRef)
}

// CreateForPhase implements core.WorktreeManager.
func (m *MultiRepoWorktrees) CreateForPhase(ctx context.Context, runID core.RunID, phaseNumber int, baseRef string) (*core.WorktreeInfo, error) {
	rwm, err := m.forRun(runID)
	if err != nil {
		return nil, err
	}
	return rwm.CreateForPhase(ctx, runID, phaseNumber, baseRef)
}

// Remove implements core.WorktreeManager.
func (m *MultiRepoWorktrees) Remove(ctx context.Context, runID core.RunID, owner string, removeBranch bool) error {
	rwm, err := m.forRun(runID)
	if err != nil {
		return err
	}
	return rwm.Remove(ctx, runID, owner, removeBranch)
}

// MergeBranch implements core.WorktreeManager. The underlying
// RunWorktreeManager.MergeBranch opens its own git client against
// targetPath, so it needs no repo resolution; any cached manager serves.
func (m *MultiRepoWorktrees) MergeBranch(ctx context.Context, targetPath, sourceBranch string, opts core.MergeOptions) (*core.MergeResult, error) {
	rwm, err := m.forRepo(targetPath)
	if err != nil {
		return nil, err
	}
	return rwm.MergeBranch(ctx, targetPath, sourceBranch, opts)
}

// ListRunWorktrees implements core.WorktreeManager.
func (m *MultiRepoWorktrees) ListRunWorktrees(ctx context.Context, runID core.RunID) ([]*core.WorktreeInfo, error) {
	rwm, err := m.forRun(runID)
	if err != nil {
		return nil, err
	}
	return rwm.ListRunWorktrees(ctx, runID)
}

// CleanupStale implements core.WorktreeManager.
func (m *MultiRepoWorktrees) CleanupStale(ctx context.Context, runID core.RunID) error {
	rwm, err := m.forRun(runID)
	if err != nil {
		return err
	}
	return rwm.CleanupStale(ctx, runID)
}
