package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
)

// resolvePath resolves symlinks and returns an absolute path.
// This is needed for cross-platform path comparison (e.g., macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

const (
	worktreeNameSeparator = "__"
)

func validateWorktreeName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return core.ErrValidation("WORKTREE_NAME_REQUIRED", "worktree name required")
	}
	if strings.Contains(trimmed, "..") || strings.ContainsAny(trimmed, "/\\") {
		return core.ErrValidation("WORKTREE_NAME_INVALID", "worktree name contains invalid path characters")
	}
	return nil
}

func validateWorktreeBranch(branch string) error {
	trimmed := strings.TrimSpace(branch)
	if trimmed == "" {
		return core.ErrValidation("WORKTREE_BRANCH_REQUIRED", "worktree branch required")
	}
	if strings.Contains(trimmed, " ") || strings.Contains(trimmed, "..") {
		return core.ErrValidation("WORKTREE_BRANCH_INVALID", "worktree branch contains invalid characters")
	}
	return nil
}

// WorktreeManager manages git worktrees rooted under a single base directory.
// It is name/branch based and has no knowledge of runs, workers, or phases;
// RunWorktreeManager layers that domain mapping on top.
type WorktreeManager struct {
	git     *Client
	baseDir string
	prefix  string
}

// NewWorktreeManager creates a new worktree manager.
func NewWorktreeManager(git *Client, baseDir string) *WorktreeManager {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), ".worktrees")
	}

	return &WorktreeManager{
		git:     git,
		baseDir: baseDir,
		prefix:  "swarmops-",
	}
}

// Worktree represents a git worktree.
type Worktree struct {
	Path      string
	Branch    string
	Commit    string
	Detached  bool
	Locked    bool
	Prunable  bool
	CreatedAt time.Time
}

// CreateFromBranch creates a new worktree for a branch, optionally from a base branch.
// If baseBranch is empty and the branch doesn't exist, it will be created from HEAD.
// If baseBranch is specified and the branch doesn't exist, it will be created from baseBranch.
func (m *WorktreeManager) CreateFromBranch(ctx context.Context, name, branch, baseBranch string) (*Worktree, error) {
	if err := validateWorktreeName(name); err != nil {
		return nil, err
	}
	if err := validateWorktreeBranch(branch); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating worktree directory: %w", err)
	}

	worktreePath := filepath.Join(m.baseDir, m.prefix+name)

	if _, err := os.Stat(worktreePath); err == nil {
		// Idempotent: caller asked to create a worktree that already exists.
		if existing, gerr := m.Get(ctx, name); gerr == nil {
			return existing, nil
		}
		return nil, core.ErrValidation("WORKTREE_EXISTS", fmt.Sprintf("worktree %s already exists", name))
	}

	branches, err := m.git.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}

	branchExists := false
	for _, b := range branches {
		if b == branch {
			branchExists = true
			break
		}
	}

	var args []string
	if branchExists {
		args = []string{"worktree", "add", worktreePath, branch}
	} else if baseBranch != "" {
		args = []string{"worktree", "add", "-b", branch, worktreePath, baseBranch}
	} else {
		args = []string{"worktree", "add", "-b", branch, worktreePath}
	}

	if _, err := m.git.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	worktrees, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	resolvedPath := resolvePath(worktreePath)
	for _, wt := range worktrees {
		if resolvePath(wt.Path) == resolvedPath {
			wt.CreatedAt = time.Now()
			return &wt, nil
		}
	}

	return &Worktree{Path: worktreePath, Branch: branch, CreatedAt: time.Now()}, nil
}

// Remove removes a worktree.
func (m *WorktreeManager) Remove(ctx context.Context, path string, force bool) error {
	resolvedPath := resolvePath(path)
	resolvedBase := resolvePath(m.baseDir)
	if !strings.HasPrefix(resolvedPath, resolvedBase) {
		return core.ErrValidation("INVALID_WORKTREE", "worktree is not managed by this manager")
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	_, err := m.git.run(ctx, args...)
	return err
}

// List returns all worktrees known to the underlying repository.
func (m *WorktreeManager) List(ctx context.Context) ([]Worktree, error) {
	output, err := m.git.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return m.parseWorktreeList(output), nil
}

func (m *WorktreeManager) parseWorktreeList(output string) []Worktree {
	worktrees := make([]Worktree, 0)
	var current *Worktree

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current != nil:
			switch {
			case strings.HasPrefix(line, "HEAD "):
				current.Commit = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			case line == "detached":
				current.Detached = true
			case line == "locked":
				current.Locked = true
			case line == "prunable":
				current.Prunable = true
			}
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}

	return worktrees
}

// ListManaged returns only worktrees created by this manager.
func (m *WorktreeManager) ListManaged(ctx context.Context) ([]Worktree, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	resolvedBase := resolvePath(m.baseDir)
	managed := make([]Worktree, 0)
	for _, wt := range all {
		if strings.HasPrefix(resolvePath(wt.Path), resolvedBase) {
			managed = append(managed, wt)
		}
	}
	return managed, nil
}

// Get returns a specific worktree by its logical name.
func (m *WorktreeManager) Get(ctx context.Context, name string) (*Worktree, error) {
	path := filepath.Join(m.baseDir, m.prefix+name)

	worktrees, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	resolvedPath := resolvePath(path)
	for _, wt := range worktrees {
		if resolvePath(wt.Path) == resolvedPath {
			return &wt, nil
		}
	}

	return nil, core.ErrNotFound("worktree", name)
}

// Prune removes stale worktree entries.
func (m *WorktreeManager) Prune(ctx context.Context, dryRun bool) ([]string, error) {
	args := []string{"worktree", "prune"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, "--verbose")

	output, err := m.git.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	pruned := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "Removing") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				pruned = append(pruned, parts[1])
			}
		}
	}

	return pruned, nil
}

// CleanupStale removes all stale worktrees created by this manager, matched
// by name prefix, that are older than maxAge.
func (m *WorktreeManager) CleanupStale(ctx context.Context, namePrefix string, maxAge time.Duration) (int, error) {
	managed, err := m.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	now := time.Now()

	for _, wt := range managed {
		base := filepath.Base(wt.Path)
		name := strings.TrimPrefix(base, m.prefix)
		if namePrefix != "" && !strings.HasPrefix(name, namePrefix) {
			continue
		}

		info, err := os.Stat(wt.Path)
		if os.IsNotExist(err) {
			continue
		}

		if info != nil && maxAge > 0 {
			age := now.Sub(info.ModTime())
			if age < maxAge {
				continue
			}
		}

		if wt.Prunable || (maxAge > 0 && info != nil) {
			if err := m.Remove(ctx, wt.Path, true); err == nil {
				cleaned++
			}
		}
	}

	_, _ = m.Prune(ctx, false)

	return cleaned, nil
}

// BaseDir returns the base directory for worktrees.
func (m *WorktreeManager) BaseDir() string {
	return m.baseDir
}

// =============================================================================
// RunWorktreeManager - implements core.WorktreeManager for pipeline runs
// =============================================================================

const staleWorktreeRetention = 24 * time.Hour

// RunWorktreeManager maps the Worktree Manager's run/worker/phase domain
// (§4.G) onto the low-level, name-based WorktreeManager: every worker branch
// and every phase-merge branch gets its own worktree, named
// "<runId>__<owner>", under one base directory per repository.
type RunWorktreeManager struct {
	manager *WorktreeManager
	logger  *logging.Logger
}

var _ core.WorktreeManager = (*RunWorktreeManager)(nil)

// NewRunWorktreeManager creates a run-aware worktree manager rooted at baseDir.
func NewRunWorktreeManager(git *Client, baseDir string) *RunWorktreeManager {
	return &RunWorktreeManager{
		manager: NewWorktreeManager(git, baseDir),
		logger:  logging.NewNop(),
	}
}

func runWorktreeName(runID core.RunID, owner string) string {
	return string(runID) + worktreeNameSeparator + owner
}

func workerOwner(workerID core.WorkerID) string {
	return "worker-" + string(workerID)
}

func phaseOwner(phaseNumber int) string {
	return fmt.Sprintf("phase-%d", phaseNumber)
}

func (m *RunWorktreeManager) createFor(ctx context.Context, runID core.RunID, owner, branch, baseRef string) (*core.WorktreeInfo, error) {
	name := runWorktreeName(runID, owner)
	wt, err := m.manager.CreateFromBranch(ctx, name, branch, baseRef)
	if err != nil {
		return nil, err
	}
	return &core.WorktreeInfo{
		RunID:     runID,
		Owner:     owner,
		Path:      wt.Path,
		Branch:    wt.Branch,
		BaseRef:   baseRef,
		CreatedAt: wt.CreatedAt,
		Status:    core.WorktreeStatusActive,
	}, nil
}

// CreateForWorker implements core.WorktreeManager.
func (m *RunWorktreeManager) CreateForWorker(ctx context.Context, runID core.RunID, workerID core.WorkerID, baseRef string) (*core.WorktreeInfo, error) {
	branch := core.WorkerBranchName(runID, workerID)
	return m.createFor(ctx, runID, workerOwner(workerID), branch, baseRef)
}

// CreateForPhase implements core.WorktreeManager.
func (m *RunWorktreeManager) CreateForPhase(ctx context.Context, runID core.RunID, phaseNumber int, baseRef string) (*core.WorktreeInfo, error) {
	branch := core.PhaseBranchName(runID, phaseNumber)
	return m.createFor(ctx, runID, phaseOwner(phaseNumber), branch, baseRef)
}

// Remove implements core.WorktreeManager.
func (m *RunWorktreeManager) Remove(ctx context.Context, runID core.RunID, owner string, removeBranch bool) error {
	name := runWorktreeName(runID, owner)
	wt, err := m.manager.Get(ctx, name)
	if err != nil {
		if de, ok := err.(*core.DomainError); ok && de.Category == core.ErrCatNotFound {
			return nil
		}
		return err
	}
	if err := m.manager.Remove(ctx, wt.Path, true); err != nil {
		return err
	}
	if removeBranch {
		if err := m.manager.git.DeleteBranch(ctx, wt.Branch); err != nil {
			m.logger.Warn("failed to delete worktree branch", "branch", wt.Branch, "error", err)
		}
	}
	return nil
}

// MergeBranch implements core.WorktreeManager. It merges sourceBranch into
// the checkout at targetPath and reports conflicts rather than erroring.
func (m *RunWorktreeManager) MergeBranch(ctx context.Context, targetPath, sourceBranch string, opts core.MergeOptions) (*core.MergeResult, error) {
	client, err := NewClient(targetPath)
	if err != nil {
		return nil, fmt.Errorf("opening worktree client: %w", err)
	}

	if err := client.Merge(ctx, sourceBranch, opts); err != nil {
		if isMergeConflict(err) {
			files, ferr := client.GetConflictFiles(ctx)
			if ferr != nil {
				files = nil
			}
			return &core.MergeResult{Success: false, Conflicted: true, ConflictFiles: files}, nil
		}
		return nil, err
	}

	return &core.MergeResult{Success: true}, nil
}

func isMergeConflict(err error) bool {
	return err == ErrMergeConflict || strings.Contains(err.Error(), "merge conflict")
}

// ListRunWorktrees implements core.WorktreeManager.
func (m *RunWorktreeManager) ListRunWorktrees(ctx context.Context, runID core.RunID) ([]*core.WorktreeInfo, error) {
	managed, err := m.manager.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	prefix := string(runID) + worktreeNameSeparator
	out := make([]*core.WorktreeInfo, 0, len(managed))
	for _, wt := range managed {
		name := strings.TrimPrefix(filepath.Base(wt.Path), m.manager.prefix)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		owner := strings.TrimPrefix(name, prefix)
		status := core.WorktreeStatusActive
		if wt.Prunable {
			status = core.WorktreeStatusStale
		}
		out = append(out, &core.WorktreeInfo{
			RunID:     runID,
			Owner:     owner,
			Path:      wt.Path,
			Branch:    wt.Branch,
			CreatedAt: wt.CreatedAt,
			Status:    status,
		})
	}
	return out, nil
}

// CleanupStale implements core.WorktreeManager.
func (m *RunWorktreeManager) CleanupStale(ctx context.Context, runID core.RunID) error {
	prefix := string(runID) + worktreeNameSeparator
	_, err := m.manager.CleanupStale(ctx, prefix, staleWorktreeRetention)
	return err
}
