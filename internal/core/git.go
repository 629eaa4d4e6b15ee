package core

import (
	"context"
	"time"
)

// GitClient defines the low-level git contract used by the Worktree Manager
// (§4.G). Implementations shell out to the git binary.
type GitClient interface {
	RepoRoot(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	DefaultBranch(ctx context.Context) (string, error)
	RemoteURL(ctx context.Context) (string, error)

	BranchExists(ctx context.Context, name string) (bool, error)
	CreateBranch(ctx context.Context, name, base string) error
	DeleteBranch(ctx context.Context, name string) error
	CheckoutBranch(ctx context.Context, name string) error

	CreateWorktree(ctx context.Context, path, branch string) error
	RemoveWorktree(ctx context.Context, path string) error
	ListWorktrees(ctx context.Context) ([]Worktree, error)

	Status(ctx context.Context) (*GitStatus, error)
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) (string, error)
	Push(ctx context.Context, remote, branch string) error

	Diff(ctx context.Context, base, head string) (string, error)
	DiffFiles(ctx context.Context, base, head string) ([]string, error)

	Merge(ctx context.Context, branch string, opts MergeOptions) error
	AbortMerge(ctx context.Context) error

	IsClean(ctx context.Context) (bool, error)
	Fetch(ctx context.Context, remote string) error
}

// MergeOptions configures a Merge call. Strategy follows git's -s values
// ("recursive", "ours", ...); StrategyOption maps to -X.
type MergeOptions struct {
	Strategy       string
	StrategyOption string
	NoCommit       bool
	NoFastForward  bool
	Squash         bool
	Message        string
}

// DefaultMergeOptions is used by the Phase Merger (§4.K) for ordinary
// worker-branch-into-phase-branch merges.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		Strategy:      "recursive",
		NoFastForward: false,
	}
}

// Worktree represents a single entry from `git worktree list`.
type Worktree struct {
	Path     string
	Branch   string
	Commit   string
	IsMain   bool
	IsLocked bool
}

// GitStatus represents the status of a git repository or worktree.
type GitStatus struct {
	Branch       string
	Ahead        int
	Behind       int
	Staged       []FileStatus
	Unstaged     []FileStatus
	Untracked    []string
	HasConflicts bool
}

// FileStatus represents a single file's git status (M, A, D, R, C, U).
type FileStatus struct {
	Path   string
	Status string
}

// WorktreeStatus is the lifecycle state of a managed worktree.
type WorktreeStatus string

const (
	WorktreeStatusActive  WorktreeStatus = "active"
	WorktreeStatusStale   WorktreeStatus = "stale"
	WorktreeStatusCleaned WorktreeStatus = "cleaned"
)

// WorktreeInfo describes a worktree the Worktree Manager created for a
// worker or a phase-merge branch.
type WorktreeInfo struct {
	RunID     RunID
	Owner     string // worker id or "phase-<N>"
	Path      string
	Branch    string
	BaseRef   string
	CreatedAt time.Time
	Status    WorktreeStatus
}

// MergeResult reports the outcome of merging a branch into another,
// per §4.G/§4.K's {success, conflicted, conflictFiles} contract.
type MergeResult struct {
	Success       bool
	Conflicted    bool
	ConflictFiles []string
}

// WorktreeManager provides the Worktree Manager's higher-level contract
// (§4.G): one worktree per worker branch, one per phase-merge branch, all
// rooted under a per-run directory.
type WorktreeManager interface {
	// CreateForWorker creates (or returns, idempotently) the worktree for a
	// worker's branch, branched from baseRef.
	CreateForWorker(ctx context.Context, runID RunID, workerID WorkerID, baseRef string) (*WorktreeInfo, error)

	// CreateForPhase creates (or returns, idempotently) the worktree for a
	// phase's merge branch, branched from baseRef.
	CreateForPhase(ctx context.Context, runID RunID, phaseNumber int, baseRef string) (*WorktreeInfo, error)

	// Remove deletes a worktree and, if removeBranch is set, its branch.
	Remove(ctx context.Context, runID RunID, owner string, removeBranch bool) error

	// MergeBranch merges sourceBranch into the worktree at targetPath,
	// reporting conflicts rather than returning an error for them.
	MergeBranch(ctx context.Context, targetPath, sourceBranch string, opts MergeOptions) (*MergeResult, error)

	// ListRunWorktrees returns every worktree tracked for a run.
	ListRunWorktrees(ctx context.Context, runID RunID) ([]*WorktreeInfo, error)

	// CleanupStale removes worktrees whose owners are terminal and older
	// than the manager's retention window.
	CleanupStale(ctx context.Context, runID RunID) error
}
