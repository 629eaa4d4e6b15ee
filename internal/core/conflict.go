package core

// ResolverContextStatus tracks a Conflict Resolver session.
type ResolverContextStatus string

const (
	ResolverStatusActive    ResolverContextStatus = "active"
	ResolverStatusCompleted ResolverContextStatus = "completed"
	ResolverStatusFailed    ResolverContextStatus = "failed"
)

// ResolverContext is persisted per-run under a resolvers directory, indexed
// by runId so a resolver webhook can find it even if several resolvers have
// been spawned for the same run.
type ResolverContext struct {
	ID                string                `json:"id"`
	RunID             RunID                 `json:"runId"`
	PhaseNumber       int                   `json:"phaseNumber"`
	PhaseBranch       string                `json:"phaseBranch"`
	SourceBranch      string                `json:"sourceBranch"`
	ConflictFiles     []string              `json:"conflictFiles"`
	RemainingBranches []string              `json:"remainingBranches"`
	RepoDir           string                `json:"repoDir"`
	Status            ResolverContextStatus `json:"status"`
	SessionKey        string                `json:"sessionKey,omitempty"`
}

// NewResolverContext constructs an active resolver context.
func NewResolverContext(id string, runID RunID, phaseNumber int, phaseBranch, sourceBranch string, conflictFiles, remaining []string, repoDir string) *ResolverContext {
	return &ResolverContext{
		ID:                id,
		RunID:             runID,
		PhaseNumber:       phaseNumber,
		PhaseBranch:       phaseBranch,
		SourceBranch:      sourceBranch,
		ConflictFiles:     conflictFiles,
		RemainingBranches: remaining,
		RepoDir:           repoDir,
		Status:            ResolverStatusActive,
	}
}
