// Package conflict implements the Conflict Resolver (§4.N): it records the
// merge-conflict context, spawns a specialized resolver agent, and tracks
// resolution so the Phase Merger's merge loop can resume where it stopped.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/store"
)

// Store persists ResolverContexts per-run under a resolvers directory,
// indexed by runId so a resolver webhook can find the right context even
// if several resolvers have been spawned for the same run.
type Store struct {
	dir string
	st  *store.Store
	gw  *gateway.Client
}

// New constructs a Store rooted at dir (e.g. data/conflict-resolvers).
func New(dir string, st *store.Store, gw *gateway.Client) *Store {
	return &Store{dir: dir, st: st, gw: gw}
}

func (s *Store) path(runID core.RunID, id string) string {
	return filepath.Join(s.dir, string(runID)+"-"+id+".json")
}

// TaskDescription pairs a task id with its title, for the resolver prompt.
type TaskDescription struct {
	TaskID core.TaskID
	Title  string
}

// CreateParams are the caller-supplied fields for Create.
type CreateParams struct {
	RunID             core.RunID
	PhaseNumber       int
	PhaseBranch       string
	SourceBranch      string
	ConflictFiles     []string
	RemainingBranches []string
	RepoDir           string
	WebhookURL        string
	CollidingTasks    []TaskDescription
}

// Create persists an active ResolverContext and spawns the resolver agent.
func (s *Store) Create(ctx context.Context, p CreateParams) (*core.ResolverContext, error) {
	id := uuid.New().String()
	rc := core.NewResolverContext(id, p.RunID, p.PhaseNumber, p.PhaseBranch, p.SourceBranch, p.ConflictFiles, p.RemainingBranches, p.RepoDir)

	if s.gw != nil {
		resp, err := s.gw.Spawn(ctx, gateway.SpawnRequest{
			Task:         s.buildPrompt(p),
			Label:        "conflict-resolver-" + id,
			Model:        "",
			Cleanup:      true,
			WebhookURL:   p.WebhookURL,
			WorktreePath: p.RepoDir,
			Branch:       p.PhaseBranch,
		})
		if err != nil {
			rc.Status = core.ResolverStatusFailed
			if writeErr := s.st.WriteJSONAtomic(s.path(p.RunID, id), rc); writeErr != nil {
				return nil, writeErr
			}
			return rc, err
		}
		rc.SessionKey = resp.ChildSessionKey
	}

	if err := s.st.WriteJSONAtomic(s.path(p.RunID, id), rc); err != nil {
		return nil, err
	}
	return rc, nil
}

func (s *Store) buildPrompt(p CreateParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve the merge conflict between the phase branch %q and %q.\n", p.PhaseBranch, p.SourceBranch)
	b.WriteString("Conflicting files:\n")
	for _, f := range p.ConflictFiles {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	if len(p.CollidingTasks) > 0 {
		b.WriteString("Tasks whose branches collided:\n")
		for _, t := range p.CollidingTasks {
			fmt.Fprintf(&b, "  - %s: %s\n", t.TaskID, t.Title)
		}
	}
	b.WriteString("Resolve the conflict and commit the result on the phase branch.")
	return b.String()
}

// Get loads a resolver context by (runId, id).
func (s *Store) Get(runID core.RunID, id string) (*core.ResolverContext, error) {
	var rc core.ResolverContext
	if err := store.ReadJSON(s.path(runID, id), &rc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, core.ErrNotFound("resolver context", id)
		}
		return nil, core.ErrTransientIO("reading resolver context: " + err.Error())
	}
	return &rc, nil
}

// ByRun returns every resolver context recorded for a run, so a webhook that
// carries only a runId can still be matched against the active one.
func (s *Store) ByRun(runID core.RunID) ([]*core.ResolverContext, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrTransientIO("listing resolver contexts: " + err.Error())
	}
	prefix := string(runID) + "-"
	var out []*core.ResolverContext
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		var rc core.ResolverContext
		if err := store.ReadJSON(filepath.Join(s.dir, e.Name()), &rc); err != nil {
			continue
		}
		out = append(out, &rc)
	}
	return out, nil
}

// ActiveForRun returns the single active (non-terminal) resolver context for
// a run, if any.
func (s *Store) ActiveForRun(runID core.RunID) (*core.ResolverContext, error) {
	all, err := s.ByRun(runID)
	if err != nil {
		return nil, err
	}
	for _, rc := range all {
		if rc.Status == core.ResolverStatusActive {
			return rc, nil
		}
	}
	return nil, nil
}

// Complete marks a resolver context completed.
func (s *Store) Complete(runID core.RunID, id string) (*core.ResolverContext, error) {
	rc, err := s.Get(runID, id)
	if err != nil {
		return nil, err
	}
	rc.Status = core.ResolverStatusCompleted
	if err := s.st.WriteJSONAtomic(s.path(runID, id), rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// Fail marks a resolver context failed; the caller (Phase Merger) is
// responsible for creating the accompanying Escalation.
func (s *Store) Fail(runID core.RunID, id string) (*core.ResolverContext, error) {
	rc, err := s.Get(runID, id)
	if err != nil {
		return nil, err
	}
	rc.Status = core.ResolverStatusFailed
	if err := s.st.WriteJSONAtomic(s.path(runID, id), rc); err != nil {
		return nil, err
	}
	return rc, nil
}
