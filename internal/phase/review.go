package phase

import (
	"errors"
	"path/filepath"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

// ReviewStore persists one core.ReviewCycle per (run, phaseNumber) under a
// reviews directory, per §4.K / §6's data/reviews/<runId>-phase-<N>.json
// layout.
type ReviewStore struct {
	dir string
	st  *store.Store
}

// NewReviewStore constructs a ReviewStore rooted at dir (e.g. data/reviews).
func NewReviewStore(dir string, st *store.Store) *ReviewStore {
	return &ReviewStore{dir: dir, st: st}
}

func (s *ReviewStore) path(runID core.RunID, phaseNumber int) string {
	return filepath.Join(s.dir, stateKey(runID, phaseNumber)+".json")
}

// StartOrGet returns the existing cycle for (runId, phaseNumber), or creates
// a pending one over the given reviewer chain.
func (s *ReviewStore) StartOrGet(runID core.RunID, phaseNumber int, chain []string) (*core.ReviewCycle, error) {
	rc, err := s.Get(runID, phaseNumber)
	if err == nil {
		return rc, nil
	}
	if !core.IsCategory(err, core.ErrCatNotFound) {
		return nil, err
	}
	rc = core.NewReviewCycle(runID, phaseNumber, chain)
	if err := s.st.WriteJSONAtomic(s.path(runID, phaseNumber), rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// Get loads the cycle for (runId, phaseNumber).
func (s *ReviewStore) Get(runID core.RunID, phaseNumber int) (*core.ReviewCycle, error) {
	var rc core.ReviewCycle
	if err := store.ReadJSON(s.path(runID, phaseNumber), &rc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, core.ErrNotFound("review cycle", stateKey(runID, phaseNumber))
		}
		return nil, core.ErrTransientIO("reading review cycle: " + err.Error())
	}
	return &rc, nil
}

// Save persists the cycle's current state.
func (s *ReviewStore) Save(rc *core.ReviewCycle) error {
	return s.st.WriteJSONAtomic(s.path(rc.RunID, rc.PhaseNumber), rc)
}
