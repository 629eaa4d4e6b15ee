// Package runstate implements the Run State Manager (§4.M): one JSON file
// per run under a runs directory, plus a project -> active-run index so the
// Watcher and webhook handlers can find the run for a given project.
package runstate

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

// Manager owns the runs/ and project-runs/ directories.
type Manager struct {
	runsDir    string
	projectDir string
	st         *store.Store

	mu     sync.Mutex
	active map[core.RunID]*core.Run // crash-recovered + newly-created, process-local
}

// New constructs a Manager rooted at dataRoot (runs/ and project-runs/ are
// created under it on demand).
func New(dataRoot string, st *store.Store) *Manager {
	return &Manager{
		runsDir:    filepath.Join(dataRoot, "runs"),
		projectDir: filepath.Join(dataRoot, "project-runs"),
		st:         st,
		active:     make(map[core.RunID]*core.Run),
	}
}

func (m *Manager) runPath(id core.RunID) string {
	return filepath.Join(m.runsDir, string(id)+".json")
}

func (m *Manager) projectPath(project string) string {
	return filepath.Join(m.projectDir, sanitizeFilename(project)+".json")
}

func sanitizeFilename(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
}

// Create persists a new run and records it as the project's active run.
func (m *Manager) Create(run *core.Run) error {
	if err := m.st.WriteJSONAtomic(m.runPath(run.RunID), run); err != nil {
		return err
	}
	if err := m.st.WriteJSONAtomic(m.projectPath(run.ProjectName), projectIndex{RunID: run.RunID}); err != nil {
		return err
	}
	m.mu.Lock()
	m.active[run.RunID] = run
	m.mu.Unlock()
	return nil
}

// Save persists the run's current state, stamping its heartbeat.
func (m *Manager) Save(run *core.Run) error {
	run.Touch()
	if err := m.st.WriteJSONAtomic(m.runPath(run.RunID), run); err != nil {
		return err
	}
	m.mu.Lock()
	if run.Status.IsTerminal() {
		delete(m.active, run.RunID)
	} else {
		m.active[run.RunID] = run
	}
	m.mu.Unlock()
	return nil
}

// Get loads a run by id from disk.
func (m *Manager) Get(id core.RunID) (*core.Run, error) {
	var run core.Run
	if err := store.ReadJSON(m.runPath(id), &run); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, core.ErrNotFound("run", string(id))
		}
		return nil, core.ErrTransientIO("reading run state: " + err.Error())
	}
	return &run, nil
}

type projectIndex struct {
	RunID core.RunID `json:"runId"`
}

// ActiveRunForProject returns the run id of the project's active run, if
// any.
func (m *Manager) ActiveRunForProject(project string) (core.RunID, bool, error) {
	var idx projectIndex
	if err := store.ReadJSON(m.projectPath(project), &idx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, core.ErrTransientIO("reading project run index: " + err.Error())
	}
	return idx.RunID, idx.RunID != "", nil
}

// ClearProjectRun removes the project -> run mapping once a run terminates.
func (m *Manager) ClearProjectRun(project string) error {
	err := os.Remove(m.projectPath(project))
	if err != nil && !os.IsNotExist(err) {
		return core.ErrTransientIO("clearing project run index: " + err.Error())
	}
	return nil
}

// Active returns the process-local set of runs this Manager has created or
// recovered, keyed by id. It is a snapshot, safe for the caller to range
// over without holding the Manager's lock.
func (m *Manager) Active() []*core.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Run, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// RecoverActive implements §4.M crash recovery: it enumerates every run
// file and re-enters into the active-runs map those whose status is
// running, merging, or reviewing, so the Dispatcher/Advancer re-examine
// them on the next tick. Because every mutation is persisted before this
// runs, replay's worst case is a duplicate spawn attempt, which the Task
// Registry deduplicates (§8 property 3).
func (m *Manager) RecoverActive() ([]*core.Run, error) {
	entries, err := os.ReadDir(m.runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrTransientIO("listing runs directory: " + err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var recovered []*core.Run
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var run core.Run
		if err := store.ReadJSON(filepath.Join(m.runsDir, e.Name()), &run); err != nil {
			continue
		}
		switch run.Status {
		case core.RunStatusRunning, core.RunStatusMerging, core.RunStatusReviewing:
			r := run
			m.active[r.RunID] = &r
			recovered = append(recovered, &r)
		}
	}
	sort.Slice(recovered, func(i, j int) bool { return recovered[i].RunID < recovered[j].RunID })
	return recovered, nil
}
