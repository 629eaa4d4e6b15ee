// Package registry implements the Task Registry (§4.D): a single JSON file
// mapping (project, taskId) to dispatch state, used exclusively for
// deduplication across concurrent spawn attempts.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

// Entry is one (project, taskId) dedup record.
type Entry struct {
	Status      core.WorkerStatus `json:"status"`
	RunID       core.RunID        `json:"runId"`
	PhaseNumber int               `json:"phaseNumber"`
	WorkerID    core.WorkerID     `json:"workerId"`
	Branch      string            `json:"branch"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type key struct {
	Project string
	TaskID  core.TaskID
}

func (k key) String() string { return k.Project + ":" + string(k.TaskID) }

type fileDoc struct {
	Entries map[string]Entry `json:"entries"`
}

// Registry is the dedup index, backed by a single JSON file with a short
// in-memory TTL cache to reduce disk reads.
type Registry struct {
	path  string
	st    *store.Store
	mu    sync.Mutex
	cache fileDoc
	cacheAt time.Time
	ttl   time.Duration
}

// New constructs a Registry persisted at path.
func New(path string, st *store.Store) *Registry {
	return &Registry{path: path, st: st, ttl: 5 * time.Second}
}

func (r *Registry) refreshLocked() error {
	if time.Since(r.cacheAt) < r.ttl && r.cache.Entries != nil {
		return nil
	}
	var doc fileDoc
	if err := store.ReadJSON(r.path, &doc); err != nil {
		if err.Error() != store.ErrNotFound.Error() {
			return err
		}
		doc.Entries = make(map[string]Entry)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]Entry)
	}
	r.cache = doc
	r.cacheAt = time.Now()
	return nil
}

// CanSpawnResult is the outcome of a dedup check.
type CanSpawnResult struct {
	CanSpawn bool
	Reason   string
	Existing *Entry
}

// CanSpawn reports false iff an existing entry is running or completed.
func (r *Registry) CanSpawn(project string, taskID core.TaskID) (CanSpawnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return CanSpawnResult{}, err
	}
	k := key{project, taskID}.String()
	entry, ok := r.cache.Entries[k]
	if !ok {
		return CanSpawnResult{CanSpawn: true}, nil
	}
	if entry.Status == core.WorkerStatusRunning || entry.Status == core.WorkerStatusCompleted {
		e := entry
		return CanSpawnResult{CanSpawn: false, Reason: fmt.Sprintf("task already %s", entry.Status), Existing: &e}, nil
	}
	return CanSpawnResult{CanSpawn: true}, nil
}

// Register performs the CanSpawn + write under the same lock that guards the
// registry file, so concurrent racing registrations for the same
// (project, taskId) leave exactly one winner (§8 property 3).
func (r *Registry) Register(project string, taskID core.TaskID, runID core.RunID, phaseNumber int, workerID core.WorkerID, branch string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return false, err
	}
	k := key{project, taskID}.String()
	if existing, ok := r.cache.Entries[k]; ok {
		if existing.Status == core.WorkerStatusRunning || existing.Status == core.WorkerStatusCompleted {
			return false, nil
		}
	}
	r.cache.Entries[k] = Entry{
		Status:      core.WorkerStatusRunning,
		RunID:       runID,
		PhaseNumber: phaseNumber,
		WorkerID:    workerID,
		Branch:      branch,
		StartedAt:   time.Now(),
	}
	if err := r.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) persistLocked() error {
	r.cacheAt = time.Now()
	return r.st.WriteJSONAtomic(r.path, r.cache)
}

// UpdateStatus mutates an existing entry's status/error, stamping
// CompletedAt when the new status is terminal.
func (r *Registry) UpdateStatus(project string, taskID core.TaskID, status core.WorkerStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return err
	}
	k := key{project, taskID}.String()
	entry, ok := r.cache.Entries[k]
	if !ok {
		return core.ErrNotFound("task registry entry", k)
	}
	entry.Status = status
	entry.Error = errMsg
	if status == core.WorkerStatusCompleted || status == core.WorkerStatusFailed || status == core.WorkerStatusCancelled {
		now := time.Now()
		entry.CompletedAt = &now
	}
	r.cache.Entries[k] = entry
	return r.persistLocked()
}

// ClearStale sweeps entries stuck running beyond maxAge and marks them
// failed, returning the keys swept.
func (r *Registry) ClearStale(maxAge time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	var swept []string
	now := time.Now()
	for k, entry := range r.cache.Entries {
		if entry.Status == core.WorkerStatusRunning && now.Sub(entry.StartedAt) > maxAge {
			entry.Status = core.WorkerStatusFailed
			entry.Error = "stale: exceeded max running age"
			entry.CompletedAt = &now
			r.cache.Entries[k] = entry
			swept = append(swept, k)
		}
	}
	if len(swept) > 0 {
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}
	return swept, nil
}

// SpawnCandidate is one task under consideration for a dispatch wave.
type SpawnCandidate struct {
	Project string
	TaskID  core.TaskID
}

// Skipped records why a candidate was excluded from a batch dispatch.
type Skipped struct {
	Task   core.TaskID
	Reason string
}

// FilterSpawnable partitions candidates into those eligible to spawn and
// those to skip, for batch dispatch.
func (r *Registry) FilterSpawnable(candidates []SpawnCandidate) ([]SpawnCandidate, []Skipped, error) {
	var spawnable []SpawnCandidate
	var skipped []Skipped
	for _, c := range candidates {
		res, err := r.CanSpawn(c.Project, c.TaskID)
		if err != nil {
			return nil, nil, err
		}
		if res.CanSpawn {
			spawnable = append(spawnable, c)
		} else {
			skipped = append(skipped, Skipped{Task: c.TaskID, Reason: res.Reason})
		}
	}
	return spawnable, skipped, nil
}
