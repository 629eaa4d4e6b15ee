// Package escalation implements the Escalation Store (§4.F): a single JSON
// file holding the human-action queue. Escalations only terminate by human
// action (Resolve/Dismiss), never automatically.
package escalation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

type fileDoc struct {
	Escalations []*core.Escalation `json:"escalations"`
}

// Store is the escalation queue, backed by a single JSON file.
type Store struct {
	path string
	st   *store.Store
	mu   sync.Mutex
}

// New constructs a Store persisted at path.
func New(path string, st *store.Store) *Store {
	return &Store{path: path, st: st}
}

func (s *Store) load() (fileDoc, error) {
	var doc fileDoc
	if err := store.ReadJSON(s.path, &doc); err != nil {
		if err == store.ErrNotFound {
			return fileDoc{}, nil
		}
		return doc, err
	}
	return doc, nil
}

func (s *Store) save(doc fileDoc) error {
	return s.st.WriteJSONAtomic(s.path, doc)
}

// CreateParams are the caller-supplied fields for a new escalation.
type CreateParams struct {
	RunID        core.RunID
	PhaseNumber  int
	StepOrder    int64
	RoleID       string
	TaskID       core.TaskID
	Message      string
	AttemptCount int
	MaxAttempts  int
	Severity     core.EscalationSeverity // optional; auto-derived if empty
}

// Create appends a new open escalation and returns it.
func (s *Store) Create(p CreateParams) (*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	e := core.NewEscalation(uuid.New().String(), p.RunID, p.PhaseNumber, p.Message, p.AttemptCount, p.MaxAttempts, p.Severity)
	e.StepOrder = p.StepOrder
	e.RoleID = p.RoleID
	e.TaskID = p.TaskID
	doc.Escalations = append(doc.Escalations, e)
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns the escalation with id, or nil.
func (s *Store) Get(id string) (*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, e := range doc.Escalations {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

// ListOpen returns all open escalations, oldest first.
func (s *Store) ListOpen() ([]*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*core.Escalation
	for _, e := range doc.Escalations {
		if e.Status == core.EscalationStatusOpen {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ByRun returns all escalations for a run.
func (s *Store) ByRun(runID core.RunID) ([]*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*core.Escalation
	for _, e := range doc.Escalations {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByPipeline is an alias over the project dimension; escalations don't carry
// a distinct pipeline field beyond their run, so this filters by run id
// prefix matching the project-scoped run-id convention.
func (s *Store) ByPipeline(projectPrefix string) ([]*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*core.Escalation
	for _, e := range doc.Escalations {
		if len(string(e.RunID)) >= len(projectPrefix) && string(e.RunID)[:len(projectPrefix)] == projectPrefix {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) mutate(id string, fn func(*core.Escalation)) (*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, e := range doc.Escalations {
		if e.ID == id {
			fn(e)
			if err := s.save(doc); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, core.ErrNotFound("escalation", id)
}

func (s *Store) Resolve(id, resolution, by string) (*core.Escalation, error) {
	return s.mutate(id, func(e *core.Escalation) { e.Resolve(resolution, by) })
}

func (s *Store) Dismiss(id, reason string) (*core.Escalation, error) {
	return s.mutate(id, func(e *core.Escalation) { e.Dismiss(reason) })
}

func (s *Store) AddNote(id, text string) (*core.Escalation, error) {
	return s.mutate(id, func(e *core.Escalation) { e.AddNote(text) })
}

func (s *Store) SetSeverity(id string, sev core.EscalationSeverity) (*core.Escalation, error) {
	return s.mutate(id, func(e *core.Escalation) { e.Severity = sev; e.UpdatedAt = time.Now() })
}

// ResolveByTaskId auto-closes all open escalations for a task when it later
// succeeds, per §4.I's tie-break rule.
func (s *Store) ResolveByTaskId(taskID core.TaskID, reason, by string) ([]*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var resolved []*core.Escalation
	for _, e := range doc.Escalations {
		if e.TaskID == taskID && e.Status == core.EscalationStatusOpen {
			e.Resolve(reason, by)
			resolved = append(resolved, e)
		}
	}
	if len(resolved) > 0 {
		if err := s.save(doc); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// Stats summarizes counts by status and severity.
type Stats struct {
	Open      int
	Resolved  int
	Dismissed int
	BySeverity map[core.EscalationSeverity]int
}

func (s *Store) StatsSnapshot() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{BySeverity: make(map[core.EscalationSeverity]int)}
	for _, e := range doc.Escalations {
		switch e.Status {
		case core.EscalationStatusOpen:
			st.Open++
			st.BySeverity[e.Severity]++
		case core.EscalationStatusResolved:
			st.Resolved++
		case core.EscalationStatusDismissed:
			st.Dismissed++
		}
	}
	return st, nil
}

// Prune removes non-open escalations older than keepDays; open escalations
// are never pruned.
func (s *Store) Prune(keepDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	var kept []*core.Escalation
	removed := 0
	for _, e := range doc.Escalations {
		if e.Status != core.EscalationStatusOpen && e.UpdatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		doc.Escalations = kept
		if err := s.save(doc); err != nil {
			return 0, err
		}
	}
	return removed, nil
}
