// Package ledger implements the sharded append-only work ledger from §4.C:
// one JSONL file per UTC date, folded lazily into an in-memory cache that is
// authoritative between loads and exactly reconstructible by replay.
package ledger

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

// Ledger is the work ledger: append-first, fold-into-cache persistence.
type Ledger struct {
	dir   string
	st    *store.Store
	mu    sync.RWMutex
	cache map[string]*core.WorkItem
	loaded map[string]bool // date string -> loaded
}

// New constructs a Ledger rooted at dir (e.g. data/work).
func New(dir string, st *store.Store) *Ledger {
	return &Ledger{
		dir:    dir,
		st:     st,
		cache:  make(map[string]*core.WorkItem),
		loaded: make(map[string]bool),
	}
}

func (l *Ledger) shardPath(t time.Time) string {
	return filepath.Join(l.dir, t.UTC().Format("2006-01-02")+".jsonl")
}

// ensureLoaded lazily folds a date shard into the cache, once.
func (l *Ledger) ensureLoaded(date string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded[date] {
		return nil
	}
	path := filepath.Join(l.dir, date+".jsonl")
	err := store.ReadJSONLFold(path,
		func() interface{} { return &core.LedgerRecord{} },
		func(v interface{}) error {
			core.Apply(l.cache, *v.(*core.LedgerRecord))
			return nil
		},
		nil,
	)
	if err != nil {
		return err
	}
	l.loaded[date] = true
	return nil
}

// LoadAllShards folds every shard file found under dir; used at startup to
// make the cache authoritative before serving any request.
func (l *Ledger) LoadAllShards() error {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, m := range matches {
		date := filepathBase(m)
		if err := l.ensureLoaded(date); err != nil {
			return fmt.Errorf("ledger: loading shard %s: %w", m, err)
		}
	}
	return nil
}

func filepathBase(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func (l *Ledger) append(rec core.LedgerRecord) error {
	rec.At = core.Now()
	path := l.shardPath(rec.At)
	if err := l.st.AppendJSONL(path, rec); err != nil {
		return err
	}
	date := rec.At.UTC().Format("2006-01-02")
	l.mu.Lock()
	core.Apply(l.cache, rec)
	l.loaded[date] = true
	l.mu.Unlock()
	return nil
}

// CreateInput are the caller-supplied fields for a new work item.
type CreateInput struct {
	Type     string
	RoleID   string
	ParentID string
	Tag      string
}

// Create appends a create record and returns the resulting WorkItem.
func (l *Ledger) Create(input CreateInput) (*core.WorkItem, error) {
	item := &core.WorkItem{
		ID:        uuid.New().String(),
		Type:      input.Type,
		RoleID:    input.RoleID,
		ParentID:  input.ParentID,
		Tag:       input.Tag,
		Status:    core.WorkItemPending,
		CreatedAt: core.Now(),
	}
	if err := l.append(core.LedgerRecord{Kind: core.LedgerRecordCreate, Create: item}); err != nil {
		return nil, err
	}
	cp := *item
	return &cp, nil
}

// Get returns the cached item for id, or nil if unknown.
func (l *Ledger) Get(id string) *core.WorkItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.cache[id]
	if !ok {
		return nil
	}
	cp := *item
	return &cp
}

// ListFilters narrows a List call.
type ListFilters struct {
	Date     string // YYYY-MM-DD
	Status   core.WorkItemStatus
	Type     string
	RoleID   string
	ParentID string
	Tag      string
	Offset   int
	Limit    int
}

// List returns items matching filters, sorted by CreatedAt ascending. It
// scans the in-memory cache; the sqlite-backed index (see ledger/index.go)
// can serve this more efficiently for large corpora but is never
// authoritative.
func (l *Ledger) List(f ListFilters) []*core.WorkItem {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*core.WorkItem
	for _, item := range l.cache {
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		if f.Type != "" && item.Type != f.Type {
			continue
		}
		if f.RoleID != "" && item.RoleID != f.RoleID {
			continue
		}
		if f.ParentID != "" && item.ParentID != f.ParentID {
			continue
		}
		if f.Tag != "" && item.Tag != f.Tag {
			continue
		}
		if f.Date != "" && item.CreatedAt.UTC().Format("2006-01-02") != f.Date {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// AppendEvent records a free-form activity entry against an existing item.
func (l *Ledger) AppendEvent(id string, ev core.WorkEvent) error {
	ev.At = core.Now()
	return l.append(core.LedgerRecord{
		Kind:  core.LedgerRecordEvent,
		Event: &core.LedgerEventPayload{WorkID: id, Event: ev},
	})
}

// UpdateStatus appends a status record, guarded by the §4.C transition
// machine; the actual legality check happens during fold (core.Apply), so a
// rejected transition here still appends a record but the cache silently
// ignores it — callers that need immediate feedback should check
// core.CanTransitionWorkItem themselves first.
func (l *Ledger) UpdateStatus(id string, newStatus core.WorkItemStatus, errMsg string) error {
	l.mu.RLock()
	current, ok := l.cache[id]
	l.mu.RUnlock()
	if !ok {
		return core.ErrNotFound("work item", id)
	}
	if !core.CanTransitionWorkItem(current.Status, newStatus) {
		return core.ErrInvalidTransition(fmt.Sprintf("work item %s cannot move from %s to %s", id, current.Status, newStatus))
	}
	return l.append(core.LedgerRecord{
		Kind:   core.LedgerRecordStatus,
		Status: &core.LedgerStatusPayload{WorkID: id, Status: newStatus, Error: errMsg},
	})
}

// SetOutput appends an update record setting the item's output.
func (l *Ledger) SetOutput(id, output string) error {
	return l.append(core.LedgerRecord{
		Kind:   core.LedgerRecordUpdate,
		Update: &core.LedgerUpdatePayload{WorkID: id, Partial: map[string]interface{}{"output": output}},
	})
}

// IncrementIterations appends an update record bumping the iteration count.
func (l *Ledger) IncrementIterations(id string) error {
	item := l.Get(id)
	if item == nil {
		return core.ErrNotFound("work item", id)
	}
	return l.append(core.LedgerRecord{
		Kind:   core.LedgerRecordUpdate,
		Update: &core.LedgerUpdatePayload{WorkID: id, Partial: map[string]interface{}{"iterations": item.Iterations + 1}},
	})
}

// Cancel transitions an item to cancelled with an optional reason.
func (l *Ledger) Cancel(id string, reason string) error {
	return l.UpdateStatus(id, core.WorkItemCancelled, reason)
}
