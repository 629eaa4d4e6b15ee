package core

import "time"

// LedgerRecordKind is the discriminant of a LedgerRecord's tagged sum type.
type LedgerRecordKind string

const (
	LedgerRecordCreate LedgerRecordKind = "create"
	LedgerRecordEvent  LedgerRecordKind = "event"
	LedgerRecordStatus LedgerRecordKind = "status"
	LedgerRecordUpdate LedgerRecordKind = "update"
)

// WorkItemStatus is the state machine guarding Ledger status transitions.
type WorkItemStatus string

const (
	WorkItemPending   WorkItemStatus = "pending"
	WorkItemRunning   WorkItemStatus = "running"
	WorkItemComplete  WorkItemStatus = "complete"
	WorkItemFailed    WorkItemStatus = "failed"
	WorkItemCancelled WorkItemStatus = "cancelled"
)

func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemComplete || s == WorkItemFailed || s == WorkItemCancelled
}

var workItemTransitions = map[WorkItemStatus][]WorkItemStatus{
	WorkItemPending: {WorkItemRunning, WorkItemCancelled},
	WorkItemRunning: {WorkItemComplete, WorkItemFailed, WorkItemCancelled},
}

// CanTransitionWorkItem enforces §4.C's guarded status machine.
func CanTransitionWorkItem(from, to WorkItemStatus) bool {
	for _, allowed := range workItemTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// WorkItem is the in-memory projection the Ledger's fold produces for one id.
type WorkItem struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	RoleID      string         `json:"roleId,omitempty"`
	ParentID    string         `json:"parentId,omitempty"`
	Tag         string         `json:"tag,omitempty"`
	Status      WorkItemStatus `json:"status"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Iterations  int            `json:"iterations"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Events      []WorkEvent    `json:"events,omitempty"`
}

// WorkEvent is a free-form activity entry attached to a work item.
type WorkEvent struct {
	At      time.Time              `json:"at"`
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// LedgerRecord is one line of a per-date JSONL shard. Exactly one of the
// payload fields is populated, selected by Kind.
type LedgerRecord struct {
	Kind LedgerRecordKind `json:"kind"`
	At   time.Time        `json:"at"`

	Create *WorkItem       `json:"create,omitempty"`
	Event  *LedgerEventPayload `json:"event,omitempty"`
	Status *LedgerStatusPayload `json:"status,omitempty"`
	Update *LedgerUpdatePayload `json:"update,omitempty"`
}

type LedgerEventPayload struct {
	WorkID string    `json:"workId"`
	Event  WorkEvent `json:"event"`
}

type LedgerStatusPayload struct {
	WorkID string         `json:"workId"`
	Status WorkItemStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

type LedgerUpdatePayload struct {
	WorkID  string                 `json:"workId"`
	Partial map[string]interface{} `json:"partial"`
}

// Apply folds a single record into the cache, mutating items in place. It is
// the sole reconstruction path: replaying all records in order must
// reproduce the current cache exactly (§8 property 2).
func Apply(cache map[string]*WorkItem, rec LedgerRecord) {
	switch rec.Kind {
	case LedgerRecordCreate:
		if rec.Create != nil {
			item := *rec.Create
			cache[item.ID] = &item
		}
	case LedgerRecordEvent:
		if rec.Event == nil {
			return
		}
		if item, ok := cache[rec.Event.WorkID]; ok {
			item.Events = append(item.Events, rec.Event.Event)
		}
	case LedgerRecordStatus:
		if rec.Status == nil {
			return
		}
		item, ok := cache[rec.Status.WorkID]
		if !ok {
			return
		}
		if !CanTransitionWorkItem(item.Status, rec.Status.Status) {
			return
		}
		item.Status = rec.Status.Status
		item.Error = rec.Status.Error
		now := rec.At
		if item.Status == WorkItemRunning && item.StartedAt == nil {
			item.StartedAt = &now
		}
		if item.Status.IsTerminal() && item.CompletedAt == nil {
			item.CompletedAt = &now
		}
	case LedgerRecordUpdate:
		if rec.Update == nil {
			return
		}
		item, ok := cache[rec.Update.WorkID]
		if !ok {
			return
		}
		applyPartial(item, rec.Update.Partial)
	}
}

func applyPartial(item *WorkItem, partial map[string]interface{}) {
	if v, ok := partial["output"].(string); ok {
		item.Output = v
	}
	if v, ok := partial["iterations"].(float64); ok {
		item.Iterations = int(v)
	} else if v, ok := partial["iterations"].(int); ok {
		item.Iterations = v
	}
	if v, ok := partial["tag"].(string); ok {
		item.Tag = v
	}
}
