package core

// PhaseStatus tracks a phase's progress through collection, merge, and
// review. Status may only advance in the order below; failed is a terminal
// sink reachable from any non-terminal status.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusRunning    PhaseStatus = "running"
	PhaseStatusCollecting PhaseStatus = "collecting"
	PhaseStatusMerging    PhaseStatus = "merging"
	PhaseStatusReviewing  PhaseStatus = "reviewing"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
)

// phaseOrder gives the allowed forward sequence; failed is reachable from
// any entry and is excluded from this list deliberately.
var phaseOrder = []PhaseStatus{
	PhaseStatusPending,
	PhaseStatusRunning,
	PhaseStatusCollecting,
	PhaseStatusMerging,
	PhaseStatusReviewing,
	PhaseStatusCompleted,
}

func phaseRank(s PhaseStatus) int {
	for i, p := range phaseOrder {
		if p == s {
			return i
		}
	}
	return -1
}

// CanAdvancePhaseStatus reports whether the transition from -> to is legal:
// strictly forward through phaseOrder, or to failed from any non-terminal
// status.
func CanAdvancePhaseStatus(from, to PhaseStatus) bool {
	if from == PhaseStatusCompleted || from == PhaseStatusFailed {
		return false
	}
	if to == PhaseStatusFailed {
		return true
	}
	fr, tr := phaseRank(from), phaseRank(to)
	return fr >= 0 && tr >= 0 && tr == fr+1
}

// Phase is an ordered group of tasks, either derived from `## Phase N:`
// headers in the progress document or, in the degenerate case, the entire
// task list treated as phase 1.
type Phase struct {
	Number int         `json:"number"`
	Name   string      `json:"name"`
	Tasks  []TaskID    `json:"tasks"`
	Status PhaseStatus `json:"status"`
}

// NewPhase constructs a pending phase.
func NewPhase(number int, name string, tasks []TaskID) *Phase {
	return &Phase{Number: number, Name: name, Tasks: tasks, Status: PhaseStatusPending}
}

// Advance attempts the transition to the given status, returning an
// Invalid-Transition DomainError if it violates the ordering invariant.
func (p *Phase) Advance(to PhaseStatus) error {
	if !CanAdvancePhaseStatus(p.Status, to) {
		return ErrInvalidTransition("phase cannot move from " + string(p.Status) + " to " + string(to))
	}
	p.Status = to
	return nil
}

// DeriveStatus computes a phase's status from its member tasks' completion,
// per §4.A's readiness/state derivation: completed iff all member tasks are
// done; running iff this is the earliest incomplete phase with a ready
// task; blocked (pending) otherwise. It never regresses a phase already past
// running (collecting/merging/reviewing) — those are driven by the Phase
// Collector, not recomputed from task completion.
func DeriveStatus(p *Phase, allDone map[TaskID]bool, isEarliestIncomplete bool, hasReadyTask bool) PhaseStatus {
	switch p.Status {
	case PhaseStatusCollecting, PhaseStatusMerging, PhaseStatusReviewing, PhaseStatusCompleted, PhaseStatusFailed:
		return p.Status
	}
	complete := true
	for _, t := range p.Tasks {
		if !allDone[t] {
			complete = false
			break
		}
	}
	if complete {
		return PhaseStatusCompleted
	}
	if isEarliestIncomplete && hasReadyTask {
		return PhaseStatusRunning
	}
	return PhaseStatusPending
}
