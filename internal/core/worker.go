package core

import "fmt"

// WorkerStatus is the lifecycle state of one agent instance bound to one
// task in one run.
type WorkerStatus string

const (
	WorkerStatusPending   WorkerStatus = "pending"
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusCompleted WorkerStatus = "completed"
	WorkerStatusFailed    WorkerStatus = "failed"
	WorkerStatusCancelled WorkerStatus = "cancelled"
)

var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerStatusPending: {WorkerStatusRunning, WorkerStatusCancelled},
	WorkerStatusRunning: {WorkerStatusCompleted, WorkerStatusFailed, WorkerStatusCancelled},
}

// CanTransitionWorker reports whether the worker DAG
// pending -> running -> {completed, failed, cancelled} permits from -> to.
func CanTransitionWorker(from, to WorkerStatus) bool {
	for _, allowed := range workerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// WorkerID uniquely identifies a worker instance.
type WorkerID string

// Worker is an agent instance bound to one task in one run.
type Worker struct {
	WorkerID      WorkerID     `json:"workerId"`
	TaskID        TaskID       `json:"taskId"`
	RunID         RunID        `json:"runId"`
	PhaseNumber   int          `json:"phaseNumber"`
	RoleID        string       `json:"role"`
	Branch        string       `json:"branch"`
	WorktreePath  string       `json:"worktreePath"`
	SessionKey    string       `json:"sessionKey,omitempty"`
	Status        WorkerStatus `json:"status"`
	StepOrder     int64        `json:"stepOrder"`
	Output        string       `json:"output,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// WorkerBranchName derives the bit-exact worker branch name from §6.
func WorkerBranchName(runID RunID, workerID WorkerID) string {
	return fmt.Sprintf("swarmops/%s/%s", runID, workerID)
}

// PhaseBranchName derives the bit-exact phase branch name from §6.
func PhaseBranchName(runID RunID, phaseNumber int) string {
	return fmt.Sprintf("swarmops/%s/phase-%d", runID, phaseNumber)
}

// NewWorker constructs a pending worker with its derived branch name and
// retry-state key.
func NewWorker(id WorkerID, taskID TaskID, runID RunID, phaseNumber int, roleID string) *Worker {
	return &Worker{
		WorkerID:    id,
		TaskID:      taskID,
		RunID:       runID,
		PhaseNumber: phaseNumber,
		RoleID:      roleID,
		Branch:      WorkerBranchName(runID, id),
		Status:      WorkerStatusPending,
		StepOrder:   StepOrder(phaseNumber, taskID),
	}
}

// Transition moves the worker to a new status, rejecting illegal transitions.
func (w *Worker) Transition(to WorkerStatus) error {
	if !CanTransitionWorker(w.Status, to) {
		return ErrInvalidTransition(fmt.Sprintf("worker cannot move from %s to %s", w.Status, to))
	}
	w.Status = to
	return nil
}

// IsTerminal reports whether the worker has left the DAG's active states.
func (w *Worker) IsTerminal() bool {
	return w.Status == WorkerStatusCompleted || w.Status == WorkerStatusFailed || w.Status == WorkerStatusCancelled
}
