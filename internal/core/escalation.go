package core

import "time"

// EscalationSeverity ranks how urgently a human must act.
type EscalationSeverity string

const (
	SeverityLow      EscalationSeverity = "low"
	SeverityMedium   EscalationSeverity = "medium"
	SeverityHigh     EscalationSeverity = "high"
	SeverityCritical EscalationSeverity = "critical"
)

// EscalationStatus is the lifecycle state of a human queue entry; it only
// terminates by human action.
type EscalationStatus string

const (
	EscalationStatusOpen      EscalationStatus = "open"
	EscalationStatusResolved  EscalationStatus = "resolved"
	EscalationStatusDismissed EscalationStatus = "dismissed"
)

// Escalation is a human queue entry created by the Retry Controller or
// Phase Merger when automated recovery exhausts its budget.
type Escalation struct {
	ID           string             `json:"id"`
	RunID        RunID              `json:"runId"`
	PhaseNumber  int                `json:"phaseNumber"`
	StepOrder    int64              `json:"stepOrder,omitempty"`
	RoleID       string             `json:"role,omitempty"`
	TaskID       TaskID             `json:"taskId,omitempty"`
	Message      string             `json:"message"`
	AttemptCount int                `json:"attemptCount"`
	Severity     EscalationSeverity `json:"severity"`
	Status       EscalationStatus   `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	Resolution   string             `json:"resolution,omitempty"`
	ResolvedBy   string             `json:"resolvedBy,omitempty"`
	Notes        []string           `json:"notes,omitempty"`
}

// AutoSeverity derives severity per §4.F when the caller doesn't supply one:
// high if attemptCount >= maxAttempts and maxAttempts >= 3, else medium if
// attemptCount > 0, else low.
func AutoSeverity(attemptCount, maxAttempts int) EscalationSeverity {
	if attemptCount >= maxAttempts && maxAttempts >= 3 {
		return SeverityHigh
	}
	if attemptCount > 0 {
		return SeverityMedium
	}
	return SeverityLow
}

// NewEscalation constructs an open escalation, defaulting severity via
// AutoSeverity when sev is empty.
func NewEscalation(id string, runID RunID, phaseNumber int, message string, attemptCount, maxAttempts int, sev EscalationSeverity) *Escalation {
	if sev == "" {
		sev = AutoSeverity(attemptCount, maxAttempts)
	}
	now := Now()
	return &Escalation{
		ID:           id,
		RunID:        runID,
		PhaseNumber:  phaseNumber,
		Message:      message,
		AttemptCount: attemptCount,
		Severity:     sev,
		Status:       EscalationStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (e *Escalation) Resolve(resolution, by string) {
	e.Status = EscalationStatusResolved
	e.Resolution = resolution
	e.ResolvedBy = by
	e.UpdatedAt = Now()
}

func (e *Escalation) Dismiss(reason string) {
	e.Status = EscalationStatusDismissed
	e.Resolution = reason
	e.UpdatedAt = Now()
}

func (e *Escalation) AddNote(text string) {
	e.Notes = append(e.Notes, text)
	e.UpdatedAt = Now()
}
