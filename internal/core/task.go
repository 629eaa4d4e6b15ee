package core

// TaskID is a stable, project-unique identifier parsed from an `@id(...)`
// annotation in the progress document.
type TaskID string

// Task is a unit of work annotated in the progress document. It is parsed,
// not spawned directly: the Worker Dispatcher turns a ready Task into a
// Worker.
type Task struct {
	ID        TaskID   `json:"id"`
	Title     string   `json:"title"`
	Done      bool     `json:"done"`
	RoleID    string   `json:"role"`
	DependsOn []TaskID `json:"dependsOn,omitempty"`

	// Line is the 1-based line number in the source progress document,
	// kept so the parser's atomic rewrite can find the checkbox again.
	Line int `json:"-"`
}

// NewTask constructs a Task with the given id and title; callers set
// remaining fields directly since the type has no invariants beyond those
// enforced by the parser (acyclic deps, known ids, unique ids).
func NewTask(id TaskID, title string) *Task {
	return &Task{ID: id, Title: title}
}

// IsReady reports whether t can be dispatched: not already done and every
// dependency is done, per the supplied lookup of completion state.
func (t *Task) IsReady(isDone func(TaskID) bool) bool {
	if t.Done {
		return false
	}
	for _, dep := range t.DependsOn {
		if !isDone(dep) {
			return false
		}
	}
	return true
}

// MarkDone flips the checkbox state in memory; the caller is responsible for
// the atomic rewrite of the backing progress document.
func (t *Task) MarkDone() {
	t.Done = true
}
