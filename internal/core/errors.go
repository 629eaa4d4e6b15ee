package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies errors for handling decisions, per the
// error taxonomy in the orchestrator design.
type ErrorCategory string

const (
	ErrCatTransientIO       ErrorCategory = "transient_io"       // file/network I/O, retried locally
	ErrCatSpawnFailure      ErrorCategory = "spawn_failure"       // gateway refused/could not start a session
	ErrCatInvalidTransition ErrorCategory = "invalid_transition" // state machine violation
	ErrCatMergeConflict     ErrorCategory = "merge_conflict"      // routed to the conflict resolver
	ErrCatReviewRejection   ErrorCategory = "review_rejection"    // reviewer requested changes
	ErrCatExhaustedRetry    ErrorCategory = "exhausted_retry"     // retry policy capped
	ErrCatParse             ErrorCategory = "parse_error"         // progress document malformed
	ErrCatValidation        ErrorCategory = "validation"          // invalid input
	ErrCatNotFound          ErrorCategory = "not_found"           // resource not found
	ErrCatInternal          ErrorCategory = "internal"            // unexpected internal error
)

// DomainError is a structured error carrying a category, stable code,
// and optional cause/detail for ledger and webhook propagation.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Cause }

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Predefined error codes referenced by the task-graph parser and
// state machines throughout the core.
const (
	CodeCycle              = "CYCLE_DETECTED"
	CodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	CodeDuplicateID        = "DUPLICATE_ID"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeMergeConflict      = "MERGE_CONFLICT"
	CodeRetryExhausted     = "RETRY_EXHAUSTED"
	CodeWorkNotFound       = "WORK_NOT_FOUND"
	CodeRunNotFound        = "RUN_NOT_FOUND"
	CodePhaseNotFound      = "PHASE_NOT_FOUND"
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeEscalationNotFound = "ESCALATION_NOT_FOUND"
)

func ErrCycle(msg string) *DomainError {
	return &DomainError{Category: ErrCatParse, Code: CodeCycle, Message: msg}
}

func ErrUnknownDependency(msg string) *DomainError {
	return &DomainError{Category: ErrCatParse, Code: CodeUnknownDependency, Message: msg}
}

func ErrDuplicateID(msg string) *DomainError {
	return &DomainError{Category: ErrCatParse, Code: CodeDuplicateID, Message: msg}
}

func ErrInvalidTransition(msg string) *DomainError {
	return &DomainError{Category: ErrCatInvalidTransition, Code: CodeInvalidTransition, Message: msg, Retryable: false}
}

func ErrMergeConflictf(msg string) *DomainError {
	return &DomainError{Category: ErrCatMergeConflict, Code: CodeMergeConflict, Message: msg, Retryable: false}
}

func ErrSpawnFailure(msg string) *DomainError {
	return &DomainError{Category: ErrCatSpawnFailure, Code: "SPAWN_FAILED", Message: msg, Retryable: true}
}

func ErrTransientIO(msg string) *DomainError {
	return &DomainError{Category: ErrCatTransientIO, Code: "TRANSIENT_IO", Message: msg, Retryable: true}
}

func ErrValidation(code, msg string) *DomainError {
	return &DomainError{Category: ErrCatValidation, Code: code, Message: msg, Retryable: false}
}

func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// IsRetryable reports whether an error should feed the retry controller.
func IsRetryable(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// GetCategory extracts the error category, defaulting to internal.
func GetCategory(err error) ErrorCategory {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Category
	}
	return ErrCatInternal
}

func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsMergeConflictError reports whether err represents a merge conflict,
// whether it is a tagged *DomainError (category merge_conflict) or a raw
// git-client error whose message names one (git itself is the source of
// truth here: it reports conflicts via "CONFLICT"/"merge conflict" text on
// stdout/stderr rather than a typed error).
func IsMergeConflictError(err error) bool {
	if err == nil {
		return false
	}
	if IsCategory(err, ErrCatMergeConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict")
}
