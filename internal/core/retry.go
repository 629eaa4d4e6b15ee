package core

import "time"

// RetryStateStatus is the lifecycle state of a (run, stepOrder) attempt
// history.
type RetryStateStatus string

const (
	RetryStatusPending  RetryStateStatus = "pending"
	RetryStatusRetrying RetryStateStatus = "retrying"
	RetryStatusExhausted RetryStateStatus = "exhausted"
	RetryStatusSucceeded RetryStateStatus = "succeeded"
)

// RetryPolicy controls backoff behavior; defaults per §4.E.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts" mapstructure:"maxAttempts"`
	BaseDelayMs       int64   `json:"baseDelayMs" mapstructure:"baseDelayMs"`
	MaxDelayMs        int64   `json:"maxDelayMs" mapstructure:"maxDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier" mapstructure:"backoffMultiplier"`
}

// DefaultRetryPolicy returns the spec's stated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelayMs: 5000, MaxDelayMs: 60000, BackoffMultiplier: 2}
}

// RetryAttempt is one recorded attempt in a RetryState's history.
type RetryAttempt struct {
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Success    bool      `json:"success"`
}

// RetryKey identifies a retry state by (run, stepOrder).
type RetryKey struct {
	RunID     RunID `json:"runId"`
	StepOrder int64 `json:"stepOrder"`
}

// RetryState is the per-(run, stepOrder) attempt history.
type RetryState struct {
	Key         RetryKey         `json:"key"`
	Policy      RetryPolicy      `json:"policy"`
	Attempts    []RetryAttempt   `json:"attempts"`
	Status      RetryStateStatus `json:"status"`
	NextRetryAt *time.Time       `json:"nextRetryAt,omitempty"`
}

// NewRetryState creates a pending entry for the given key and policy.
func NewRetryState(key RetryKey, policy RetryPolicy) *RetryState {
	return &RetryState{Key: key, Policy: policy, Status: RetryStatusPending}
}

// Delay computes the backoff delay for the given zero-based attempt count,
// per §4.E: min(maxDelay, floor(base * mult^attemptCount + jitter)), jitter
// uniformly in ±10% of the un-jittered delay. jitterFrac must be in [-1,1]
// and is supplied by the caller's RNG to keep this function deterministic.
func (p RetryPolicy) Delay(attemptCount int, jitterFrac float64) int64 {
	base := float64(p.BaseDelayMs) * pow(p.BackoffMultiplier, attemptCount)
	jitter := base * 0.1 * jitterFrac
	delay := int64(base + jitter)
	if delay > p.MaxDelayMs {
		delay = p.MaxDelayMs
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// RecordAttempt appends an attempt and advances Status/NextRetryAt per the
// §4.E state machine. jitterFrac seeds the delay jitter for the next
// scheduled retry, if any.
func (rs *RetryState) RecordAttempt(success bool, errMsg string, durationMs int64, jitterFrac float64) {
	rs.Attempts = append(rs.Attempts, RetryAttempt{
		Timestamp:  Now(),
		Error:      errMsg,
		DurationMs: durationMs,
		Success:    success,
	})

	if success {
		rs.Status = RetryStatusSucceeded
		rs.NextRetryAt = nil
		return
	}

	if len(rs.Attempts) >= rs.Policy.MaxAttempts {
		rs.Status = RetryStatusExhausted
		rs.NextRetryAt = nil
		return
	}

	rs.Status = RetryStatusRetrying
	delay := rs.Policy.Delay(len(rs.Attempts), jitterFrac)
	next := Now().Add(time.Duration(delay) * time.Millisecond)
	rs.NextRetryAt = &next
}

// IsExhausted reports whether the state is exhausted: attempts == max and
// the last attempt failed.
func (rs *RetryState) IsExhausted() bool {
	if len(rs.Attempts) != rs.Policy.MaxAttempts {
		return false
	}
	last := rs.Attempts[len(rs.Attempts)-1]
	return !last.Success
}
