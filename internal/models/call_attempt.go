package models

import (
	"fmt"
	"time"
)

// CallState is the lifecycle state of one call attempt.
type CallState string

const (
	CallStatePending     CallState = "PENDING"
	CallStateBusyRetry   CallState = "BUSY_RETRY"
	CallStateSilentRetry CallState = "SILENT_RETRY"
	CallStateEscalated   CallState = "ESCALATED"
	CallStateCompleted   CallState = "COMPLETED"
)

// IsTerminal reports whether no further automated transition is allowed.
func (s CallState) IsTerminal() bool {
	return s == CallStateEscalated || s == CallStateCompleted
}

// IsRetry reports whether the state carries a scheduled re-attempt.
func (s CallState) IsRetry() bool {
	return s == CallStateBusyRetry || s == CallStateSilentRetry
}

// IsOpen reports whether the attempt still counts as the patient's open attempt.
func (s CallState) IsOpen() bool {
	return !s.IsTerminal()
}

// Valid reports whether s is one of the known states.
func (s CallState) Valid() bool {
	switch s {
	case CallStatePending, CallStateBusyRetry, CallStateSilentRetry, CallStateEscalated, CallStateCompleted:
		return true
	}
	return false
}

// CallAttempt is one outbound phone call try for one patient (call_attempts table).
type CallAttempt struct {
	AttemptID      string    `json:"attempt_id" db:"attempt_id"`
	PatientID      string    `json:"patient_id" db:"patient_id"`
	State          CallState `json:"state" db:"state"`
	RetryCount     int       `json:"retry_count" db:"retry_count"`
	MaxRetries     int       `json:"max_retries" db:"max_retries"`
	ExternalCallID *string   `json:"external_call_id,omitempty" db:"external_call_id"`

	TriageClassification *string `json:"triage_classification,omitempty" db:"triage_classification"`
	TriageReason         *string `json:"triage_reason,omitempty" db:"triage_reason"`
	EscalationReason     *string `json:"escalation_reason,omitempty" db:"escalation_reason"`

	// filled after transcript analysis
	Summary           *string  `json:"summary,omitempty" db:"summary"`
	SentimentScore    *int     `json:"sentiment_score,omitempty" db:"sentiment_score"`
	DetectedFlags     []string `json:"detected_flags,omitempty" db:"detected_flags"`
	RecommendedAction *string  `json:"recommended_action,omitempty" db:"recommended_action"`

	SupersededBy *string    `json:"superseded_by,omitempty" db:"superseded_by"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Validate checks the record-level invariants of a call attempt.
func (a *CallAttempt) Validate() error {
	if a.AttemptID == "" {
		return fmt.Errorf("attempt_id is required")
	}
	if a.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if !a.State.Valid() {
		return fmt.Errorf("invalid state: %q", a.State)
	}
	if a.RetryCount < 0 {
		return fmt.Errorf("retry_count must be >= 0, got %d", a.RetryCount)
	}
	if a.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", a.MaxRetries)
	}
	if a.State.IsRetry() != (a.NextRetryAt != nil) {
		return fmt.Errorf("next_retry_at must be set only in a retry state (state=%s)", a.State)
	}
	if a.RetryCount >= a.MaxRetries && a.State != CallStateEscalated {
		return fmt.Errorf("retry_count %d reached max_retries %d without escalation", a.RetryCount, a.MaxRetries)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (a *CallAttempt) Clone() *CallAttempt {
	if a == nil {
		return nil
	}
	c := *a
	c.ExternalCallID = cloneString(a.ExternalCallID)
	c.TriageClassification = cloneString(a.TriageClassification)
	c.TriageReason = cloneString(a.TriageReason)
	c.EscalationReason = cloneString(a.EscalationReason)
	c.Summary = cloneString(a.Summary)
	c.RecommendedAction = cloneString(a.RecommendedAction)
	c.SupersededBy = cloneString(a.SupersededBy)
	c.NextRetryAt = cloneTime(a.NextRetryAt)
	c.StartedAt = cloneTime(a.StartedAt)
	c.EndedAt = cloneTime(a.EndedAt)
	if a.SentimentScore != nil {
		v := *a.SentimentScore
		c.SentimentScore = &v
	}
	if a.DetectedFlags != nil {
		c.DetectedFlags = append([]string(nil), a.DetectedFlags...)
	}
	return &c
}

// Analysis is the transcript analysis attached to a completed attempt.
type Analysis struct {
	Summary           string   `json:"summary"`
	SentimentScore    int      `json:"sentiment_score"`
	DetectedFlags     []string `json:"detected_flags"`
	RecommendedAction string   `json:"recommended_action"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
