package models

import "time"

// Escalation priorities, ordered high to low.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Escalation statuses.
const (
	EscalationOpen         = "open"
	EscalationAcknowledged = "acknowledged"
)

// EscalationRecord is a human-visible alert (escalations table), created once per escalating attempt.
type EscalationRecord struct {
	EscalationID   string     `json:"escalation_id" db:"escalation_id"`
	AttemptID      string     `json:"attempt_id" db:"attempt_id"`
	PatientID      string     `json:"patient_id" db:"patient_id"`
	Priority       string     `json:"priority" db:"priority"`
	Status         string     `json:"status" db:"status"`
	Reason         string     `json:"reason" db:"reason"`
	DetectedFlags  []string   `json:"detected_flags" db:"detected_flags"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
}

// PriorityRank sorts priorities high first; unknown priorities sort last.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}
