package models

// Patient statuses that authorize automated check-in calls.
const (
	PatientStatusConfirmed     = "confirmed"
	PatientStatusActive        = "active"
	PatientStatusPendingReview = "pending_review"
	PatientStatusInactive      = "inactive"
)

// Patient is the read-only projection of a patient record that the check-in
// engine needs. Patient CRUD lives elsewhere.
type Patient struct {
	PatientID          string   `json:"patient_id"`
	Name               string   `json:"name"`
	Phone              string   `json:"phone"`
	Status             string   `json:"status"`
	SystemPrompt       string   `json:"system_prompt,omitempty"`
	VoiceID            string   `json:"voice_id,omitempty"`
	EscalationKeywords []string `json:"escalation_keywords,omitempty"`
	EscalationPhone    string   `json:"escalation_phone,omitempty"`
}

// IsMonitored reports whether automated check-in calls may be placed.
func (p *Patient) IsMonitored() bool {
	return p.Status == PatientStatusConfirmed || p.Status == PatientStatusActive
}
