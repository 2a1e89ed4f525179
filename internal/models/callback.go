package models

// Provider call statuses delivered by the post-call webhook.
const (
	CallStatusCompleted = "completed"
	CallStatusBusy      = "busy"
	CallStatusNoAnswer  = "no_answer"
	CallStatusFailed    = "failed"
)

// CallbackPayload post-call webhook payload from the voice provider
type CallbackPayload struct {
	ExternalCallID string              `json:"call_id"`
	PatientID      string              `json:"user_id"`
	Status         string              `json:"status"`
	Metrics        TriageMetrics       `json:"audio_metrics"`
	Transcript     []TranscriptSegment `json:"transcript"`
	Emotions       []Emotion           `json:"emotions"`
}

// AnalyticsPayload analytics webhook payload; it arrives after the provider
// finishes post-processing and always describes an answered call.
type AnalyticsPayload struct {
	ExternalCallID string              `json:"call_id"`
	PatientID      string              `json:"user_id"`
	Metrics        TriageMetrics       `json:"audio_metrics"`
	Transcript     []TranscriptSegment `json:"transcript"`
	Emotions       []Emotion           `json:"emotions"`
	Summary        *string             `json:"summary,omitempty"`
	Sentiment      *string             `json:"sentiment,omitempty"`
}

// AsCallback converts the analytics payload into a completed-call callback.
func (p AnalyticsPayload) AsCallback() CallbackPayload {
	return CallbackPayload{
		ExternalCallID: p.ExternalCallID,
		PatientID:      p.PatientID,
		Status:         CallStatusCompleted,
		Metrics:        p.Metrics,
		Transcript:     p.Transcript,
		Emotions:       p.Emotions,
	}
}

// Outcome is the status token returned to the webhook caller.
type Outcome string

const (
	OutcomeRetryScheduled   Outcome = "retry_scheduled"
	OutcomeEscalated        Outcome = "escalated"
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)
