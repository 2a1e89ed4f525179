package models

import "strings"

// Classification is the triage category of a call environment.
type Classification string

const (
	ClassificationBackgroundNoise Classification = "BACKGROUND_NOISE"
	ClassificationCriticalSilence Classification = "CRITICAL_SILENCE"
	ClassificationLikelySleeping  Classification = "LIKELY_SLEEPING"
	ClassificationSpeechDetected  Classification = "SPEECH_DETECTED"
)

// IsSilence reports whether a retry triggered by this classification is a silent retry.
func (c Classification) IsSilence() bool {
	return strings.Contains(string(c), "SILENCE")
}

// Action is what the state machine should do with a triage result.
type Action string

const (
	ActionImmediateEscalation Action = "IMMEDIATE_ESCALATION"
	ActionScheduleRetry       Action = "SCHEDULE_RETRY"
	ActionAnalyzeTranscript   Action = "ANALYZE_TRANSCRIPT"
)

// TriageMetrics post-call acoustic metrics computed by the voice provider.
type TriageMetrics struct {
	AvgDB              float64 `json:"avg_db"`
	PeakDB             float64 `json:"peak_db"`
	SpeechProbability  float64 `json:"speech_probability"`
	SilenceDurationSec float64 `json:"silence_duration_sec"`
	CallDurationSec    float64 `json:"call_duration_sec"`
}

// Emotion a detected emotion with its confidence (0.0-1.0).
type Emotion struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// TranscriptSegment one utterance of the call transcript.
type TranscriptSegment struct {
	Speaker string   `json:"speaker"` // "agent" or "user"
	Text    string   `json:"text"`
	Start   float64  `json:"start,omitempty"`
	End     float64  `json:"end,omitempty"`
	Emotion *Emotion `json:"emotion,omitempty"`
}

// TriageResult is the classifier output. Build it through the triage package;
// Escalate is true exactly when Action is IMMEDIATE_ESCALATION.
type TriageResult struct {
	Classification    Classification `json:"classification"`
	Reason            string         `json:"reason"`
	Action            Action         `json:"action"`
	RetryDelayMinutes *int           `json:"retry_delay_minutes,omitempty"`
	Escalate          bool           `json:"escalate"`
	Signals           []string       `json:"signals,omitempty"` // what triggered an escalation
}
