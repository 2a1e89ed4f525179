package triage

import (
	"fmt"
	"strings"

	"github.com/torigood/PulseCall/internal/models"
)

// Acoustic thresholds. Tune here; the rule order in Classify stays fixed.
const (
	BackgroundNoiseDBThreshold = -20.0 // avg_db above this with low speech: noisy room
	SilenceDBThreshold         = -50.0 // avg_db below this: near-zero audio
	SleepingDBThreshold        = -35.0 // avg_db below this with small peaks: breathing/snoring
	SleepingPeakMarginDB       = 5.0   // peak must exceed avg by more than this
	SpeechProbabilityThreshold = 0.3
	SilenceSpeechProbability   = 0.05
	DistressEmotionConfidence  = 0.5
)

// Retry delays in minutes.
const (
	BackgroundNoiseRetryMinutes = 20
	SleepingRetryMinutes        = 60
	AmbiguousRetryMinutes       = 15
)

// DistressKeywords are matched case-insensitively as substrings, in this order.
var DistressKeywords = []string{"help", "fall", "fell", "pain", "hurt", "emergency", "can't breathe", "bleeding"}

// DistressEmotions labels that bypass acoustic rules above DistressEmotionConfidence.
var DistressEmotions = []string{"fear", "pain"}

// Classify maps one call's post-call signals to a triage result.
//
// Priority order:
//  1. distress emotion (call-level, then per segment)
//  2. distress keyword in the transcript
//  3. acoustic rules
//
// It never fails and never mutates its inputs.
func Classify(metrics models.TriageMetrics, transcript []models.TranscriptSegment, emotions []models.Emotion) models.TriageResult {
	if em, ok := findDistressEmotion(emotions, transcript); ok {
		return escalateResult(models.ClassificationSpeechDetected,
			fmt.Sprintf("Distress emotion detected: %s (confidence %.2f)", em.Label, em.Confidence),
			strings.ToLower(em.Label))
	}

	if kw, ok := findDistressKeyword(transcript); ok {
		return escalateResult(models.ClassificationSpeechDetected,
			fmt.Sprintf("Distress keyword detected in transcript: '%s'", kw),
			kw)
	}

	avg, peak, sp := metrics.AvgDB, metrics.PeakDB, metrics.SpeechProbability

	// shower, TV, traffic
	if avg > BackgroundNoiseDBThreshold && sp < SpeechProbabilityThreshold {
		return retryResult(models.ClassificationBackgroundNoise,
			fmt.Sprintf("High ambient noise (avg_db=%.1f) with low speech probability (%.2f)", avg, sp),
			BackgroundNoiseRetryMinutes)
	}

	if avg < SilenceDBThreshold && sp < SilenceSpeechProbability {
		return escalateResult(models.ClassificationCriticalSilence,
			fmt.Sprintf("Total silence detected (avg_db=%.1f, speech_prob=%.2f)", avg, sp),
			string(models.ClassificationCriticalSilence))
	}

	if avg < SleepingDBThreshold && peak > avg+SleepingPeakMarginDB && sp < SpeechProbabilityThreshold {
		return retryResult(models.ClassificationLikelySleeping,
			fmt.Sprintf("Low rhythmic noise pattern (avg_db=%.1f, peak_db=%.1f)", avg, peak),
			SleepingRetryMinutes)
	}

	if sp >= SpeechProbabilityThreshold {
		return analyzeResult(fmt.Sprintf("Speech detected (probability=%.2f)", sp))
	}

	return retryResult(models.ClassificationBackgroundNoise,
		fmt.Sprintf("Ambiguous audio (avg_db=%.1f, speech_prob=%.2f)", avg, sp),
		AmbiguousRetryMinutes)
}

func escalateResult(c models.Classification, reason string, signal string) models.TriageResult {
	return models.TriageResult{
		Classification: c,
		Reason:         reason,
		Action:         models.ActionImmediateEscalation,
		Escalate:       true,
		Signals:        []string{signal},
	}
}

func retryResult(c models.Classification, reason string, delayMinutes int) models.TriageResult {
	return models.TriageResult{
		Classification:    c,
		Reason:            reason,
		Action:            models.ActionScheduleRetry,
		RetryDelayMinutes: &delayMinutes,
	}
}

func analyzeResult(reason string) models.TriageResult {
	return models.TriageResult{
		Classification: models.ClassificationSpeechDetected,
		Reason:         reason,
		Action:         models.ActionAnalyzeTranscript,
	}
}

func findDistressEmotion(emotions []models.Emotion, transcript []models.TranscriptSegment) (models.Emotion, bool) {
	for _, em := range emotions {
		if isDistress(em) {
			return em, true
		}
	}
	for _, seg := range transcript {
		if seg.Emotion != nil && isDistress(*seg.Emotion) {
			return *seg.Emotion, true
		}
	}
	return models.Emotion{}, false
}

func isDistress(em models.Emotion) bool {
	if em.Confidence <= DistressEmotionConfidence {
		return false
	}
	label := strings.ToLower(em.Label)
	for _, d := range DistressEmotions {
		if label == d {
			return true
		}
	}
	return false
}

func findDistressKeyword(transcript []models.TranscriptSegment) (string, bool) {
	for _, seg := range transcript {
		text := strings.ToLower(seg.Text)
		for _, kw := range DistressKeywords {
			if strings.Contains(text, kw) {
				return kw, true
			}
		}
	}
	return "", false
}
