package analyzer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/models"
)

// Recommended actions.
const (
	ActionNoEscalation = "No escalation required. Follow up in normal workflow."
	ActionEscalate     = "Escalate to a human operator within 15 minutes."
)

// Sentiment scores range 1 (very negative) to 5 (very positive).
const (
	MinSentiment = 1
	MaxSentiment = 5
)

const summaryConcernMaxLen = 120

var negativeMarkers = []string{"angry", "upset", "cancel", "frustrated", "bad", "hate"}

// Analyzer turns a completed call transcript into summary, sentiment and flags.
type Analyzer interface {
	Analyze(ctx context.Context, transcript []models.TranscriptSegment, keywords []string) (models.Analysis, error)
}

// FallbackAnalyzer deterministic keyword/marker analysis with no external calls.
type FallbackAnalyzer struct{}

func (FallbackAnalyzer) Analyze(_ context.Context, transcript []models.TranscriptSegment, keywords []string) (models.Analysis, error) {
	flags := DetectFlags(transcript, keywords)
	return models.Analysis{
		Summary:           Summarize(transcript),
		SentimentScore:    Sentiment(userText(transcript)),
		DetectedFlags:     flags,
		RecommendedAction: RecommendedAction(flags),
	}, nil
}

// Summarize one-line summary built from the patient's first utterance.
func Summarize(transcript []models.TranscriptSegment) string {
	if len(transcript) == 0 {
		return "No conversation content captured."
	}
	concern := ""
	for _, seg := range transcript {
		if seg.Speaker == "user" {
			concern = seg.Text
			break
		}
	}
	if r := []rune(concern); len(r) > summaryConcernMaxLen {
		concern = string(r[:summaryConcernMaxLen])
	}
	return strings.TrimSpace("Agent and recipient completed a call. Recipient's main concern: " + concern)
}

// Sentiment marker-word score: 2 on any negative marker, 4 on thanks, else 3.
func Sentiment(text string) int {
	lowered := strings.ToLower(text)
	for _, m := range negativeMarkers {
		if strings.Contains(lowered, m) {
			return 2
		}
	}
	if strings.Contains(lowered, "thank") || strings.Contains(lowered, "great") {
		return 4
	}
	return 3
}

// DetectFlags returns the keywords contained in the transcript, case-insensitive,
// in keyword order.
func DetectFlags(transcript []models.TranscriptSegment, keywords []string) []string {
	if len(keywords) == 0 {
		return []string{}
	}
	parts := make([]string, 0, len(transcript))
	for _, seg := range transcript {
		parts = append(parts, seg.Text)
	}
	joined := strings.ToLower(strings.Join(parts, " "))

	flags := []string{}
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k != "" && strings.Contains(joined, k) {
			flags = append(flags, kw)
		}
	}
	return flags
}

// RecommendedAction maps detected flags to the operator instruction.
func RecommendedAction(flags []string) string {
	if len(flags) == 0 {
		return ActionNoEscalation
	}
	return ActionEscalate
}

// Priority of an escalation raised from analysis flags.
func Priority(sentiment int) string {
	if sentiment <= 2 {
		return models.PriorityHigh
	}
	return models.PriorityMedium
}

// EscalationReason reason text for a flag-driven escalation.
func EscalationReason(flags []string) string {
	return fmt.Sprintf("Detected escalation keywords: %s", strings.Join(flags, ", "))
}

func userText(transcript []models.TranscriptSegment) string {
	parts := make([]string, 0, len(transcript))
	for _, seg := range transcript {
		if seg.Speaker == "user" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, " ")
}

type fallbackChain struct {
	primary  Analyzer
	fallback Analyzer
	logger   *zap.Logger
}

// WithFallback runs primary and falls back when it fails.
func WithFallback(primary, fallback Analyzer, logger *zap.Logger) Analyzer {
	if primary == nil {
		return fallback
	}
	return &fallbackChain{primary: primary, fallback: fallback, logger: logger}
}

func (c *fallbackChain) Analyze(ctx context.Context, transcript []models.TranscriptSegment, keywords []string) (models.Analysis, error) {
	a, err := c.primary.Analyze(ctx, transcript, keywords)
	if err == nil {
		return a, nil
	}
	c.logger.Warn("Transcript analysis failed, using local fallback", zap.Error(err))
	return c.fallback.Analyze(ctx, transcript, keywords)
}
