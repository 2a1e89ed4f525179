package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/models"
)

const systemPrompt = `You review transcripts of automated wellness check-in calls with patients.
Reply with a single JSON object and nothing else:
{"summary": string, "sentiment_score": integer 1-5, "detected_flags": [string], "recommended_action": string}
summary: one or two sentences on the patient's state and main concern.
sentiment_score: 1 very negative, 3 neutral, 5 very positive.
detected_flags: the escalation keywords from the list that the patient's words match, by meaning or literally.
recommended_action: one instruction for the care team.`

// LLMConfig chat-completions endpoint settings.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type llmResult struct {
	Summary           string   `json:"summary"`
	SentimentScore    int      `json:"sentiment_score"`
	DetectedFlags     []string `json:"detected_flags"`
	RecommendedAction string   `json:"recommended_action"`
}

// LLMAnalyzer analyzes transcripts with an OpenAI-compatible chat model.
type LLMAnalyzer struct {
	client openaigo.Client
	model  string
	logger *zap.Logger
}

func NewLLMAnalyzer(cfg LLMConfig, logger *zap.Logger) (*LLMAnalyzer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("analyzer api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(1),
		option.WithRequestTimeout(timeout),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	return &LLMAnalyzer{
		client: openaigo.NewClient(opts...),
		model:  model,
		logger: logger,
	}, nil
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, transcript []models.TranscriptSegment, keywords []string) (models.Analysis, error) {
	if len(transcript) == 0 {
		return FallbackAnalyzer{}.Analyze(ctx, transcript, keywords)
	}

	resp, err := a.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(a.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(systemPrompt),
			openaigo.UserMessage(buildUserPrompt(transcript, keywords)),
		},
	})
	if err != nil {
		return models.Analysis{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return models.Analysis{}, errors.New("llm returned empty choices")
	}

	parsed, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return models.Analysis{}, err
	}

	// literal keyword hits are never dropped
	flags := mergeFlags(DetectFlags(transcript, keywords), parsed.DetectedFlags)
	action := strings.TrimSpace(parsed.RecommendedAction)
	if action == "" || (len(flags) > 0 && len(parsed.DetectedFlags) == 0) {
		action = RecommendedAction(flags)
	}

	out := models.Analysis{
		Summary:           strings.TrimSpace(parsed.Summary),
		SentimentScore:    clampSentiment(parsed.SentimentScore),
		DetectedFlags:     flags,
		RecommendedAction: action,
	}
	if out.Summary == "" {
		out.Summary = Summarize(transcript)
	}

	a.logger.Debug("Transcript analyzed",
		zap.Int("sentiment", out.SentimentScore),
		zap.Strings("flags", out.DetectedFlags),
	)
	return out, nil
}

func buildUserPrompt(transcript []models.TranscriptSegment, keywords []string) string {
	var b strings.Builder
	b.WriteString("Escalation keywords: ")
	if len(keywords) == 0 {
		b.WriteString("(none)")
	} else {
		b.WriteString(strings.Join(keywords, ", "))
	}
	b.WriteString("\n\nTranscript:\n")
	for _, seg := range transcript {
		speaker := seg.Speaker
		if speaker == "" {
			speaker = "unknown"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, seg.Text)
	}
	return b.String()
}

// parseResult extracts the JSON object, tolerating code fences or prose around it.
func parseResult(content string) (llmResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return llmResult{}, fmt.Errorf("llm reply is not a JSON object: %q", preview(content))
	}
	var r llmResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return llmResult{}, fmt.Errorf("failed to decode llm reply: %w", err)
	}
	return r, nil
}

func mergeFlags(literal, model []string) []string {
	seen := make(map[string]bool, len(literal)+len(model))
	out := make([]string, 0, len(literal)+len(model))
	for _, list := range [][]string{literal, model} {
		for _, f := range list {
			f = strings.TrimSpace(f)
			key := strings.ToLower(f)
			if f == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
		}
	}
	return out
}

func clampSentiment(s int) int {
	switch {
	case s < MinSentiment:
		// omitted score
		return 3
	case s > MaxSentiment:
		return MaxSentiment
	}
	return s
}

func preview(s string) string {
	if r := []rune(s); len(r) > 80 {
		return string(r[:80]) + "..."
	}
	return s
}
