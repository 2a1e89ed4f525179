package placement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/logger"
)

// DefaultSystemPrompt used when the patient has no prompt of their own.
const DefaultSystemPrompt = "You are a caring wellness check-in agent. Your tone is warm, empathetic, " +
	"and concise. Ask one question at a time. Check on the person's wellbeing, " +
	"any pain or discomfort, and whether they need assistance."

// Webhook paths the provider reports back to.
const (
	PostCallWebhookPath  = "/webhooks/voice/post-call"
	AnalyticsWebhookPath = "/webhooks/voice/analytics"
)

// ErrNoCallID the provider accepted the request but returned no call id.
var ErrNoCallID = errors.New("provider response carried no call id")

// Placer places an outbound call and returns the provider's call id.
type Placer interface {
	Place(ctx context.Context, req Request) (string, error)
}

// Request one outbound check-in call.
type Request struct {
	PatientID    string
	PatientName  string
	Phone        string
	SystemPrompt string
	VoiceID      string
	CampaignID   string
}

// Config voice provider settings. An empty APIKey runs in mock mode.
type Config struct {
	BaseURL        string
	APIKey         string
	WebhookBaseURL string
	DefaultVoiceID string
	Timeout        time.Duration
}

type outboundRequest struct {
	PhoneNumber         string           `json:"phone_number"`
	SystemPrompt        string           `json:"system_prompt"`
	VoiceID             string           `json:"voice_id,omitempty"`
	WebhookURL          string           `json:"webhook_url"`
	AnalyticsWebhookURL string           `json:"analytics_webhook_url"`
	Metadata            outboundMetadata `json:"metadata"`
}

type outboundMetadata struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	CampaignID string `json:"campaign_id"`
}

type outboundResponse struct {
	CallID string `json:"call_id"`
	ID     string `json:"id"`
}

// Client voice provider REST client
type Client struct {
	httpClient *resty.Client
	cfg        Config
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// no client retries: a timed-out POST may still have dialed the patient
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}
}

// MockMode reports whether calls are simulated.
func (c *Client) MockMode() bool {
	return c.cfg.APIKey == ""
}

func (c *Client) Place(ctx context.Context, req Request) (string, error) {
	if c.MockMode() {
		callID := "mock_call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
		c.logger.Warn("Mock call placed, no provider key configured",
			zap.String("patient_id", req.PatientID),
			logger.Phone("phone", req.Phone),
			zap.String("call_id", callID),
		)
		return callID, nil
	}

	body := c.buildRequest(req)

	var result outboundResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/calls/outbound")
	if err != nil {
		c.logger.Error("Voice provider call failed",
			zap.String("patient_id", req.PatientID),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to place outbound call: %w", err)
	}
	if resp.IsError() {
		c.logger.Error("Voice provider returned error",
			zap.String("patient_id", req.PatientID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return "", fmt.Errorf("voice provider error: status %d", resp.StatusCode())
	}

	callID := result.CallID
	if callID == "" {
		callID = result.ID
	}
	if callID == "" {
		return "", ErrNoCallID
	}

	c.logger.Info("Outbound call placed",
		zap.String("patient_id", req.PatientID),
		zap.String("call_id", callID),
	)
	return callID, nil
}

func (c *Client) buildRequest(req Request) outboundRequest {
	prompt := req.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = c.cfg.DefaultVoiceID
	}
	base := strings.TrimRight(c.cfg.WebhookBaseURL, "/")

	return outboundRequest{
		PhoneNumber:         req.Phone,
		SystemPrompt:        prompt,
		VoiceID:             voiceID,
		WebhookURL:          base + PostCallWebhookPath,
		AnalyticsWebhookURL: base + AnalyticsWebhookPath,
		Metadata: outboundMetadata{
			UserID:     req.PatientID,
			UserName:   req.PatientName,
			CampaignID: req.CampaignID,
		},
	}
}
