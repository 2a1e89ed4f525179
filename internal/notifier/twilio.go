package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/logger"
)

// TwilioConfig SMS gateway settings.
type TwilioConfig struct {
	BaseURL           string
	AccountSID        string
	AuthToken         string
	FromNumber        string
	ToNumber          string // default recipient
	TranscriptBaseURL string
}

// Configured reports whether credentials and a sender are present.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

type twilioMessage struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// TwilioNotifier sends the alert as an SMS through the Twilio REST API.
type TwilioNotifier struct {
	httpClient *resty.Client
	cfg        TwilioConfig
	logger     *zap.Logger
}

func NewTwilioNotifier(cfg TwilioConfig, logger *zap.Logger) *TwilioNotifier {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.twilio.com"
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(15*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1*time.Second).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetHeader("Accept", "application/json")

	return &TwilioNotifier{httpClient: httpClient, cfg: cfg, logger: logger}
}

func (n *TwilioNotifier) Notify(ctx context.Context, alert Alert) error {
	to := alert.ToNumber
	if to == "" {
		to = n.cfg.ToNumber
	}
	body := FormatMessage(alert, n.cfg.TranscriptBaseURL)
	if to == "" {
		n.logger.Warn("No SMS recipient configured, alert logged only",
			zap.String("attempt_id", alert.AttemptID),
			zap.String("message", body),
		)
		return nil
	}

	var result twilioMessage
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   to,
			"From": n.cfg.FromNumber,
			"Body": body,
		}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", n.cfg.AccountSID))
	if err != nil {
		return fmt.Errorf("failed to send escalation SMS: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("twilio error: status %d code %d: %s", resp.StatusCode(), result.Code, result.Message)
	}

	n.logger.Info("Escalation SMS sent",
		zap.String("sid", result.SID),
		logger.Phone("to", to),
		zap.String("attempt_id", alert.AttemptID),
	)
	return nil
}
