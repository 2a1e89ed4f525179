package notifier

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes the alert to the service log. Used when no SMS gateway
// is configured.
type LogNotifier struct {
	logger            *zap.Logger
	transcriptBaseURL string
}

func NewLogNotifier(logger *zap.Logger, transcriptBaseURL string) *LogNotifier {
	return &LogNotifier{logger: logger, transcriptBaseURL: transcriptBaseURL}
}

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	to := alert.ToNumber
	if to == "" {
		to = "NO_NUMBER"
	}
	n.logger.Warn("Escalation alert (log only)",
		zap.String("to", to),
		zap.String("patient_id", alert.PatientID),
		zap.String("attempt_id", alert.AttemptID),
		zap.String("priority", alert.Priority),
		zap.String("message", FormatMessage(alert, n.transcriptBaseURL)),
	)
	return nil
}
