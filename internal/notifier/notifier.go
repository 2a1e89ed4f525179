package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Alert escalation delivered to the care team.
type Alert struct {
	EscalationID string    `json:"escalation_id"`
	AttemptID    string    `json:"attempt_id"`
	PatientID    string    `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	Priority     string    `json:"priority"`
	Reason       string    `json:"reason"`
	Flags        []string  `json:"detected_flags,omitempty"`
	ToNumber     string    `json:"-"` // per-patient SMS recipient override
	CreatedAt    time.Time `json:"created_at"`
}

// Notifier delivers escalation alerts. Callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// TranscriptLink link to the attempt detail view.
func TranscriptLink(baseURL, attemptID string) string {
	return strings.TrimRight(baseURL, "/") + "/api/v1/calls/" + attemptID
}

// FormatMessage human-readable alert text shared by the SMS and log channels.
func FormatMessage(alert Alert, transcriptBaseURL string) string {
	name := alert.PatientName
	if name == "" {
		name = alert.PatientID
	}
	return fmt.Sprintf("PulseCall ESCALATION\nPatient: %s\nReason: %s\nTranscript: %s\nImmediate attention required.",
		name, alert.Reason, TranscriptLink(transcriptBaseURL, alert.AttemptID))
}

// Multi fans an alert out to every channel. All channels are attempted; the
// returned error joins the individual failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
