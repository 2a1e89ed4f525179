package callflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/analyzer"
	"github.com/torigood/PulseCall/internal/clock"
	"github.com/torigood/PulseCall/internal/logger"
	"github.com/torigood/PulseCall/internal/models"
	"github.com/torigood/PulseCall/internal/notifier"
	"github.com/torigood/PulseCall/internal/repository"
	"github.com/torigood/PulseCall/internal/triage"
)

// Fixed retry delays outside triage.
const (
	PlacementRetryDelay   = 5 * time.Minute  // provider unreachable or rejected the call
	CallFailureRetryDelay = 10 * time.Minute // busy, no answer, failed
)

// SignalMaxRetries flag recorded on escalations caused by retry exhaustion.
const SignalMaxRetries = "max_retries_exceeded"

var (
	// ErrInvalidCallback the callback cannot be attributed to a call.
	ErrInvalidCallback = errors.New("invalid callback")
	// ErrUnsupportedStatus the provider reported a call status we do not handle.
	ErrUnsupportedStatus = errors.New("unsupported call status")
)

// Deps collaborators of the state machine.
type Deps struct {
	Attempts    repository.AttemptRepository
	Escalations repository.EscalationRepository
	Patients    repository.PatientDirectory
	Notifier    notifier.Notifier
	Analyzer    analyzer.Analyzer
	Clock       clock.Clock
}

// Machine applies every call attempt transition. Each transition is one
// atomic UpdateAttempt; notifications and transcript analysis run after the
// update has committed.
type Machine struct {
	attempts    repository.AttemptRepository
	escalations repository.EscalationRepository
	patients    repository.PatientDirectory
	notifier    notifier.Notifier
	analyzer    analyzer.Analyzer
	clock       clock.Clock
	maxRetries  int
	// budget for post-commit work (analysis, escalation, alerts)
	sideEffectTimeout time.Duration
	logger            *zap.Logger
}

func NewMachine(deps Deps, maxRetries int, logger *zap.Logger) *Machine {
	m := &Machine{
		attempts:          deps.Attempts,
		escalations:       deps.Escalations,
		patients:          deps.Patients,
		notifier:          deps.Notifier,
		analyzer:          deps.Analyzer,
		clock:             deps.Clock,
		maxRetries:        maxRetries,
		sideEffectTimeout: 30 * time.Second,
		logger:            logger,
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.analyzer == nil {
		m.analyzer = analyzer.FallbackAnalyzer{}
	}
	if m.notifier == nil {
		m.notifier = notifier.NewLogNotifier(logger, "")
	}
	if m.maxRetries < 1 {
		m.maxRetries = 1
	}
	return m
}

// MaxRetries retry budget given to new attempts.
func (m *Machine) MaxRetries() int {
	return m.maxRetries
}

// NewAttempt builds a PENDING attempt. carriedRetries is clamped below the
// retry budget so the record is valid.
func (m *Machine) NewAttempt(patientID string, carriedRetries int) *models.CallAttempt {
	if carriedRetries < 0 {
		carriedRetries = 0
	}
	if carriedRetries > m.maxRetries-1 {
		carriedRetries = m.maxRetries - 1
	}
	now := m.clock.Now()
	return &models.CallAttempt{
		AttemptID:  uuid.New().String(),
		PatientID:  patientID,
		State:      models.CallStatePending,
		RetryCount: carriedRetries,
		MaxRetries: m.maxRetries,
		CreatedAt:  now,
	}
}

// PlacementSucceeded attaches the provider call id to a pending attempt.
func (m *Machine) PlacementSucceeded(ctx context.Context, attemptID, externalCallID string) (*models.CallAttempt, error) {
	now := m.clock.Now()
	updated, err := m.attempts.UpdateAttempt(ctx, attemptID, func(a *models.CallAttempt) error {
		if a.State != models.CallStatePending {
			return repository.ErrNoChange
		}
		a.ExternalCallID = models.StringPtr(externalCallID)
		if a.StartedAt == nil {
			a.StartedAt = &now
		}
		return nil
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// the callback won the race and opened its own attempt for this call
		owner, lookupErr := m.attempts.GetAttemptByExternalCallID(ctx, externalCallID)
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to resolve owner of call %s: %w", externalCallID, lookupErr)
		}
		m.logger.Warn("Call already tracked by a callback-created attempt, closing placeholder",
			zap.String("attempt_id", attemptID),
			zap.String("owner_attempt_id", owner.AttemptID),
			zap.String("external_call_id", externalCallID),
		)
		return m.Supersede(ctx, attemptID, owner.AttemptID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record placement: %w", err)
	}
	return updated, nil
}

// PlacementFailed moves a pending attempt to BUSY_RETRY without spending a retry.
func (m *Machine) PlacementFailed(ctx context.Context, attemptID string, cause error) (*models.CallAttempt, error) {
	now := m.clock.Now()
	updated, err := m.attempts.UpdateAttempt(ctx, attemptID, func(a *models.CallAttempt) error {
		if a.State != models.CallStatePending {
			return repository.ErrNoChange
		}
		next := now.Add(PlacementRetryDelay)
		a.State = models.CallStateBusyRetry
		a.NextRetryAt = &next
		a.TriageReason = models.StringPtr(fmt.Sprintf("Call placement failed: %v", cause))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record placement failure: %w", err)
	}

	m.logger.Warn("Call placement failed, retry scheduled",
		zap.String("attempt_id", attemptID),
		zap.String("patient_id", updated.PatientID),
		zap.Timep("next_retry_at", updated.NextRetryAt),
		zap.Error(cause),
	)
	return updated, nil
}

// HandleCallback applies a post-call webhook and returns the outcome token.
func (m *Machine) HandleCallback(ctx context.Context, p models.CallbackPayload) (models.Outcome, error) {
	if strings.TrimSpace(p.ExternalCallID) == "" {
		return "", fmt.Errorf("%w: call_id is required", ErrInvalidCallback)
	}
	status := strings.ToLower(strings.TrimSpace(p.Status))
	if !supportedStatus(status) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedStatus, p.Status)
	}

	attempt, err := m.resolveAttempt(ctx, p)
	if err != nil {
		return "", err
	}
	// only a placed call awaiting its result accepts a status
	if attempt.State != models.CallStatePending {
		logger.ForAttempt(m.logger, attempt).Info("Callback for settled attempt ignored",
			zap.String("state", string(attempt.State)),
			zap.String("status", status),
		)
		return models.OutcomeAlreadyProcessed, nil
	}

	switch status {
	case models.CallStatusBusy, models.CallStatusNoAnswer, models.CallStatusFailed:
		return m.callNotAnswered(ctx, attempt.AttemptID, status)
	case models.CallStatusCompleted:
		return m.callCompleted(ctx, attempt.AttemptID, p)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedStatus, p.Status)
	}
}

func supportedStatus(status string) bool {
	switch status {
	case models.CallStatusBusy, models.CallStatusNoAnswer, models.CallStatusFailed, models.CallStatusCompleted:
		return true
	}
	return false
}

// HandleAnalytics applies the provider's post-processing callback; it always
// describes an answered call.
func (m *Machine) HandleAnalytics(ctx context.Context, p models.AnalyticsPayload) (models.Outcome, error) {
	return m.HandleCallback(ctx, p.AsCallback())
}

func (m *Machine) callNotAnswered(ctx context.Context, attemptID, status string) (models.Outcome, error) {
	now := m.clock.Now()
	transitioned := false
	updated, err := m.attempts.UpdateAttempt(ctx, attemptID, func(a *models.CallAttempt) error {
		transitioned = false
		if a.State != models.CallStatePending {
			return repository.ErrNoChange
		}
		transitioned = true
		a.EndedAt = &now
		scheduleRetry(a, now, CallFailureRetryDelay, lastTriage(a, strings.ToUpper(status)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to apply %s callback: %w", status, err)
	}
	if !transitioned {
		return models.OutcomeAlreadyProcessed, nil
	}
	return m.afterRetryDecision(ctx, updated, status), nil
}

func (m *Machine) callCompleted(ctx context.Context, attemptID string, p models.CallbackPayload) (models.Outcome, error) {
	result := triage.Classify(p.Metrics, p.Transcript, p.Emotions)
	now := m.clock.Now()

	transitioned := false
	updated, err := m.attempts.UpdateAttempt(ctx, attemptID, func(a *models.CallAttempt) error {
		transitioned = false
		if a.State != models.CallStatePending {
			return repository.ErrNoChange
		}
		transitioned = true
		a.TriageClassification = models.StringPtr(string(result.Classification))
		a.TriageReason = models.StringPtr(result.Reason)
		a.EndedAt = &now

		switch result.Action {
		case models.ActionImmediateEscalation:
			a.State = models.CallStateEscalated
			a.EscalationReason = models.StringPtr(result.Reason)
			a.NextRetryAt = nil
		case models.ActionScheduleRetry:
			scheduleRetry(a, now, time.Duration(*result.RetryDelayMinutes)*time.Minute, string(result.Classification))
		case models.ActionAnalyzeTranscript:
			a.State = models.CallStateCompleted
			a.NextRetryAt = nil
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to apply completed callback: %w", err)
	}
	if !transitioned {
		return models.OutcomeAlreadyProcessed, nil
	}

	logger.ForAttempt(m.logger, updated).Info("Call triaged",
		zap.String("classification", string(result.Classification)),
		zap.String("action", string(result.Action)),
		zap.String("state", string(updated.State)),
	)

	switch {
	case result.Escalate:
		m.raiseEscalation(ctx, updated, models.PriorityHigh, result.Reason, result.Signals)
		return models.OutcomeEscalated, nil
	case updated.State == models.CallStateCompleted:
		m.analyzeTranscript(ctx, updated, p.Transcript)
		return models.OutcomeCompleted, nil
	default:
		return m.afterRetryDecision(ctx, updated, string(result.Classification)), nil
	}
}

// afterRetryDecision raises the exhaustion escalation when scheduleRetry ran out.
func (m *Machine) afterRetryDecision(ctx context.Context, a *models.CallAttempt, trigger string) models.Outcome {
	if a.State == models.CallStateEscalated {
		reason := ""
		if a.EscalationReason != nil {
			reason = *a.EscalationReason
		}
		logger.ForAttempt(m.logger, a).Warn("Retries exhausted, escalating",
			zap.String("trigger", trigger),
		)
		m.raiseEscalation(ctx, a, models.PriorityHigh, reason, []string{SignalMaxRetries})
		return models.OutcomeEscalated
	}
	logger.ForAttempt(m.logger, a).Info("Retry scheduled",
		zap.String("state", string(a.State)),
		zap.Timep("next_retry_at", a.NextRetryAt),
		zap.String("trigger", trigger),
	)
	return models.OutcomeRetryScheduled
}

// ForceEscalate closes an open attempt as ESCALATED and alerts.
func (m *Machine) ForceEscalate(ctx context.Context, attemptID, reason string) (*models.CallAttempt, error) {
	now := m.clock.Now()
	transitioned := false
	updated, err := m.attempts.UpdateAttempt(ctx, attemptID, func(a *models.CallAttempt) error {
		transitioned = false
		if a.State.IsTerminal() {
			return repository.ErrNoChange
		}
		transitioned = true
		a.State = models.CallStateEscalated
		a.EscalationReason = models.StringPtr(reason)
		a.NextRetryAt = nil
		a.EndedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to escalate attempt: %w", err)
	}
	if transitioned {
		m.raiseEscalation(ctx, updated, models.PriorityHigh, reason, []string{SignalMaxRetries})
	}
	return updated, nil
}

// Supersede closes an open attempt that a newer attempt replaces.
func (m *Machine) Supersede(ctx context.Context, attemptID, nextAttemptID string) (*models.CallAttempt, error) {
	now := m.clock.Now()
	updated, err := m.attempts.UpdateAttempt(ctx, attemptID, func(a *models.CallAttempt) error {
		if a.State.IsTerminal() {
			return repository.ErrNoChange
		}
		a.State = models.CallStateCompleted
		a.SupersededBy = models.StringPtr(nextAttemptID)
		a.NextRetryAt = nil
		a.EndedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to supersede attempt: %w", err)
	}
	return updated, nil
}

// resolveAttempt finds the attempt for a callback, creating one for a call we
// never recorded (the callback raced placement bookkeeping, or a restart lost it).
func (m *Machine) resolveAttempt(ctx context.Context, p models.CallbackPayload) (*models.CallAttempt, error) {
	a, err := m.attempts.GetAttemptByExternalCallID(ctx, p.ExternalCallID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up call %s: %w", p.ExternalCallID, err)
	}
	if strings.TrimSpace(p.PatientID) == "" {
		return nil, fmt.Errorf("%w: unknown call_id %s without user_id", ErrInvalidCallback, p.ExternalCallID)
	}

	prev, err := m.attempts.LatestAttempt(ctx, p.PatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest attempt: %w", err)
	}
	carried := 0
	if prev != nil {
		carried = prev.RetryCount
	}

	created := m.NewAttempt(p.PatientID, carried)
	created.ExternalCallID = models.StringPtr(p.ExternalCallID)
	created.StartedAt = models.TimePtr(created.CreatedAt)

	if err := m.attempts.CreateAttempt(ctx, created); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// concurrent delivery of the same callback
			return m.attempts.GetAttemptByExternalCallID(ctx, p.ExternalCallID)
		}
		return nil, fmt.Errorf("failed to create attempt for unknown call: %w", err)
	}

	logger.ForAttempt(m.logger, created).Warn("Callback for unknown call, attempt created")

	// keep a single open attempt per patient
	if prev != nil && prev.State.IsRetry() {
		if _, err := m.Supersede(ctx, prev.AttemptID, created.AttemptID); err != nil {
			m.logger.Error("Failed to supersede previous attempt",
				zap.String("attempt_id", prev.AttemptID),
				zap.Error(err),
			)
		}
	}
	return created, nil
}

// scheduleRetry spends one retry: either a retry state with next_retry_at or,
// when the budget is gone, ESCALATED.
func scheduleRetry(a *models.CallAttempt, now time.Time, delay time.Duration, classification string) {
	a.RetryCount++
	if a.RetryCount >= a.MaxRetries {
		a.State = models.CallStateEscalated
		a.EscalationReason = models.StringPtr(fmt.Sprintf("max retries exceeded, last triage: %s", classification))
		a.NextRetryAt = nil
		a.EndedAt = &now
		return
	}
	next := now.Add(delay)
	a.NextRetryAt = &next
	if models.Classification(classification).IsSilence() {
		a.State = models.CallStateSilentRetry
	} else {
		a.State = models.CallStateBusyRetry
	}
}

func lastTriage(a *models.CallAttempt, fallback string) string {
	if a.TriageClassification != nil && *a.TriageClassification != "" {
		return *a.TriageClassification
	}
	return fallback
}
