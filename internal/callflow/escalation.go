package callflow

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/analyzer"
	"github.com/torigood/PulseCall/internal/models"
	"github.com/torigood/PulseCall/internal/notifier"
)

// sideEffectContext detaches post-commit work from the caller's cancellation:
// a dropped webhook connection must not lose an alert.
func (m *Machine) sideEffectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.sideEffectTimeout)
}

// raiseEscalation records the escalation once per attempt and alerts the care
// team. Failures are logged; the transition has already been committed.
func (m *Machine) raiseEscalation(ctx context.Context, a *models.CallAttempt, priority, reason string, signals []string) {
	ctx, cancel := m.sideEffectContext(ctx)
	defer cancel()

	rec := &models.EscalationRecord{
		EscalationID:  uuid.New().String(),
		AttemptID:     a.AttemptID,
		PatientID:     a.PatientID,
		Priority:      priority,
		Status:        models.EscalationOpen,
		Reason:        reason,
		DetectedFlags: append([]string{}, signals...),
		CreatedAt:     m.clock.Now(),
	}

	created, err := m.escalations.CreateEscalation(ctx, rec)
	if err != nil {
		// alert anyway
		m.logger.Error("Failed to store escalation record",
			zap.String("attempt_id", a.AttemptID),
			zap.Error(err),
		)
	} else if !created {
		m.logger.Info("Escalation already recorded for attempt", zap.String("attempt_id", a.AttemptID))
		return
	}

	alert := notifier.Alert{
		EscalationID: rec.EscalationID,
		AttemptID:    a.AttemptID,
		PatientID:    a.PatientID,
		Priority:     priority,
		Reason:       reason,
		Flags:        rec.DetectedFlags,
		CreatedAt:    rec.CreatedAt,
	}
	if p, err := m.patients.GetPatient(ctx, a.PatientID); err == nil {
		alert.PatientName = p.Name
		alert.ToNumber = p.EscalationPhone
	} else {
		m.logger.Warn("Patient lookup failed for alert", zap.String("patient_id", a.PatientID), zap.Error(err))
	}

	if err := m.notifier.Notify(ctx, alert); err != nil {
		m.logger.Error("Escalation notification failed",
			zap.String("attempt_id", a.AttemptID),
			zap.String("patient_id", a.PatientID),
			zap.Error(err),
		)
		return
	}
	m.logger.Warn("Patient escalated",
		zap.String("attempt_id", a.AttemptID),
		zap.String("patient_id", a.PatientID),
		zap.String("priority", priority),
		zap.String("reason", reason),
	)
}

// analyzeTranscript annotates a completed attempt and escalates on flags.
func (m *Machine) analyzeTranscript(ctx context.Context, a *models.CallAttempt, transcript []models.TranscriptSegment) {
	ctx, cancel := m.sideEffectContext(ctx)
	defer cancel()

	var keywords []string
	if p, err := m.patients.GetPatient(ctx, a.PatientID); err == nil {
		keywords = p.EscalationKeywords
	} else {
		m.logger.Warn("Patient lookup failed, analyzing without keywords",
			zap.String("patient_id", a.PatientID),
			zap.Error(err),
		)
	}

	analysis, err := m.analyzer.Analyze(ctx, transcript, keywords)
	if err != nil {
		m.logger.Warn("Transcript analyzer failed, using local fallback",
			zap.String("attempt_id", a.AttemptID),
			zap.Error(err),
		)
		analysis, _ = analyzer.FallbackAnalyzer{}.Analyze(ctx, transcript, keywords)
	}

	if err := m.attempts.AttachAnalysis(ctx, a.AttemptID, analysis); err != nil {
		m.logger.Error("Failed to store transcript analysis",
			zap.String("attempt_id", a.AttemptID),
			zap.Error(err),
		)
	}

	if len(analysis.DetectedFlags) == 0 {
		return
	}
	m.raiseEscalation(ctx, a,
		analyzer.Priority(analysis.SentimentScore),
		analyzer.EscalationReason(analysis.DetectedFlags),
		analysis.DetectedFlags,
	)
}
