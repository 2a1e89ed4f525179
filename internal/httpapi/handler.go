package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/callflow"
	"github.com/torigood/PulseCall/internal/models"
	"github.com/torigood/PulseCall/internal/repository"
	"github.com/torigood/PulseCall/internal/scheduler"
)

// CallbackHandler applies provider webhooks.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, p models.CallbackPayload) (models.Outcome, error)
	HandleAnalytics(ctx context.Context, p models.AnalyticsPayload) (models.Outcome, error)
}

// CallTrigger places a call outside the sweep.
type CallTrigger interface {
	PlaceNow(ctx context.Context, patientID string) (string, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HandlerDeps collaborators of the HTTP handlers.
type HandlerDeps struct {
	Callbacks   CallbackHandler
	Trigger     CallTrigger
	Attempts    repository.AttemptRepository
	Escalations repository.EscalationRepository
	Patients    repository.PatientDirectory
	Checks      map[string]HealthCheck
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Handler struct {
	callbacks   CallbackHandler
	trigger     CallTrigger
	attempts    repository.AttemptRepository
	escalations repository.EscalationRepository
	patients    repository.PatientDirectory
	checks      map[string]HealthCheck
	logger      *zap.Logger
}

func NewHandler(deps HandlerDeps, logger *zap.Logger) *Handler {
	return &Handler{
		callbacks:   deps.Callbacks,
		trigger:     deps.Trigger,
		attempts:    deps.Attempts,
		escalations: deps.Escalations,
		patients:    deps.Patients,
		checks:      deps.Checks,
		logger:      logger,
	}
}

// PostCall POST /webhooks/voice/post-call
func (h *Handler) PostCall(w http.ResponseWriter, r *http.Request) {
	var payload models.CallbackPayload
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeBodyError(w, err)
		return
	}

	outcome, err := h.callbacks.HandleCallback(r.Context(), payload)
	if err != nil {
		h.writeWebhookError(w, "post-call", payload.ExternalCallID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": outcome}))
}

// Analytics POST /webhooks/voice/analytics
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	var payload models.AnalyticsPayload
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeBodyError(w, err)
		return
	}

	outcome, err := h.callbacks.HandleAnalytics(r.Context(), payload)
	if err != nil {
		h.writeWebhookError(w, "analytics", payload.ExternalCallID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": outcome}))
}

func (h *Handler) writeWebhookError(w http.ResponseWriter, hook, callID string, err error) {
	if errors.Is(err, callflow.ErrInvalidCallback) {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}
	// 5xx makes the provider redeliver; the transition is idempotent
	h.logger.Error("Webhook processing failed",
		zap.String("webhook", hook),
		zap.String("external_call_id", callID),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
}

// PlaceCall POST /api/v1/patients/{id}/calls
func (h *Handler) PlaceCall(w http.ResponseWriter, r *http.Request, patientID string) {
	attemptID, err := h.trigger.PlaceNow(r.Context(), patientID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Ok(map[string]any{"attempt_id": attemptID}))
	case errors.Is(err, scheduler.ErrPlacementFailed):
		writeJSON(w, http.StatusBadGateway, FailWith(err.Error(), map[string]any{"attempt_id": attemptID}))
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail("patient not found"))
	case errors.Is(err, scheduler.ErrCallInFlight):
		writeJSON(w, http.StatusConflict, Fail(err.Error()))
	case errors.Is(err, scheduler.ErrPatientNotMonitored):
		writeJSON(w, http.StatusUnprocessableEntity, Fail(err.Error()))
	default:
		h.logger.Error("Manual call failed", zap.String("patient_id", patientID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}

// ListCalls GET /api/v1/patients/{id}/calls?limit=N
func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request, patientID string) {
	attempts, ok := h.history(w, r, patientID, parseLimit(r.URL.Query().Get("limit"), defaultHistoryLimit, maxHistoryLimit))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": attempts, "total": len(attempts)}))
}

// ExportCalls GET /api/v1/patients/{id}/calls/export
func (h *Handler) ExportCalls(w http.ResponseWriter, r *http.Request, patientID string) {
	attempts, ok := h.history(w, r, patientID, 0)
	if !ok {
		return
	}

	excelData, err := GenerateCallHistoryExport(attempts)
	if err != nil {
		h.logger.Error("Failed to build call history export", zap.String("patient_id", patientID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	filename := fmt.Sprintf("calls-%s-%s.xlsx", patientID, time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(excelData)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, patientID string, limit int) ([]*models.CallAttempt, bool) {
	if _, err := h.patients.GetPatient(r.Context(), patientID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("patient not found"))
		} else {
			h.logger.Error("Failed to load patient", zap.String("patient_id", patientID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
		}
		return nil, false
	}

	attempts, err := h.attempts.ListAttempts(r.Context(), patientID, limit)
	if err != nil {
		h.logger.Error("Failed to list attempts", zap.String("patient_id", patientID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
		return nil, false
	}
	if attempts == nil {
		attempts = []*models.CallAttempt{}
	}
	return attempts, true
}

// GetCall GET /api/v1/calls/{attempt_id}
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request, attemptID string) {
	a, err := h.attempts.GetAttempt(r.Context(), attemptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("call not found"))
			return
		}
		h.logger.Error("Failed to load attempt", zap.String("attempt_id", attemptID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(a))
}

// ListEscalations GET /api/v1/escalations?status=open|acknowledged
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.EscalationOpen, models.EscalationAcknowledged:
	default:
		writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("unknown status %q", status)))
		return
	}

	list, err := h.escalations.ListEscalations(r.Context(), status)
	if err != nil {
		h.logger.Error("Failed to list escalations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
		return
	}
	if list == nil {
		list = []*models.EscalationRecord{}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": list, "total": len(list)}))
}

// Health GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := map[string]string{}
	healthy := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, FailWith("unhealthy", map[string]any{"status": "degraded", "checks": checks}))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok", "checks": checks}))
}
