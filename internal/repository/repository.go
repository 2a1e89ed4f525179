package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/torigood/PulseCall/internal/models"
)

var (
	// ErrNotFound the record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate a unique key (attempt id, external call id) already exists
	ErrDuplicate = errors.New("duplicate")
	// ErrNoChange returned by an update closure to leave the record untouched
	ErrNoChange = errors.New("no change")
)

// AttemptMutator mutates a private copy of an attempt inside an atomic
// read-modify-write. It must not perform I/O.
type AttemptMutator func(a *models.CallAttempt) error

// AttemptRepository call attempt store. Mutations to one attempt are serialized.
type AttemptRepository interface {
	// CreateAttempt inserts a new attempt; ErrDuplicate on id or external id clash.
	CreateAttempt(ctx context.Context, attempt *models.CallAttempt) error

	GetAttempt(ctx context.Context, attemptID string) (*models.CallAttempt, error)
	GetAttemptByExternalCallID(ctx context.Context, externalCallID string) (*models.CallAttempt, error)

	// LatestAttempt returns the newest attempt for the patient, or nil when none exists.
	LatestAttempt(ctx context.Context, patientID string) (*models.CallAttempt, error)

	// ListAttempts returns attempts newest first; limit <= 0 means all.
	ListAttempts(ctx context.Context, patientID string, limit int) ([]*models.CallAttempt, error)

	// UpdateAttempt applies fn atomically and returns the stored result.
	// If fn returns ErrNoChange the current record is returned with a nil error.
	UpdateAttempt(ctx context.Context, attemptID string, fn AttemptMutator) (*models.CallAttempt, error)

	// AttachAnalysis stores transcript analysis on a completed attempt.
	AttachAnalysis(ctx context.Context, attemptID string, analysis models.Analysis) error
}

// EscalationRepository escalation store
type EscalationRepository interface {
	// CreateEscalation inserts the record unless one already exists for the
	// same attempt; created reports whether a new row was written.
	CreateEscalation(ctx context.Context, esc *models.EscalationRecord) (created bool, err error)

	// ListEscalations returns escalations ordered by priority then creation
	// time. An empty status lists all.
	ListEscalations(ctx context.Context, status string) ([]*models.EscalationRecord, error)
}

// PatientDirectory read-only patient lookup
type PatientDirectory interface {
	ListMonitored(ctx context.Context) ([]*models.Patient, error)
	GetPatient(ctx context.Context, patientID string) (*models.Patient, error)
}

// checkTransition validates a mutated attempt against the stored one.
func checkTransition(before, after *models.CallAttempt) error {
	if after.AttemptID != before.AttemptID || after.PatientID != before.PatientID {
		return fmt.Errorf("attempt identity cannot change")
	}
	if before.State.IsTerminal() {
		return fmt.Errorf("attempt %s is terminal (%s)", before.AttemptID, before.State)
	}
	if after.RetryCount < before.RetryCount {
		return fmt.Errorf("retry_count cannot decrease: %d -> %d", before.RetryCount, after.RetryCount)
	}
	if after.MaxRetries != before.MaxRetries {
		return fmt.Errorf("max_retries is fixed at creation")
	}
	return after.Validate()
}
