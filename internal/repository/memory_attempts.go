package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/torigood/PulseCall/internal/models"
)

// MemoryAttemptsRepo in-process attempt arena for local runs and tests.
// Attempts are addressed by id; each record has its own mutex so updates to
// different attempts never contend.
type MemoryAttemptsRepo struct {
	mu         sync.RWMutex
	entries    map[string]*attemptEntry
	byExternal map[string]string   // external call id -> attempt id
	byPatient  map[string][]string // patient id -> attempt ids in creation order

	now func() time.Time
}

type attemptEntry struct {
	mu  sync.Mutex
	rec *models.CallAttempt
}

func NewMemoryAttemptsRepo() *MemoryAttemptsRepo {
	return &MemoryAttemptsRepo{
		entries:    map[string]*attemptEntry{},
		byExternal: map[string]string{},
		byPatient:  map[string][]string{},
		now:        time.Now,
	}
}

func (r *MemoryAttemptsRepo) CreateAttempt(_ context.Context, attempt *models.CallAttempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}
	if err := attempt.Validate(); err != nil {
		return fmt.Errorf("invalid attempt: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[attempt.AttemptID]; ok {
		return fmt.Errorf("attempt %s: %w", attempt.AttemptID, ErrDuplicate)
	}
	if attempt.ExternalCallID != nil {
		if _, ok := r.byExternal[*attempt.ExternalCallID]; ok {
			return fmt.Errorf("external call %s: %w", *attempt.ExternalCallID, ErrDuplicate)
		}
	}

	rec := attempt.Clone()
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	r.entries[rec.AttemptID] = &attemptEntry{rec: rec}
	if rec.ExternalCallID != nil {
		r.byExternal[*rec.ExternalCallID] = rec.AttemptID
	}
	r.byPatient[rec.PatientID] = append(r.byPatient[rec.PatientID], rec.AttemptID)
	return nil
}

func (r *MemoryAttemptsRepo) entry(attemptID string) (*attemptEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[attemptID]
	return e, ok
}

func (r *MemoryAttemptsRepo) GetAttempt(_ context.Context, attemptID string) (*models.CallAttempt, error) {
	e, ok := r.entry(attemptID)
	if !ok {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

func (r *MemoryAttemptsRepo) GetAttemptByExternalCallID(ctx context.Context, externalCallID string) (*models.CallAttempt, error) {
	r.mu.RLock()
	id, ok := r.byExternal[externalCallID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("external call %s: %w", externalCallID, ErrNotFound)
	}
	return r.GetAttempt(ctx, id)
}

func (r *MemoryAttemptsRepo) LatestAttempt(ctx context.Context, patientID string) (*models.CallAttempt, error) {
	list, err := r.ListAttempts(ctx, patientID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (r *MemoryAttemptsRepo) ListAttempts(_ context.Context, patientID string, limit int) ([]*models.CallAttempt, error) {
	r.mu.RLock()
	ids := append([]string(nil), r.byPatient[patientID]...)
	entries := make([]*attemptEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	out := make([]*models.CallAttempt, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.Clone())
		e.mu.Unlock()
	}

	// newest first; creation order breaks ties
	order := make(map[string]int, len(ids))
	for i, id := range ids {
		order[id] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return order[out[i].AttemptID] > order[out[j].AttemptID]
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryAttemptsRepo) UpdateAttempt(_ context.Context, attemptID string, fn AttemptMutator) (*models.CallAttempt, error) {
	e, ok := r.entry(attemptID)
	if !ok {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.rec.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return e.rec.Clone(), nil
		}
		return nil, err
	}
	if err := checkTransition(e.rec, next); err != nil {
		return nil, fmt.Errorf("rejected update of attempt %s: %w", attemptID, err)
	}

	if next.ExternalCallID != nil && (e.rec.ExternalCallID == nil || *e.rec.ExternalCallID != *next.ExternalCallID) {
		r.mu.Lock()
		if owner, taken := r.byExternal[*next.ExternalCallID]; taken && owner != attemptID {
			r.mu.Unlock()
			return nil, fmt.Errorf("external call %s: %w", *next.ExternalCallID, ErrDuplicate)
		}
		r.byExternal[*next.ExternalCallID] = attemptID
		r.mu.Unlock()
	}

	next.UpdatedAt = r.now()
	e.rec = next
	return next.Clone(), nil
}

func (r *MemoryAttemptsRepo) AttachAnalysis(_ context.Context, attemptID string, analysis models.Analysis) error {
	e, ok := r.entry(attemptID)
	if !ok {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.State != models.CallStateCompleted {
		return fmt.Errorf("analysis can only be attached to a completed attempt, state=%s", e.rec.State)
	}
	score := analysis.SentimentScore
	e.rec.Summary = models.StringPtr(analysis.Summary)
	e.rec.SentimentScore = &score
	e.rec.DetectedFlags = append([]string{}, analysis.DetectedFlags...)
	e.rec.RecommendedAction = models.StringPtr(analysis.RecommendedAction)
	e.rec.UpdatedAt = r.now()
	return nil
}
