package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/torigood/PulseCall/internal/models"
)

// MemoryEscalationsRepo in-process escalation store, unique per attempt.
type MemoryEscalationsRepo struct {
	mu        sync.RWMutex
	records   []*models.EscalationRecord
	byAttempt map[string]bool
}

func NewMemoryEscalationsRepo() *MemoryEscalationsRepo {
	return &MemoryEscalationsRepo{byAttempt: map[string]bool{}}
}

func (r *MemoryEscalationsRepo) CreateEscalation(_ context.Context, esc *models.EscalationRecord) (bool, error) {
	if esc == nil {
		return false, fmt.Errorf("escalation is required")
	}
	if esc.AttemptID == "" {
		return false, fmt.Errorf("attempt_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byAttempt[esc.AttemptID] {
		return false, nil
	}
	c := *esc
	c.DetectedFlags = append([]string{}, esc.DetectedFlags...)
	r.records = append(r.records, &c)
	r.byAttempt[esc.AttemptID] = true
	return true, nil
}

func (r *MemoryEscalationsRepo) ListEscalations(_ context.Context, status string) ([]*models.EscalationRecord, error) {
	r.mu.RLock()
	out := make([]*models.EscalationRecord, 0, len(r.records))
	for _, rec := range r.records {
		if status != "" && rec.Status != status {
			continue
		}
		c := *rec
		out = append(out, &c)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := models.PriorityRank(out[i].Priority), models.PriorityRank(out[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
