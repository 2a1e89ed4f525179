package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/torigood/PulseCall/internal/models"
)

// MemoryPatientDirectory patient directory used when the DB is disabled.
type MemoryPatientDirectory struct {
	mu       sync.RWMutex
	patients map[string]*models.Patient
}

func NewMemoryPatientDirectory(patients ...*models.Patient) *MemoryPatientDirectory {
	d := &MemoryPatientDirectory{patients: map[string]*models.Patient{}}
	for _, p := range patients {
		d.Put(p)
	}
	return d
}

// Put inserts or replaces a patient (seeding and tests).
func (d *MemoryPatientDirectory) Put(p *models.Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := *p
	d.patients[p.PatientID] = &c
}

func (d *MemoryPatientDirectory) ListMonitored(_ context.Context) ([]*models.Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*models.Patient, 0, len(d.patients))
	for _, p := range d.patients {
		if p.IsMonitored() {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

func (d *MemoryPatientDirectory) GetPatient(_ context.Context, patientID string) (*models.Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
	}
	c := *p
	return &c, nil
}
