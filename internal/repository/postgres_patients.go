package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/models"
)

// PostgresPatientDirectory read-only view of the patients table
type PostgresPatientDirectory struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresPatientDirectory(db *sql.DB, logger *zap.Logger) *PostgresPatientDirectory {
	return &PostgresPatientDirectory{db: db, logger: logger}
}

const patientColumns = `
	patient_id,
	name,
	phone,
	status,
	COALESCE(system_prompt, ''),
	COALESCE(voice_id, ''),
	escalation_keywords,
	COALESCE(escalation_phone, '')`

func scanPatient(row rowScanner) (*models.Patient, error) {
	var p models.Patient
	var keywords pq.StringArray
	if err := row.Scan(
		&p.PatientID,
		&p.Name,
		&p.Phone,
		&p.Status,
		&p.SystemPrompt,
		&p.VoiceID,
		&keywords,
		&p.EscalationPhone,
	); err != nil {
		return nil, err
	}
	p.EscalationKeywords = []string(keywords)
	return &p, nil
}

func (d *PostgresPatientDirectory) ListMonitored(ctx context.Context) ([]*models.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE status IN ($1, $2) ORDER BY patient_id`
	rows, err := d.db.QueryContext(ctx, query, models.PatientStatusConfirmed, models.PatientStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored patients: %w", err)
	}
	defer rows.Close()

	var out []*models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patients: %w", err)
	}
	return out, nil
}

func (d *PostgresPatientDirectory) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE patient_id = $1`
	p, err := scanPatient(d.db.QueryRowContext(ctx, query, patientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return p, nil
}
