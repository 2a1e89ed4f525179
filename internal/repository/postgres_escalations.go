package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/models"
)

// PostgresEscalationsRepo escalations table (unique per attempt_id).
type PostgresEscalationsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresEscalationsRepo(db *sql.DB, logger *zap.Logger) *PostgresEscalationsRepo {
	return &PostgresEscalationsRepo{db: db, logger: logger}
}

func (r *PostgresEscalationsRepo) CreateEscalation(ctx context.Context, esc *models.EscalationRecord) (bool, error) {
	if esc == nil {
		return false, fmt.Errorf("escalation is required")
	}
	if esc.AttemptID == "" {
		return false, fmt.Errorf("attempt_id is required")
	}

	query := `
		INSERT INTO escalations (
			escalation_id,
			attempt_id,
			patient_id,
			priority,
			status,
			reason,
			detected_flags,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (attempt_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		esc.EscalationID,
		esc.AttemptID,
		esc.PatientID,
		esc.Priority,
		esc.Status,
		esc.Reason,
		pq.Array(esc.DetectedFlags),
		esc.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create escalation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresEscalationsRepo) ListEscalations(ctx context.Context, status string) ([]*models.EscalationRecord, error) {
	query := `
		SELECT
			escalation_id,
			attempt_id,
			patient_id,
			priority,
			status,
			reason,
			detected_flags,
			created_at,
			acknowledged_at
		FROM escalations
		WHERE ($1 = '' OR status = $1)
		ORDER BY
			CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 WHEN 'low' THEN 2 ELSE 3 END,
			created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	var out []*models.EscalationRecord
	for rows.Next() {
		var e models.EscalationRecord
		var flags pq.StringArray
		var ackAt sql.NullTime
		if err := rows.Scan(
			&e.EscalationID,
			&e.AttemptID,
			&e.PatientID,
			&e.Priority,
			&e.Status,
			&e.Reason,
			&flags,
			&e.CreatedAt,
			&ackAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		e.DetectedFlags = []string(flags)
		e.AcknowledgedAt = nullTime(ackAt)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalations: %w", err)
	}
	return out, nil
}
