package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/models"
)

// PostgresAttemptsRepo call_attempts table. Updates run in a transaction that
// holds the row lock (SELECT ... FOR UPDATE) for the read-modify-write.
type PostgresAttemptsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresAttemptsRepo(db *sql.DB, logger *zap.Logger) *PostgresAttemptsRepo {
	return &PostgresAttemptsRepo{db: db, logger: logger}
}

const attemptColumns = `
	attempt_id,
	patient_id,
	state,
	retry_count,
	max_retries,
	external_call_id,
	triage_classification,
	triage_reason,
	escalation_reason,
	summary,
	sentiment_score,
	detected_flags,
	recommended_action,
	superseded_by,
	next_retry_at,
	started_at,
	ended_at,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*models.CallAttempt, error) {
	var a models.CallAttempt
	var state string
	var externalCallID, classification, triageReason, escalationReason sql.NullString
	var summary, recommendedAction, supersededBy sql.NullString
	var sentiment sql.NullInt64
	var flags pq.StringArray
	var nextRetryAt, startedAt, endedAt sql.NullTime

	err := row.Scan(
		&a.AttemptID,
		&a.PatientID,
		&state,
		&a.RetryCount,
		&a.MaxRetries,
		&externalCallID,
		&classification,
		&triageReason,
		&escalationReason,
		&summary,
		&sentiment,
		&flags,
		&recommendedAction,
		&supersededBy,
		&nextRetryAt,
		&startedAt,
		&endedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.State = models.CallState(state)
	a.ExternalCallID = nullString(externalCallID)
	a.TriageClassification = nullString(classification)
	a.TriageReason = nullString(triageReason)
	a.EscalationReason = nullString(escalationReason)
	a.Summary = nullString(summary)
	a.RecommendedAction = nullString(recommendedAction)
	a.SupersededBy = nullString(supersededBy)
	if sentiment.Valid {
		v := int(sentiment.Int64)
		a.SentimentScore = &v
	}
	if len(flags) > 0 {
		a.DetectedFlags = []string(flags)
	}
	a.NextRetryAt = nullTime(nextRetryAt)
	a.StartedAt = nullTime(startedAt)
	a.EndedAt = nullTime(endedAt)
	return &a, nil
}

func (r *PostgresAttemptsRepo) CreateAttempt(ctx context.Context, attempt *models.CallAttempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}
	if err := attempt.Validate(); err != nil {
		return fmt.Errorf("invalid attempt: %w", err)
	}
	now := time.Now().UTC()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = now
	}
	attempt.UpdatedAt = now

	query := `
		INSERT INTO call_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.ExecContext(ctx, query, attemptArgs(attempt)...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("attempt %s: %w", attempt.AttemptID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create call attempt: %w", err)
	}
	return nil
}

func (r *PostgresAttemptsRepo) GetAttempt(ctx context.Context, attemptID string) (*models.CallAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM call_attempts WHERE attempt_id = $1`
	a, err := scanAttempt(r.db.QueryRowContext(ctx, query, attemptID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get call attempt: %w", err)
	}
	return a, nil
}

func (r *PostgresAttemptsRepo) GetAttemptByExternalCallID(ctx context.Context, externalCallID string) (*models.CallAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM call_attempts WHERE external_call_id = $1`
	a, err := scanAttempt(r.db.QueryRowContext(ctx, query, externalCallID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("external call %s: %w", externalCallID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get call attempt by external id: %w", err)
	}
	return a, nil
}

func (r *PostgresAttemptsRepo) LatestAttempt(ctx context.Context, patientID string) (*models.CallAttempt, error) {
	list, err := r.ListAttempts(ctx, patientID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (r *PostgresAttemptsRepo) ListAttempts(ctx context.Context, patientID string, limit int) ([]*models.CallAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM call_attempts WHERE patient_id = $1 ORDER BY created_at DESC`
	args := []any{patientID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list call attempts: %w", err)
	}
	defer rows.Close()

	var out []*models.CallAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call attempts: %w", err)
	}
	return out, nil
}

func (r *PostgresAttemptsRepo) UpdateAttempt(ctx context.Context, attemptID string, fn AttemptMutator) (*models.CallAttempt, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + attemptColumns + ` FROM call_attempts WHERE attempt_id = $1 FOR UPDATE`
	current, err := scanAttempt(tx.QueryRowContext(ctx, query, attemptID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock call attempt: %w", err)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		return nil, err
	}
	if err := checkTransition(current, next); err != nil {
		return nil, fmt.Errorf("rejected update of attempt %s: %w", attemptID, err)
	}
	next.UpdatedAt = time.Now().UTC()

	update := `
		UPDATE call_attempts SET
			state = $2,
			retry_count = $3,
			external_call_id = $4,
			triage_classification = $5,
			triage_reason = $6,
			escalation_reason = $7,
			superseded_by = $8,
			next_retry_at = $9,
			started_at = $10,
			ended_at = $11,
			updated_at = $12
		WHERE attempt_id = $1
	`
	_, err = tx.ExecContext(ctx, update,
		next.AttemptID,
		string(next.State),
		next.RetryCount,
		next.ExternalCallID,
		next.TriageClassification,
		next.TriageReason,
		next.EscalationReason,
		next.SupersededBy,
		next.NextRetryAt,
		next.StartedAt,
		next.EndedAt,
		next.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to update call attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit call attempt update: %w", err)
	}
	return next, nil
}

func (r *PostgresAttemptsRepo) AttachAnalysis(ctx context.Context, attemptID string, analysis models.Analysis) error {
	query := `
		UPDATE call_attempts SET
			summary = $2,
			sentiment_score = $3,
			detected_flags = $4,
			recommended_action = $5,
			updated_at = now()
		WHERE attempt_id = $1 AND state = 'COMPLETED'
	`
	result, err := r.db.ExecContext(ctx, query,
		attemptID,
		analysis.Summary,
		analysis.SentimentScore,
		pq.Array(analysis.DetectedFlags),
		analysis.RecommendedAction,
	)
	if err != nil {
		return fmt.Errorf("failed to attach analysis: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("completed attempt %s: %w", attemptID, ErrNotFound)
	}
	return nil
}

func attemptArgs(a *models.CallAttempt) []any {
	var sentiment any
	if a.SentimentScore != nil {
		sentiment = *a.SentimentScore
	}
	return []any{
		a.AttemptID,
		a.PatientID,
		string(a.State),
		a.RetryCount,
		a.MaxRetries,
		a.ExternalCallID,
		a.TriageClassification,
		a.TriageReason,
		a.EscalationReason,
		a.Summary,
		sentiment,
		pq.Array(a.DetectedFlags),
		a.RecommendedAction,
		a.SupersededBy,
		a.NextRetryAt,
		a.StartedAt,
		a.EndedAt,
		a.CreatedAt,
		a.UpdatedAt,
	}
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
