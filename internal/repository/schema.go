package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema tables owned by the check-in engine. patients is owned by the
// patient service; it is created here only so a fresh database can boot.
const Schema = `
CREATE TABLE IF NOT EXISTS patients (
	patient_id          TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	phone               TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending_review',
	system_prompt       TEXT,
	voice_id            TEXT,
	escalation_keywords TEXT[] NOT NULL DEFAULT '{}',
	escalation_phone    TEXT
);

CREATE TABLE IF NOT EXISTS call_attempts (
	attempt_id            TEXT PRIMARY KEY,
	patient_id            TEXT NOT NULL,
	state                 TEXT NOT NULL,
	retry_count           INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	max_retries           INTEGER NOT NULL CHECK (max_retries >= 1),
	external_call_id      TEXT UNIQUE,
	triage_classification TEXT,
	triage_reason         TEXT,
	escalation_reason     TEXT,
	summary               TEXT,
	sentiment_score       INTEGER,
	detected_flags        TEXT[],
	recommended_action    TEXT,
	superseded_by         TEXT,
	next_retry_at         TIMESTAMPTZ,
	started_at            TIMESTAMPTZ,
	ended_at              TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((state IN ('BUSY_RETRY', 'SILENT_RETRY')) = (next_retry_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_call_attempts_patient_created ON call_attempts (patient_id, created_at DESC);

CREATE TABLE IF NOT EXISTS escalations (
	escalation_id   TEXT PRIMARY KEY,
	attempt_id      TEXT NOT NULL UNIQUE,
	patient_id      TEXT NOT NULL,
	priority        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'open',
	reason          TEXT NOT NULL,
	detected_flags  TEXT[] NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	acknowledged_at TIMESTAMPTZ
);
`

// EnsureSchema creates missing tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
