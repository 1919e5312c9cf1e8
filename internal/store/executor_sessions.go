package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dotcommander/forge/internal/models"
)

// UpsertSummary creates or updates the executor session summary for an
// attempt, truncating to models.MaxSummaryBytes, and is called by the Exit
// Monitor each time it derives a fresh summary from Message Store history.
func UpsertSummary(ctx context.Context, db *sql.DB, attemptID uuid.UUID, summary string) error {
	if len(summary) > models.MaxSummaryBytes {
		summary = summary[:models.MaxSummaryBytes-len("…")] + "…"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO executor_sessions (id, attempt_id, summary)
		VALUES (?, ?, ?)
		ON CONFLICT(attempt_id) DO UPDATE SET summary = excluded.summary, updated_at = CURRENT_TIMESTAMP
	`, GeneratePrefixedID("esess"), attemptID.String(), summary)
	if err != nil {
		return fmt.Errorf("upsert executor session summary: %w", err)
	}
	return nil
}

// GetSummary loads the executor session summary for an attempt.
func GetSummary(ctx context.Context, db *sql.DB, attemptID uuid.UUID) (*models.ExecutorSession, error) {
	s := &models.ExecutorSession{}
	var attemptIDStr string
	err := db.QueryRowContext(ctx, `
		SELECT id, attempt_id, summary, updated_at FROM executor_sessions WHERE attempt_id = ?
	`, attemptID.String()).Scan(&s.ID, &attemptIDStr, &s.Summary, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "executor_session", ID: attemptID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get executor session summary: %w", err)
	}
	s.AttemptID, _ = parseUUID(attemptIDStr)
	return s, nil
}
