package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dotcommander/forge/internal/models"
)

// CreateMerge records a completed merge of an attempt's branch.
func CreateMerge(ctx context.Context, db *sql.DB, m *models.Merge) error {
	if m.ID == "" {
		m.ID = GeneratePrefixedID("merge")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO merges (id, task_attempt_id, merge_commit, target_branch, pr_number, pr_url, pr_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TaskAttemptID.String(), m.MergeCommit, m.TargetBranch, m.PRNumber, m.PRURL, m.PRStatus)
	if err != nil {
		return fmt.Errorf("create merge: %w", err)
	}
	return nil
}

func scanMerge(scan func(dest ...any) error) (*models.Merge, error) {
	m := &models.Merge{}
	var attemptIDStr string
	var prNumber sql.NullInt64
	if err := scan(&m.ID, &attemptIDStr, &m.MergeCommit, &m.TargetBranch, &prNumber, &m.PRURL, &m.PRStatus, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.TaskAttemptID, _ = parseUUID(attemptIDStr)
	if prNumber.Valid {
		n := int(prNumber.Int64)
		m.PRNumber = &n
	}
	return m, nil
}

const mergeColumns = `id, task_attempt_id, merge_commit, target_branch, pr_number, pr_url, pr_status, created_at`

// GetLatestMergeForAttempt returns the most recently created merge for an
// attempt, consulted by the Diff Projector's merged-and-quiescent regime.
func GetLatestMergeForAttempt(ctx context.Context, db *sql.DB, attemptID uuid.UUID) (*models.Merge, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+mergeColumns+` FROM merges WHERE task_attempt_id = ? ORDER BY created_at DESC LIMIT 1
	`, attemptID.String())
	m, err := scanMerge(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "merge", ID: "latest:" + attemptID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get latest merge for attempt: %w", err)
	}
	return m, nil
}

// ListMergesForAttempt returns every merge recorded for an attempt, newest first.
func ListMergesForAttempt(ctx context.Context, db *sql.DB, attemptID uuid.UUID) ([]*models.Merge, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+mergeColumns+` FROM merges WHERE task_attempt_id = ? ORDER BY created_at DESC
	`, attemptID.String())
	if err != nil {
		return nil, fmt.Errorf("list merges for attempt: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Merge
	for rows.Next() {
		m, err := scanMerge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan merge: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
