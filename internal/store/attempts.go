package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/forge/internal/models"
)

// CreateTaskAttempt inserts a new attempt, assigning a fresh uuid if unset.
func CreateTaskAttempt(ctx context.Context, db *sql.DB, a *models.TaskAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO task_attempts (id, task_id, base_branch, container_ref, branch, executor_tag)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID.String(), a.TaskID, a.BaseBranch, a.ContainerRef, a.Branch, a.ExecutorTag)
	if err != nil {
		return fmt.Errorf("create task attempt: %w", err)
	}
	return nil
}

// GetTaskAttempt loads an attempt by id.
func GetTaskAttempt(ctx context.Context, db *sql.DB, id uuid.UUID) (*models.TaskAttempt, error) {
	a := &models.TaskAttempt{}
	var idStr string
	var setupCompletedAt sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT id, task_id, base_branch, container_ref, branch, executor_tag, worktree_deleted, setup_completed_at, created_at, updated_at
		FROM task_attempts WHERE id = ?
	`, id.String()).Scan(&idStr, &a.TaskID, &a.BaseBranch, &a.ContainerRef, &a.Branch, &a.ExecutorTag, &a.WorktreeDeleted, &setupCompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "task_attempt", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get task attempt: %w", err)
	}
	a.ID, _ = parseUUID(idStr)
	if setupCompletedAt.Valid {
		a.SetupCompletedAt = &setupCompletedAt.Time
	}
	return a, nil
}

// SetAttemptContainerRef persists the sandbox's container reference and branch
// once the Sandbox Manager has materialized it.
func SetAttemptContainerRef(ctx context.Context, db *sql.DB, id uuid.UUID, containerRef, branch string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE task_attempts SET container_ref = ?, branch = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, containerRef, branch, id.String())
	if err != nil {
		return fmt.Errorf("set attempt container ref: %w", err)
	}
	return nil
}

// MarkWorktreeDeleted sets worktree_deleted=true, permanently retiring the
// attempt from further execution starts.
func MarkWorktreeDeleted(ctx context.Context, db *sql.DB, id uuid.UUID) error {
	_, err := db.ExecContext(ctx, `
		UPDATE task_attempts SET worktree_deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id.String())
	if err != nil {
		return fmt.Errorf("mark worktree deleted: %w", err)
	}
	return nil
}

// ContainerRefExists reports whether any attempt currently references path
// as its container_ref, used by the orphan sweep to distinguish orphaned
// worktree directories from ones still owned by an attempt.
func ContainerRefExists(ctx context.Context, db *sql.DB, path string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_attempts WHERE container_ref = ?`, path).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check container ref exists: %w", err)
	}
	return count > 0, nil
}

// FindByWorktreeDeleted returns attempts whose worktree_deleted flag equals
// deleted and whose container_ref is non-empty, for the Reconciliation GC's
// external-deletion reconcile pass. Container-mode attempts are included;
// the caller skips them.
func FindByWorktreeDeleted(ctx context.Context, db *sql.DB, deleted bool) ([]*models.TaskAttempt, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, task_id, base_branch, container_ref, branch, executor_tag, worktree_deleted, setup_completed_at, created_at, updated_at
		FROM task_attempts WHERE worktree_deleted = ? AND container_ref != ''
	`, deleted)
	if err != nil {
		return nil, fmt.Errorf("find by worktree deleted: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TaskAttempt
	for rows.Next() {
		a := &models.TaskAttempt{}
		var idStr string
		var setupCompletedAt sql.NullTime
		if err := rows.Scan(&idStr, &a.TaskID, &a.BaseBranch, &a.ContainerRef, &a.Branch, &a.ExecutorTag, &a.WorktreeDeleted, &setupCompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task attempt: %w", err)
		}
		a.ID, _ = parseUUID(idStr)
		if setupCompletedAt.Valid {
			a.SetupCompletedAt = &setupCompletedAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindExpiredForCleanup returns attempts whose last activity predates
// olderThan and that have not yet had their worktree deleted, for the
// Reconciliation GC's expiry-cleanup pass.
func FindExpiredForCleanup(ctx context.Context, db *sql.DB, olderThan time.Time) ([]*models.TaskAttempt, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, task_id, base_branch, container_ref, branch, executor_tag, worktree_deleted, setup_completed_at, created_at, updated_at
		FROM task_attempts WHERE worktree_deleted = 0 AND container_ref != '' AND updated_at < ?
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find expired for cleanup: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TaskAttempt
	for rows.Next() {
		a := &models.TaskAttempt{}
		var idStr string
		var setupCompletedAt sql.NullTime
		if err := rows.Scan(&idStr, &a.TaskID, &a.BaseBranch, &a.ContainerRef, &a.Branch, &a.ExecutorTag, &a.WorktreeDeleted, &setupCompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task attempt: %w", err)
		}
		a.ID, _ = parseUUID(idStr)
		if setupCompletedAt.Valid {
			a.SetupCompletedAt = &setupCompletedAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
