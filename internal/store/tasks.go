package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dotcommander/forge/internal/models"
)

// CreateTask inserts a new task row, assigning a distributed string id.
func CreateTask(ctx context.Context, db *sql.DB, t *models.Task) error {
	if t.ID == "" {
		t.ID = GeneratePrefixedID("task")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, repo_path, executor_profile, copy_files, image_assets_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.RepoPath, t.ExecutorProfile, t.CopyFiles, t.ImageAssetsDir)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask loads a task by id.
func GetTask(ctx context.Context, db *sql.DB, id string) (*models.Task, error) {
	var t models.Task
	var parentAttempt sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, status, parent_attempt_id, repo_path, executor_profile, copy_files, image_assets_dir, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &parentAttempt, &t.RepoPath, &t.ExecutorProfile, &t.CopyFiles, &t.ImageAssetsDir, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if parentAttempt.Valid {
		if id, perr := parseUUID(parentAttempt.String); perr == nil {
			t.ParentAttemptID = &id
		}
	}
	return &t, nil
}

// UpdateTaskStatus transitions a task's status. Mutation by the core is
// limited to status transitions; all other fields are external-API-owned.
func UpdateTaskStatus(ctx context.Context, db *sql.DB, taskID string, status models.TaskStatus) error {
	result, err := db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return &NotFoundError{Entity: "task", ID: taskID}
	}
	return nil
}
