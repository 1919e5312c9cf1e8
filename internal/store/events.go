package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Event is a row in the audit/notification trail read by `forge` clients and
// the Notifier.
type Event struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	CreatedAt string `json:"created_at"`
}

// InsertEvent appends a row to the events table. kind should be one of the
// models.EventKind* constants. metadata, if non-nil, is marshaled to JSON; a
// nil metadata is stored as "{}".
func InsertEvent(ctx context.Context, db *sql.DB, kind, taskID, projectID, attemptID, message string, metadata any) error {
	metaJSON := "{}"
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metaJSON = string(b)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (kind, task_id, project_id, attempt_id, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kind, taskID, projectID, attemptID, message, metaJSON)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEventsForAttempt returns events recorded against an attempt, oldest first.
func ListEventsForAttempt(ctx context.Context, db *sql.DB, attemptID string) ([]*Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, task_id, project_id, attempt_id, message, metadata, created_at
		FROM events WHERE attempt_id = ? ORDER BY id ASC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list events for attempt: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Kind, &e.TaskID, &e.ProjectID, &e.AttemptID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
