package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrExecutionSlotTaken is returned when ClaimExecutionSlotTx fails because
// another execution process already holds the attempt's exclusivity slot.
// This enforces the invariant that at most one of {setup_script, coding_agent,
// cleanup_script} runs per task attempt at any time.
var ErrExecutionSlotTaken = errors.New("task attempt already has a running execution process")

// ErrExecutionSlotNotOwned is returned when ReleaseExecutionSlotTx or
// HeartbeatExecutionSlotTx is attempted by a process that does not hold the
// attempt's current slot.
var ErrExecutionSlotNotOwned = errors.New("execution process does not own the attempt's slot")

// ClaimExecutionSlotTx atomically assigns processID as the attempt's single
// running execution process, conditioned on the slot being empty, already
// held by processID, or held by a process that has already finished
// (completed_at IS NOT NULL).
func ClaimExecutionSlotTx(tx *sql.Tx, attemptID, processID string) error {
	if attemptID == "" {
		return errors.New("attempt ID is required")
	}
	if processID == "" {
		return errors.New("process ID is required")
	}

	result, err := tx.ExecContext(context.Background(), `
		UPDATE task_attempts
		SET current_execution_process_id = ?
		WHERE id = ?
		  AND (
		      current_execution_process_id IS NULL
		      OR current_execution_process_id = ?
		      OR current_execution_process_id IN (
		          SELECT id FROM execution_processes WHERE completed_at IS NOT NULL
		      )
		  )
	`, processID, attemptID, processID)
	if err != nil {
		return fmt.Errorf("failed to claim execution slot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrExecutionSlotTaken
	}

	return nil
}

// ReleaseExecutionSlotTx clears the attempt's slot, but only if processID is
// still the current holder. Called once the process has been marked finished.
func ReleaseExecutionSlotTx(tx *sql.Tx, attemptID, processID string) error {
	if attemptID == "" {
		return errors.New("attempt ID is required")
	}
	if processID == "" {
		return errors.New("process ID is required")
	}

	_, err := tx.ExecContext(context.Background(), `
		UPDATE task_attempts
		SET current_execution_process_id = NULL
		WHERE id = ? AND current_execution_process_id = ?
	`, attemptID, processID)
	if err != nil {
		return fmt.Errorf("failed to release execution slot: %w", err)
	}

	// If the slot was already released or reassigned, the desired end state
	// (this process no longer holds it) is already achieved.
	return nil
}

// HeartbeatExecutionSlotTx confirms processID still holds attemptID's slot,
// returning ErrExecutionSlotNotOwned if ownership has been lost (e.g. to a
// reconciliation sweep that force-released a dead process).
func HeartbeatExecutionSlotTx(tx *sql.Tx, attemptID, processID string) error {
	if attemptID == "" {
		return errors.New("attempt ID is required")
	}
	if processID == "" {
		return errors.New("process ID is required")
	}

	var current sql.NullString
	err := tx.QueryRowContext(context.Background(), `
		SELECT current_execution_process_id FROM task_attempts WHERE id = ?
	`, attemptID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Entity: "task_attempt", ID: attemptID}
	}
	if err != nil {
		return fmt.Errorf("failed to read execution slot: %w", err)
	}
	if !current.Valid || current.String != processID {
		return ErrExecutionSlotNotOwned
	}

	return nil
}
