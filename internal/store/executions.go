package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/forge/internal/models"
)

// CreateExecutionProcess inserts a new execution process row, serializing its
// action chain to the single JSON action column.
func CreateExecutionProcess(ctx context.Context, db *sql.DB, p *models.ExecutionProcess) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.ProcessStatusRunning
	}
	if err := ValidateActionPayload(p.Action); err != nil {
		return fmt.Errorf("create execution process: %w", err)
	}
	actionJSON, err := json.Marshal(p.Action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO execution_processes (id, attempt_id, run_reason, status, pre_exec_head, action)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID.String(), p.AttemptID.String(), p.RunReason, p.Status, p.PreExecHead, string(actionJSON))
	if err != nil {
		return fmt.Errorf("create execution process: %w", err)
	}
	return nil
}

func scanExecutionProcess(scan func(dest ...any) error) (*models.ExecutionProcess, error) {
	p := &models.ExecutionProcess{}
	var idStr, attemptIDStr string
	var exitCode sql.NullInt64
	var completedAt sql.NullTime
	var actionJSON string
	if err := scan(&idStr, &attemptIDStr, &p.RunReason, &p.Status, &exitCode, &p.PreExecHead, &p.PostExecHead, &actionJSON, &p.Killed, &p.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	p.ID, _ = parseUUID(idStr)
	p.AttemptID, _ = parseUUID(attemptIDStr)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		p.ExitCode = &code
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	var action models.ExecutorAction
	if err := json.Unmarshal([]byte(actionJSON), &action); err == nil {
		p.Action = &action
	}
	return p, nil
}

const executionProcessColumns = `id, attempt_id, run_reason, status, exit_code, pre_exec_head, post_exec_head, action, killed, created_at, completed_at`

// GetExecutionProcess loads an execution process by id.
func GetExecutionProcess(ctx context.Context, db *sql.DB, id uuid.UUID) (*models.ExecutionProcess, error) {
	row := db.QueryRowContext(ctx, `SELECT `+executionProcessColumns+` FROM execution_processes WHERE id = ?`, id.String())
	p, err := scanExecutionProcess(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "execution_process", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get execution process: %w", err)
	}
	return p, nil
}

// LoadContext returns every execution process for attemptID in creation
// order, giving the Action Chain Driver the full run history it needs to
// decide the next action and commit policy.
func LoadContext(ctx context.Context, db *sql.DB, attemptID uuid.UUID) ([]*models.ExecutionProcess, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+executionProcessColumns+` FROM execution_processes WHERE attempt_id = ? ORDER BY created_at ASC`, attemptID.String())
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ExecutionProcess
	for rows.Next() {
		p, err := scanExecutionProcess(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution process: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateCompletion transitions an execution process to a terminal status and
// records its exit code. Rejects illegal transitions per
// models.CanTransition, and never overwrites a killed process's terminal
// status (invariant 3): once Killed is set, status resolves to killed
// regardless of the observed OS exit code.
func UpdateCompletion(ctx context.Context, db *sql.DB, id uuid.UUID, exitCode int, observed models.ProcessStatus) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		var current models.ProcessStatus
		var killed bool
		err := tx.QueryRowContext(ctx, `SELECT status, killed FROM execution_processes WHERE id = ?`, id.String()).Scan(&current, &killed)
		if err == sql.ErrNoRows {
			return &NotFoundError{Entity: "execution_process", ID: id.String()}
		}
		if err != nil {
			return fmt.Errorf("load current status: %w", err)
		}

		final := observed
		if killed {
			final = models.ProcessStatusKilled
		}
		if !models.CanTransition(current, final) {
			return fmt.Errorf("illegal process transition %s -> %s", current, final)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?
		`, final, exitCode, id.String())
		if err != nil {
			return fmt.Errorf("update completion: %w", err)
		}
		return nil
	})
}

// UpdateAfterHeadCommit records the HEAD commit observed after the process
// exited, consulted by the Diff Projector's settled-attempt regime.
func UpdateAfterHeadCommit(ctx context.Context, db *sql.DB, id uuid.UUID, postExecHead string) error {
	_, err := db.ExecContext(ctx, `UPDATE execution_processes SET post_exec_head = ? WHERE id = ?`, postExecHead, id.String())
	if err != nil {
		return fmt.Errorf("update after head commit: %w", err)
	}
	return nil
}

// MarkKilled sets the killed flag ahead of the exit monitor observing the
// process's exit, so UpdateCompletion pins its terminal status to killed
// regardless of the OS exit code subsequently reported.
func MarkKilled(ctx context.Context, db *sql.DB, id uuid.UUID) error {
	_, err := db.ExecContext(ctx, `UPDATE execution_processes SET killed = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("mark killed: %w", err)
	}
	return nil
}

// WasKilled reports whether the execution process has been flagged killed.
func WasKilled(ctx context.Context, db *sql.DB, id uuid.UUID) (bool, error) {
	var killed bool
	err := db.QueryRowContext(ctx, `SELECT killed FROM execution_processes WHERE id = ?`, id.String()).Scan(&killed)
	if err == sql.ErrNoRows {
		return false, &NotFoundError{Entity: "execution_process", ID: id.String()}
	}
	if err != nil {
		return false, fmt.Errorf("was killed: %w", err)
	}
	return killed, nil
}

// FindRunningForAttempt returns the currently running execution process for
// an attempt, if any, used by Stop & Kill to locate the process to signal.
func FindRunningForAttempt(ctx context.Context, db *sql.DB, attemptID uuid.UUID) (*models.ExecutionProcess, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+executionProcessColumns+` FROM execution_processes
		WHERE attempt_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1
	`, attemptID.String(), models.ProcessStatusRunning)
	p, err := scanExecutionProcess(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "execution_process", ID: "running:" + attemptID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("find running for attempt: %w", err)
	}
	return p, nil
}

// FindStaleRunning returns execution processes still marked running whose
// created_at predates olderThan. No code in this module calls it.
func FindStaleRunning(ctx context.Context, db *sql.DB, olderThan time.Time) ([]*models.ExecutionProcess, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+executionProcessColumns+` FROM execution_processes WHERE status = ? AND created_at < ?
	`, models.ProcessStatusRunning, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale running: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ExecutionProcess
	for rows.Next() {
		p, err := scanExecutionProcess(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution process: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
