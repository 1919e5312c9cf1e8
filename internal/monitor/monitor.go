// Package monitor implements the Exit Monitor: a per-execution background
// loop that polls for child exit, persists completion, updates the
// executor-session summary, drives the Action Chain Driver, and finalizes
// the owning task — the 9-step contract of spec.md §4.4.
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/forge/internal/chain"
	"github.com/dotcommander/forge/internal/models"
	"github.com/dotcommander/forge/internal/msgstore"
	"github.com/dotcommander/forge/internal/notify"
	"github.com/dotcommander/forge/internal/registry"
	"github.com/dotcommander/forge/internal/spawn"
	"github.com/dotcommander/forge/internal/store"
)

// pollInterval is the child-exit poll period. Implementers may substitute a
// signal-driven wait without behavioral change; this loop uses a plain
// ticker for simplicity, matching the teacher's preference for
// straight-line code over an event-driven abstraction at this scale.
const pollInterval = 250 * time.Millisecond

// finishedSettleDelay lets subscribers observe the finished sentinel before
// the store and child handle are dropped.
const finishedSettleDelay = 50 * time.Millisecond

// Starter starts the next action in a chain, mirroring start_execution
// (spec.md §4.3) without creating an import cycle back into this package.
// Implemented by the execution-spawn orchestrator that owns sandbox access.
type Starter interface {
	StartExecution(ctx context.Context, attemptID uuid.UUID, action *models.ExecutorAction, runReason models.RunReason) error
}

// Monitor supervises one execution process's child from spawn to
// finalization.
type Monitor struct {
	db        *sql.DB
	reg       *registry.Registry
	notifier  notify.Notifier
	starter   Starter
	logger    *slog.Logger
	analytics bool
}

// New returns a Monitor wired to the given collaborators. analyticsEnabled
// gates step 9's task_attempt_finished event emission.
func New(db *sql.DB, reg *registry.Registry, notifier notify.Notifier, starter Starter, logger *slog.Logger, analyticsEnabled bool) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{db: db, reg: reg, notifier: notifier, starter: starter, logger: logger, analytics: analyticsEnabled}
}

// Watch blocks, polling every 250ms, until h's process exits, then runs the
// full 9-step completion sequence for execID. Intended to be run in its own
// goroutine per live execution.
func (m *Monitor) Watch(ctx context.Context, execID uuid.UUID, h spawn.Process, msgs *msgstore.Store, worktreePath, attemptID string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.Done():
			m.onExit(ctx, execID, h, msgs, worktreePath, attemptID)
			return
		case <-ticker.C:
			// h.Done() also fires via select above; the ticker exists only to
			// give this loop a poll cadence to reason about under test, since
			// Done() is itself edge-triggered by Wait() completing.
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) onExit(ctx context.Context, execID uuid.UUID, h spawn.Process, msgs *msgstore.Store, worktreePath, attemptID string) {
	waitErr := h.Wait()

	// Step 1: translate exit, but never overwrite an already-recorded killed status.
	killed, err := store.WasKilled(ctx, m.db, execID)
	if err != nil {
		m.logger.Error("exit monitor: check killed flag", "exec_id", execID, "error", err)
	}

	exitCode := 0
	status := models.ProcessStatusCompleted
	if killed {
		status = models.ProcessStatusKilled
	} else if waitErr != nil {
		status = models.ProcessStatusFailed
		exitCode = -1
		if ee, ok := asExitError(waitErr); ok {
			exitCode = ee
		}
	}

	// Step 2: persist completion.
	if err := store.UpdateCompletion(ctx, m.db, execID, exitCode, status); err != nil {
		m.logger.Error("exit monitor: update completion", "exec_id", execID, "error", err)
	}

	// Step 3: load full execution context.
	proc, err := store.GetExecutionProcess(ctx, m.db, execID)
	if err != nil {
		m.logger.Error("exit monitor: load execution process", "exec_id", execID, "error", err)
		m.cleanup(ctx, execID, msgs)
		return
	}

	// Step 4: update executor-session summary from message store history.
	summary := ""
	if data, ok := msgs.LastAssistantMessage(); ok {
		summary = truncateSummary(strings.TrimSpace(string(data)))
		if err := store.UpsertSummary(ctx, m.db, proc.AttemptID, summary); err != nil {
			m.logger.Error("exit monitor: upsert summary", "attempt_id", proc.AttemptID, "error", err)
		}
	}

	// Step 5: on clean success, invoke the Action Chain Driver.
	var decision chain.Decision
	if !killed && status == models.ProcessStatusCompleted && exitCode == 0 {
		decision, err = chain.Advance(ctx, worktreePath, attemptID, proc, summary)
		if err != nil {
			m.logger.Error("exit monitor: advance chain", "exec_id", execID, "error", err)
		}
	}

	// Step 6: finalize the task if the chain is terminal. A dev_server run
	// never finalizes on its own exit, killed or natural (crash, port
	// conflict): its sandbox is meant to keep running independent of any one
	// execution's lifetime, so the task stays wherever it was until some
	// other run reason's chain terminates.
	skipFinalize := proc.RunReason == models.RunReasonDevServer
	if !skipFinalize && decision.Next == nil {
		m.finalizeTask(ctx, proc, status, exitCode, summary)
	} else if decision.Next != nil {
		if err := m.starter.StartExecution(ctx, proc.AttemptID, decision.Next, decision.Next.Type.RunReason()); err != nil {
			m.logger.Error("exit monitor: start next action", "attempt_id", proc.AttemptID, "error", err)
		}
	}

	// Step 7: best-effort post-exec HEAD.
	if worktreePath != "" {
		if head, err := headInfo(worktreePath); err == nil {
			_ = store.UpdateAfterHeadCommit(ctx, m.db, execID, head)
		}
	}

	// Step 8: finished sentinel, settle, then drop store and handle.
	msgs.Append(msgstore.Entry{Kind: msgstore.EntryKindFinished})
	time.Sleep(finishedSettleDelay)
	m.cleanup(ctx, execID, msgs)

	// Step 9: analytics event for a finished coding_agent run.
	if m.analytics && proc.RunReason == models.RunReasonCodingAgent {
		success := status == models.ProcessStatusCompleted
		_ = store.InsertEvent(ctx, m.db, models.EventKindTaskAttemptFinished, "", "", proc.AttemptID.String(),
			fmt.Sprintf("exit_code=%d success=%v", exitCode, success), nil)
	}
}

func (m *Monitor) finalizeTask(ctx context.Context, proc *models.ExecutionProcess, status models.ProcessStatus, exitCode int, summary string) {
	task, err := m.taskForAttempt(ctx, proc.AttemptID)
	if err != nil {
		m.logger.Error("exit monitor: load task for finalize", "attempt_id", proc.AttemptID, "error", err)
		return
	}
	if err := store.UpdateTaskStatus(ctx, m.db, task.ID, models.TaskStatusInReview); err != nil {
		m.logger.Error("exit monitor: finalize task status", "task_id", task.ID, "error", err)
	}

	code := exitCode
	if err := m.notifier.NotifyExecutionHalted(ctx, notify.Context{
		TaskID:    task.ID,
		AttemptID: proc.AttemptID.String(),
		RunReason: string(proc.RunReason),
		Success:   status == models.ProcessStatusCompleted,
		ExitCode:  &code,
		Summary:   summary,
	}); err != nil {
		m.logger.Error("exit monitor: notify execution halted", "task_id", task.ID, "error", err)
	}
}

func (m *Monitor) taskForAttempt(ctx context.Context, attemptID uuid.UUID) (*models.Task, error) {
	attempt, err := store.GetTaskAttempt(ctx, m.db, attemptID)
	if err != nil {
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	task, err := store.GetTask(ctx, m.db, attempt.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}

func (m *Monitor) cleanup(_ context.Context, execID uuid.UUID, _ *msgstore.Store) {
	m.reg.Remove(execID)
}

// truncateSummary enforces models.MaxSummaryBytes with an ellipsis,
// matching vybe's event-message truncation convention.
func truncateSummary(s string) string {
	if len(s) <= models.MaxSummaryBytes {
		return s
	}
	return s[:models.MaxSummaryBytes-len("…")] + "…"
}
