// Package chain implements the Action Chain Driver: the commit-and-chain
// decision made after an execution process exits successfully. It is the
// sole sequencing mechanism for setup -> coding agent -> cleanup, driven
// entirely by each ExecutorAction's declared NextAction — there is no
// separate scheduler.
package chain

import (
	"context"
	"fmt"

	"github.com/dotcommander/forge/internal/git"
	"github.com/dotcommander/forge/internal/models"
)

// Decision is the outcome of evaluating the commit-and-chain policy for one
// just-finished execution process. The Exit Monitor finalizes the owning
// task whenever Next is nil and the just-finished run reason is not
// dev_server (spec.md §4.4 step 6) — that run-reason check is the
// monitor's responsibility, not this package's.
type Decision struct {
	ChangesCommitted bool
	CommitMessage    string
	// Next is the action to start next, or nil if the chain ends here
	// (either because the action carried no next_action, or because the
	// "skip cleanup after an uncommitted coding agent" rule applied).
	Next *models.ExecutorAction
}

// canCommit reports whether a run reason is ever allowed to produce a
// commit. Only coding_agent and cleanup_script runs touch the worktree in a
// way the chain commits on the agent's behalf.
func canCommit(reason models.RunReason) bool {
	return reason == models.RunReasonCodingAgent || reason == models.RunReasonCleanupScript
}

// commitMessage builds the commit message for a just-finished run,
// preferring the executor-session summary for coding_agent runs.
func commitMessage(reason models.RunReason, attemptID string, summary string) string {
	switch reason {
	case models.RunReasonCodingAgent:
		if summary != "" {
			return summary
		}
		return fmt.Sprintf("Commit changes from coding agent for task attempt %s", attemptID)
	case models.RunReasonCleanupScript:
		return fmt.Sprintf("Cleanup script changes for task attempt %s", attemptID)
	default:
		return ""
	}
}

// Advance evaluates the commit-and-chain policy for a just-finished
// process. worktreePath is the sandbox's on-disk path (worktree mode only);
// an empty path (container mode) skips the commit step entirely, since the
// version-control collaborator has no purchase on a container filesystem.
// A failed commit is treated as if changes were made: the returned Decision
// has ChangesCommitted set and carries the next action, and the commit
// error is returned alongside it for the caller to log.
func Advance(ctx context.Context, worktreePath, attemptID string, finished *models.ExecutionProcess, summary string) (Decision, error) {
	var d Decision
	var commitErr error

	if worktreePath != "" && canCommit(finished.RunReason) {
		msg := commitMessage(finished.RunReason, attemptID, summary)
		committed, err := git.Commit(worktreePath, msg)
		if err != nil {
			committed = true
			commitErr = fmt.Errorf("chain: commit: %w", err)
		}
		d.ChangesCommitted = committed
		d.CommitMessage = msg
	}

	next := finished.Action.NextAction
	if finished.RunReason == models.RunReasonCodingAgent && !d.ChangesCommitted {
		if next != nil && next.Type == models.ActionTypeCleanupScript {
			return d, nil // skip the default cleanup chain; d.Next stays nil
		}
	}

	d.Next = next
	return d, commitErr
}
