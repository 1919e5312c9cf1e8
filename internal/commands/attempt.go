package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dotcommander/forge/internal/models"
	"github.com/dotcommander/forge/internal/output"
	"github.com/dotcommander/forge/internal/store"
)

// NewAttemptCmd exposes TaskAttempt lifecycle operations: materializing a
// sandbox, starting its initial coding-agent run, stopping a live execution,
// and inspecting its merges.
func NewAttemptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempt",
		Short: "Manage task attempts and their executions",
	}
	cmd.AddCommand(newAttemptStartCmd())
	cmd.AddCommand(newAttemptStopCmd())
	cmd.AddCommand(newAttemptShowCmd())
	cmd.AddCommand(newAttemptMergesCmd())
	return cmd
}

func newAttemptStartCmd() *cobra.Command {
	var taskID, baseBranch, executorTag, prompt, image string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create an attempt, materialize its sandbox, and start the initial coding request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(db *DB, orc *Orchestrator) error {
				ctx := context.Background()

				task, err := store.GetTask(ctx, db, taskID)
				if err != nil {
					return err
				}

				attempt := &models.TaskAttempt{TaskID: task.ID, BaseBranch: baseBranch, ExecutorTag: executorTag}
				if err := store.CreateTaskAttempt(ctx, db, attempt); err != nil {
					return err
				}

				if task.IsContainerMode() {
					if image == "" {
						return fmt.Errorf("attempt start: --image is required for container-mode tasks")
					}
					containerID, err := orc.Sandbox().CreateContainer(ctx, image, "forge-"+attempt.ID.String(), nil, task.RepoPath, task.ID)
					if err != nil {
						return err
					}
					if err := store.SetAttemptContainerRef(ctx, db, attempt.ID, containerID, ""); err != nil {
						return err
					}
					attempt.ContainerRef = containerID
				} else {
					path, branch, err := orc.Sandbox().CreateWorktree(ctx, attempt.ID.String(), task, baseBranch)
					if err != nil {
						return err
					}
					if err := store.SetAttemptContainerRef(ctx, db, attempt.ID, path, branch); err != nil {
						return err
					}
					attempt.ContainerRef, attempt.Branch = path, branch
				}

				payload, err := json.Marshal(store.CodingRequestPayload{Prompt: prompt})
				if err != nil {
					return fmt.Errorf("attempt start: marshal initial prompt: %w", err)
				}
				action := &models.ExecutorAction{Type: models.ActionTypeInitialCodingRequest, Payload: payload}
				if err := orc.StartExecution(ctx, attempt.ID, action, models.RunReasonCodingAgent); err != nil {
					return err
				}

				return output.PrintSuccess(attempt)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task to attempt")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "main", "Branch the worktree/container is based on")
	cmd.Flags().StringVar(&executorTag, "executor", "claude-code", "Executor tag: claude-code, opencode, or custom:<path>")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Initial coding-agent prompt")
	cmd.Flags().StringVar(&image, "image", "", "Container image (container-mode tasks only)")
	_ = cmd.MarkFlagRequired("task-id")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newAttemptStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <attempt-id>",
		Short: "Signal an attempt's running execution to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return cmdErr(fmt.Errorf("attempt stop: %w", err))
			}
			return withOrchestrator(func(db *DB, orc *Orchestrator) error {
				return orc.Stop(context.Background(), id)
			})
		},
	}
	return cmd
}

func newAttemptShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <attempt-id>",
		Short: "Show an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return cmdErr(fmt.Errorf("attempt show: %w", err))
			}
			return withDB(func(db *DB) error {
				a, err := store.GetTaskAttempt(context.Background(), db, id)
				if err != nil {
					return err
				}
				return output.PrintSuccess(a)
			})
		},
	}
	return cmd
}

func newAttemptMergesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merges <attempt-id>",
		Short: "List merges recorded for an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return cmdErr(fmt.Errorf("attempt merges: %w", err))
			}
			return withDB(func(db *DB) error {
				merges, err := store.ListMergesForAttempt(context.Background(), db, id)
				if err != nil {
					return err
				}
				return output.PrintSuccess(merges)
			})
		},
	}
	return cmd
}
