package commands

import (
	"context"
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/dotcommander/forge/internal/models"
	"github.com/dotcommander/forge/internal/output"
	"github.com/dotcommander/forge/internal/store"
)

// NewTaskCmd exposes Task operations: create inserts a task and show prints
// one. There are no subcommands to delete a task or change its status.
func NewTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskShowCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var projectID, title, description, repoPath, executorProfile, copyFiles, imageAssetsDir string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *sql.DB) error {
				t := &models.Task{
					ProjectID:       projectID,
					Title:           title,
					Description:     description,
					Status:          models.TaskStatusTodo,
					RepoPath:        repoPath,
					ExecutorProfile: executorProfile,
					CopyFiles:       copyFiles,
					ImageAssetsDir:  imageAssetsDir,
				}
				if err := store.CreateTask(context.Background(), db, t); err != nil {
					return err
				}
				return output.PrintSuccess(t)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "Owning project id")
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringVar(&repoPath, "repo-path", "", "Non-empty to request a container-mode sandbox instead of a worktree")
	cmd.Flags().StringVar(&executorProfile, "executor-profile", "", "Default executor tag for attempts against this task")
	cmd.Flags().StringVar(&copyFiles, "copy-files", "", "Comma-separated project-relative paths copied into a new worktree")
	cmd.Flags().StringVar(&imageAssetsDir, "image-assets-dir", "", "Directory of task-scoped image assets copied into a new worktree, if any")
	_ = cmd.MarkFlagRequired("project-id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *sql.DB) error {
				t, err := store.GetTask(context.Background(), db, args[0])
				if err != nil {
					return err
				}
				return output.PrintSuccess(t)
			})
		},
	}
	return cmd
}
