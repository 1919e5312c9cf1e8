package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/forge/internal/models"
	"github.com/dotcommander/forge/internal/monitor"
	"github.com/dotcommander/forge/internal/notify"
	"github.com/dotcommander/forge/internal/registry"
	"github.com/dotcommander/forge/internal/sandbox"
	"github.com/dotcommander/forge/internal/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.CloseDB(db) })
	return db
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
	return dir
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func newTestOrchestrator(t *testing.T, db *sql.DB, repoDir string) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	mgr := sandbox.New(repoDir, nil)
	orc := NewOrchestrator(db, mgr, reg, nil, nil)
	mon := monitor.New(db, reg, notify.NewLogNotifier(nil), orc, nil, false)
	orc.AttachMonitor(mon)
	return orc, reg
}

func TestStartExecutionRunsWorktreeScriptAndFinalizesTask(t *testing.T) {
	db := newTestDB(t)
	repoDir := initTestRepo(t)
	ctx := context.Background()

	task := &models.Task{ProjectID: "proj1", Title: "do the thing", Status: models.TaskStatusInProgress}
	require.NoError(t, store.CreateTask(ctx, db, task))

	worktreePath := filepath.Join(t.TempDir(), "wt")
	runGit := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", repoDir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	runGit("worktree", "add", "-b", "feature/x", worktreePath, "main")

	attempt := &models.TaskAttempt{TaskID: task.ID, BaseBranch: "main", ContainerRef: worktreePath, Branch: "feature/x", ExecutorTag: "claude-code"}
	require.NoError(t, store.CreateTaskAttempt(ctx, db, attempt))

	orc, _ := newTestOrchestrator(t, db, repoDir)

	action := &models.ExecutorAction{Type: models.ActionTypeCleanupScript, Payload: mustPayload(t, store.ScriptPayload{Script: "true"})}
	require.NoError(t, orc.StartExecution(ctx, attempt.ID, action, models.RunReasonCleanupScript))

	require.Eventually(t, func() bool {
		updated, err := store.GetTask(ctx, db, task.ID)
		return err == nil && updated.Status == models.TaskStatusInReview
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartExecutionRejectsRetiredAttempt(t *testing.T) {
	db := newTestDB(t)
	repoDir := initTestRepo(t)
	ctx := context.Background()

	task := &models.Task{ProjectID: "proj1", Title: "do the thing", Status: models.TaskStatusInProgress}
	require.NoError(t, store.CreateTask(ctx, db, task))

	attempt := &models.TaskAttempt{TaskID: task.ID, BaseBranch: "main", ContainerRef: "/tmp/whatever", ExecutorTag: "claude-code"}
	require.NoError(t, store.CreateTaskAttempt(ctx, db, attempt))
	require.NoError(t, store.MarkWorktreeDeleted(ctx, db, attempt.ID))

	orc, _ := newTestOrchestrator(t, db, repoDir)

	action := &models.ExecutorAction{Type: models.ActionTypeCleanupScript, Payload: mustPayload(t, store.ScriptPayload{Script: "true"})}
	err := orc.StartExecution(ctx, attempt.ID, action, models.RunReasonCleanupScript)
	require.Error(t, err)
}

func TestStartExecutionRejectsContainerModeWithoutRuntime(t *testing.T) {
	db := newTestDB(t)
	repoDir := initTestRepo(t)
	ctx := context.Background()

	task := &models.Task{ProjectID: "proj1", Title: "do the thing", Status: models.TaskStatusInProgress, RepoPath: repoDir}
	require.NoError(t, store.CreateTask(ctx, db, task))

	attempt := &models.TaskAttempt{TaskID: task.ID, BaseBranch: "main", ContainerRef: "abcdef012345", ExecutorTag: "claude-code"}
	require.NoError(t, store.CreateTaskAttempt(ctx, db, attempt))

	orc, _ := newTestOrchestrator(t, db, repoDir)

	action := &models.ExecutorAction{Type: models.ActionTypeCleanupScript, Payload: mustPayload(t, store.ScriptPayload{Script: "true"})}
	err := orc.StartExecution(ctx, attempt.ID, action, models.RunReasonCleanupScript)
	require.Error(t, err)
}

func TestStopSignalsRunningHandle(t *testing.T) {
	db := newTestDB(t)
	repoDir := initTestRepo(t)
	ctx := context.Background()

	task := &models.Task{ProjectID: "proj1", Title: "do the thing", Status: models.TaskStatusInProgress}
	require.NoError(t, store.CreateTask(ctx, db, task))

	worktreePath := filepath.Join(t.TempDir(), "wt")
	runGit := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", repoDir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	runGit("worktree", "add", "-b", "feature/y", worktreePath, "main")

	attempt := &models.TaskAttempt{TaskID: task.ID, BaseBranch: "main", ContainerRef: worktreePath, Branch: "feature/y", ExecutorTag: "claude-code"}
	require.NoError(t, store.CreateTaskAttempt(ctx, db, attempt))

	orc, reg := newTestOrchestrator(t, db, repoDir)

	action := &models.ExecutorAction{Type: models.ActionTypeCleanupScript, Payload: mustPayload(t, store.ScriptPayload{Script: "sleep", Args: []string{"5"}})}
	require.NoError(t, orc.StartExecution(ctx, attempt.ID, action, models.RunReasonCleanupScript))

	var procID uuid.UUID
	require.Eventually(t, func() bool {
		proc, err := store.FindRunningForAttempt(ctx, db, attempt.ID)
		if err != nil {
			return false
		}
		procID = proc.ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, orc.Stop(ctx, attempt.ID))

	// Stop only returns once the monitor's onExit goroutine has finished
	// tearing the execution down, so these postconditions hold immediately
	// rather than needing to be polled for.
	proc, err := store.GetExecutionProcess(ctx, db, procID)
	require.NoError(t, err)
	require.Equal(t, models.ProcessStatusKilled, proc.Status)

	_, err = reg.Get(procID)
	require.Error(t, err, "handle should be removed from registry once Stop returns")

	_, ok := orc.MessageStore(procID)
	require.False(t, ok, "message store should be dropped once Stop returns")

	// A killed cleanup_script run still finalizes the task: only dev_server
	// executions skip finalization on kill.
	updated, err := store.GetTask(ctx, db, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInReview, updated.Status)
}
