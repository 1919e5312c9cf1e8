package monitor

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
	"github.com/dotcommander/forge/internal/msgstore"
	"github.com/dotcommander/forge/internal/notify"
	"github.com/dotcommander/forge/internal/registry"
	"github.com/dotcommander/forge/internal/spawn"
	"github.com/dotcommander/forge/internal/store"
)

type fakeStarter struct {
	started []models.ActionType
}

func (f *fakeStarter) StartExecution(_ context.Context, _ uuid.UUID, action *models.ExecutorAction, _ models.RunReason) error {
	f.started = append(f.started, action.Type)
	return nil
}

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

func seedAttemptAndProcess(t *testing.T, db *sql.DB, action *models.ExecutorAction, runReason models.RunReason) (*models.Task, *models.TaskAttempt, *models.ExecutionProcess) {
	t.Helper()
	ctx := context.Background()

	task := &models.Task{ProjectID: "proj1", Title: "do the thing", Status: models.TaskStatusInProgress}
	require.NoError(t, store.CreateTask(ctx, db, task))

	attempt := &models.TaskAttempt{TaskID: task.ID, BaseBranch: "main", ExecutorTag: "claude-code"}
	require.NoError(t, store.CreateTaskAttempt(ctx, db, attempt))

	proc := &models.ExecutionProcess{AttemptID: attempt.ID, RunReason: runReason, Action: action}
	require.NoError(t, store.CreateExecutionProcess(ctx, db, proc))

	return task, attempt, proc
}

func TestMonitorFinalizesTaskOnTerminalSuccess(t *testing.T) {
	db := newTestDB(t)
	dir := initTestRepo(t)
	reg := registry.New()

	action := &models.ExecutorAction{Type: models.ActionTypeCleanupScript, Payload: mustPayload(t, store.ScriptPayload{Script: "true"})}
	task, attempt, proc := seedAttemptAndProcess(t, db, action, models.RunReasonCleanupScript)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), []byte("done"), 0o644))

	h, err := spawn.Start(context.Background(), spawn.Spec{Command: "true", Mode: spawn.IOPiped}, os.Stdout)
	require.NoError(t, err)
	require.NoError(t, reg.Insert(proc.ID, h))

	msgs := msgstore.New()
	starter := &fakeStarter{}
	m := New(db, reg, notify.NewLogNotifier(nil), starter, nil, false)

	done := make(chan struct{})
	go func() {
		m.Watch(context.Background(), proc.ID, h, msgs, dir, attempt.ID.String())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not finish watching")
	}

	updated, err := store.GetTask(context.Background(), db, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInReview, updated.Status)

	_, err = reg.Get(proc.ID)
	require.Error(t, err, "handle should be removed from registry after exit")

	require.True(t, msgs.Finished())
}

func TestMonitorChainsNextActionOnSuccessfulCodingAgent(t *testing.T) {
	db := newTestDB(t)
	dir := initTestRepo(t)
	reg := registry.New()

	next := &models.ExecutorAction{Type: models.ActionTypeDevServer, Payload: mustPayload(t, store.ScriptPayload{Script: "true"})}
	action := &models.ExecutorAction{Type: models.ActionTypeInitialCodingRequest, Payload: mustPayload(t, store.CodingRequestPayload{Prompt: "do the thing"}), NextAction: next}
	_, attempt, proc := seedAttemptAndProcess(t, db, action, models.RunReasonCodingAgent)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "change.txt"), []byte("x"), 0o644))

	h, err := spawn.Start(context.Background(), spawn.Spec{Command: "true", Mode: spawn.IOPiped}, os.Stdout)
	require.NoError(t, err)
	require.NoError(t, reg.Insert(proc.ID, h))

	msgs := msgstore.New()
	starter := &fakeStarter{}
	m := New(db, reg, notify.NewLogNotifier(nil), starter, nil, false)

	done := make(chan struct{})
	go func() {
		m.Watch(context.Background(), proc.ID, h, msgs, dir, attempt.ID.String())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not finish watching")
	}

	require.Equal(t, []models.ActionType{models.ActionTypeDevServer}, starter.started)
}

func TestMonitorFailedExitSkipsChainAndFinalizes(t *testing.T) {
	db := newTestDB(t)
	dir := initTestRepo(t)
	reg := registry.New()

	action := &models.ExecutorAction{Type: models.ActionTypeInitialCodingRequest, Payload: mustPayload(t, store.CodingRequestPayload{Prompt: "do the thing"})}
	task, attempt, proc := seedAttemptAndProcess(t, db, action, models.RunReasonCodingAgent)

	h, err := spawn.Start(context.Background(), spawn.Spec{Command: "false", Mode: spawn.IOPiped}, os.Stdout)
	require.NoError(t, err)
	require.NoError(t, reg.Insert(proc.ID, h))

	msgs := msgstore.New()
	starter := &fakeStarter{}
	m := New(db, reg, notify.NewLogNotifier(nil), starter, nil, false)

	done := make(chan struct{})
	go func() {
		m.Watch(context.Background(), proc.ID, h, msgs, dir, attempt.ID.String())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not finish watching")
	}

	updated, err := store.GetExecutionProcess(context.Background(), db, proc.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProcessStatusFailed, updated.Status)
	require.NotNil(t, updated.ExitCode)
	require.Equal(t, 1, *updated.ExitCode)

	updatedTask, err := store.GetTask(context.Background(), db, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInReview, updatedTask.Status)
	require.Empty(t, starter.started)
}

func TestMonitorNaturalDevServerExitDoesNotFinalizeTask(t *testing.T) {
	db := newTestDB(t)
	dir := initTestRepo(t)
	reg := registry.New()

	action := &models.ExecutorAction{Type: models.ActionTypeDevServer, Payload: mustPayload(t, store.ScriptPayload{Script: "true"})}
	task, attempt, proc := seedAttemptAndProcess(t, db, action, models.RunReasonDevServer)

	// The dev server exits on its own (e.g. a crash or port conflict), not
	// via Stop & Kill: command exits 0 and store.WasKilled reports false.
	h, err := spawn.Start(context.Background(), spawn.Spec{Command: "true", Mode: spawn.IOPiped}, os.Stdout)
	require.NoError(t, err)
	require.NoError(t, reg.Insert(proc.ID, h))

	msgs := msgstore.New()
	starter := &fakeStarter{}
	m := New(db, reg, notify.NewLogNotifier(nil), starter, nil, false)

	done := make(chan struct{})
	go func() {
		m.Watch(context.Background(), proc.ID, h, msgs, dir, attempt.ID.String())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not finish watching")
	}

	updatedTask, err := store.GetTask(context.Background(), db, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInProgress, updatedTask.Status, "a terminal dev_server run, killed or not, must never finalize the task")
}
