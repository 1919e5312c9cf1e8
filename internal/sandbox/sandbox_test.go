package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/forge/internal/models"
)

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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "local.env"), []byte("SECRET=1\n"), 0o644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestCreateWorktreeCopiesConfiguredProjectFiles(t *testing.T) {
	dir := initTestRepo(t)
	mgr := New(dir, nil)

	task := &models.Task{Title: "Add retry loop", CopyFiles: " README.md , config/local.env ,, "}
	path, _, err := mgr.CreateWorktree(context.Background(), "attempt-1", task, "main")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(path, "config", "local.env"))
	require.NoError(t, err)
	require.Equal(t, "SECRET=1\n", string(got))
}

func TestCreateWorktreeMissingCopyFileErrors(t *testing.T) {
	dir := initTestRepo(t)
	mgr := New(dir, nil)

	task := &models.Task{Title: "Add retry loop", CopyFiles: "does-not-exist.txt"}
	_, _, err := mgr.CreateWorktree(context.Background(), "attempt-1", task, "main")
	require.Error(t, err)
}

func TestCreateWorktreeCopiesTaskImageAssets(t *testing.T) {
	dir := initTestRepo(t)
	mgr := New(dir, nil)

	assetsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(assetsDir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(assetsDir, "screenshot.png"), []byte("png-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(assetsDir, "nested", "diagram.svg"), []byte("svg-bytes"), 0o644))

	task := &models.Task{Title: "Fix the layout bug", ImageAssetsDir: assetsDir}
	path, _, err := mgr.CreateWorktree(context.Background(), "attempt-2", task, "main")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(path, imageAssetsDirName, "screenshot.png"))
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(got))

	got, err = os.ReadFile(filepath.Join(path, imageAssetsDirName, "nested", "diagram.svg"))
	require.NoError(t, err)
	require.Equal(t, "svg-bytes", string(got))
}

func TestCreateWorktreeNoConfiguredAssetsIsNoop(t *testing.T) {
	dir := initTestRepo(t)
	mgr := New(dir, nil)

	task := &models.Task{Title: "Plain attempt"}
	path, _, err := mgr.CreateWorktree(context.Background(), "attempt-3", task, "main")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(path, imageAssetsDirName))
	require.True(t, os.IsNotExist(err))
}
