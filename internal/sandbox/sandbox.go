// Package sandbox is the Sandbox Manager: it creates, locates, and destroys
// the per-attempt isolated workspace — either a version-control worktree on
// the host filesystem or a mounted container — that an attempt's action
// chain executes against.
//
// Shaped after the Manager interface in the steveyegge-vc sandbox manager
// (create/get/cleanup around a mutex-guarded map), narrowed to the three
// operations the execution core actually needs: a reference is opaque and
// its mode (worktree vs container) is inferred purely from its shape, never
// carried as a separate flag.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/dotcommander/forge/internal/container"
	"github.com/dotcommander/forge/internal/git"
	"github.com/dotcommander/forge/internal/models"
)

// ErrSandboxMissing is returned by EnsureExists when a worktree reference's
// directory is gone and it cannot be re-materialized (e.g. its branch was
// also deleted).
var ErrSandboxMissing = errors.New("sandbox: missing and cannot be re-materialized")

// Manager creates, locates, and tears down attempt sandboxes.
type Manager struct {
	repoDir    string
	containers *container.Client // nil disables container mode

	// builds collapses concurrent BuildImage calls for the same task id
	// into a single buildctl invocation, so two attempts spawned for the
	// same task back-to-back don't race to build the same devcontainer
	// image.
	builds singleflight.Group
}

// New returns a Manager rooted at repoDir, the checkout that worktrees are
// branched from. containers may be nil, in which case CreateContainer
// returns an error and all container-mode operations on existing
// container-ref attempts still work read-only (is_clean/delete no-op).
func New(repoDir string, containers *container.Client) *Manager {
	return &Manager{repoDir: repoDir, containers: containers}
}

// RepoDir returns the checkout this Manager branches worktrees from, for
// callers (e.g. a merged-and-quiescent diff projection) that need to read
// a merge commit directly from the shared repository rather than a
// per-attempt worktree.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// DevcontainerTag returns the image tag BuildImage builds and CreateContainer
// resolves to for a Dockerfile-based devcontainer config, for callers that
// need to know the tag ahead of the build (e.g. to check a local image
// cache before triggering one).
func DevcontainerTag(taskID string) string {
	return fmt.Sprintf("forge-devcontainer:%s", taskID)
}

// BuildImage builds (or waits on an in-flight build of) the devcontainer
// image tagged for taskID, so concurrent attempts against the same task
// share one buildctl invocation instead of racing to build the same image.
func (m *Manager) BuildImage(ctx context.Context, buildContext, taskID string) error {
	if m.containers == nil {
		return fmt.Errorf("sandbox: container mode disabled, no runtime configured")
	}
	_, err, _ := m.builds.Do(taskID, func() (any, error) {
		return nil, container.BuildImage(ctx, buildContext, DevcontainerTag(taskID))
	})
	return err
}

// CreateWorktree materializes a new worktree-mode sandbox for attempt,
// deriving its branch name from (attempt id, task title) per the data
// model's determinism invariant, then copies task's configured project
// files and task-scoped image assets into the new tree, and returns the
// worktree path to persist as the attempt's container reference.
func (m *Manager) CreateWorktree(ctx context.Context, attemptID string, task *models.Task, baseBranch string) (path, branch string, err error) {
	branch = git.BranchNameForAttempt(attemptID, task.Title)
	path = fmt.Sprintf("%s/%s", git.WorktreeBaseDir(m.repoDir), attemptID)

	repo := git.NewRepo(m.repoDir)
	if err := repo.CreateWorktree(path, branch, baseBranch, true); err != nil {
		return "", "", fmt.Errorf("sandbox: create worktree: %w", err)
	}
	if err := copyProjectFiles(m.repoDir, path, task.CopyFiles); err != nil {
		return "", "", fmt.Errorf("sandbox: copy project files: %w", err)
	}
	if err := copyImageAssets(task.ImageAssetsDir, path); err != nil {
		return "", "", fmt.Errorf("sandbox: copy image assets: %w", err)
	}
	return path, branch, nil
}

// copyProjectFiles copies each comma-separated, trimmed, non-empty path in
// copyFiles from sourceDir into targetDir, creating parent directories as
// needed. Mirrors the project-file half of worktree materialization: every
// named file must exist in sourceDir, or the whole copy fails.
func copyProjectFiles(sourceDir, targetDir, copyFiles string) error {
	for _, rel := range strings.Split(copyFiles, ",") {
		rel = strings.TrimSpace(rel)
		if rel == "" {
			continue
		}
		src := filepath.Join(sourceDir, rel)
		dst := filepath.Join(targetDir, rel)

		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("file %q does not exist in the project directory", rel)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create parent directory for %q: %w", rel, err)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read %q: %w", rel, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write %q: %w", rel, err)
		}
	}
	return nil
}

// copyImageAssets copies the contents of a task's image-asset cache
// directory (if configured) wholesale into the new worktree, under an
// imageAssetsDirName subdirectory. A task with no configured directory, or
// one that hasn't produced any image assets yet, is a no-op.
func copyImageAssets(assetsDir, targetDir string) error {
	if assetsDir == "" {
		return nil
	}
	if _, err := os.Stat(assetsDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	dst := filepath.Join(targetDir, imageAssetsDirName)
	return filepath.WalkDir(assetsDir, func(src string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(assetsDir, src)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read image asset %q: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// imageAssetsDirName is the well-known subdirectory under a worktree that
// task-scoped image assets are copied into.
const imageAssetsDirName = ".forge/image-assets"

// CreateContainer materializes a new container-mode sandbox, returning the
// container id to persist as the attempt's container reference. Fails if
// this Manager has no container runtime configured. If taskRepoPath carries
// a .devcontainer/devcontainer.json naming a Dockerfile rather than a pinned
// image, the image is built (deduplicated per taskID via BuildImage) before
// the container is created.
func (m *Manager) CreateContainer(ctx context.Context, image, name string, mounts []container.Mount, taskRepoPath, taskID string) (containerID string, err error) {
	if m.containers == nil {
		return "", fmt.Errorf("sandbox: container mode disabled, no runtime configured")
	}

	if taskRepoPath != "" {
		resolvedImage, dockerfilePath, derr := ResolveDevcontainerImage(taskRepoPath)
		if derr != nil {
			return "", fmt.Errorf("sandbox: resolve devcontainer config: %w", derr)
		}
		switch {
		case resolvedImage != "":
			image = resolvedImage
		case dockerfilePath != "":
			if err := m.BuildImage(ctx, filepath.Dir(dockerfilePath), taskID); err != nil {
				return "", fmt.Errorf("sandbox: build devcontainer image: %w", err)
			}
			image = DevcontainerTag(taskID)
		}
	}

	id, err := m.containers.CreateContainer(ctx, image, name, mounts, "/workspace", true, true)
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := m.containers.StartContainer(ctx, id); err != nil {
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}
	return id, nil
}

// EnsureExists re-materializes a worktree-mode attempt's directory from its
// persisted branch if the directory is missing. Container references are a
// no-op: container lifetime is independent of this call.
func (m *Manager) EnsureExists(a *models.TaskAttempt) error {
	if a.ContainerRef == "" {
		return ErrSandboxMissing
	}
	if models.IsContainerRef(a.ContainerRef) {
		return nil
	}
	repo := git.NewRepo(m.repoDir)
	if err := repo.EnsureWorktreeExists(a.ContainerRef, a.Branch); err != nil {
		return fmt.Errorf("%w: %v", ErrSandboxMissing, err)
	}
	return nil
}

// IsClean returns true if the attempt's sandbox has no pending changes. A
// reference resolving to no on-disk state (empty, or path missing) counts
// as clean; otherwise it delegates to git's working-tree-clean predicate.
// Container references are always reported clean — the version-control
// collaborator has no purchase on a container's filesystem.
func (m *Manager) IsClean(a *models.TaskAttempt) (bool, error) {
	if a.ContainerRef == "" {
		return true, nil
	}
	if models.IsContainerRef(a.ContainerRef) {
		return true, nil
	}
	clean, err := git.IsWorktreeClean(a.ContainerRef)
	if err != nil {
		// A missing path is "no on-disk state", which counts as clean.
		return true, nil //nolint:nilerr // missing worktree path is reported clean, not an error
	}
	return clean, nil
}

// Delete best-effort removes a worktree-mode attempt's workspace, or stops a
// container-mode one. Never fails the caller: errors are swallowed after
// being surfaced to the returned error for logging only.
func (m *Manager) Delete(ctx context.Context, a *models.TaskAttempt) error {
	if a.ContainerRef == "" {
		return nil
	}
	if models.IsContainerRef(a.ContainerRef) {
		if m.containers == nil {
			return nil
		}
		if err := m.containers.StopContainer(ctx, a.ContainerRef); err != nil {
			return fmt.Errorf("sandbox: stop container (non-fatal): %w", err)
		}
		return nil
	}
	if err := git.CleanupWorktree(a.ContainerRef, git.NewRepo(m.repoDir)); err != nil {
		return fmt.Errorf("sandbox: cleanup worktree (non-fatal): %w", err)
	}
	return nil
}
