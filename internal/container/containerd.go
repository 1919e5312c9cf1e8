// Package container is the container runtime collaborator: a containerd
// client wrapping the create/start/exec operations the Sandbox Manager and
// Execution Spawn components need for container-mode attempts, plus a
// buildctl subprocess for image builds. Grounded on cuemby-warren's
// pkg/runtime/containerd.go ContainerdRuntime; narrowed and renamed to
// forge's domain (mounts/workdir/tty/stdin per attempt, not Warren's
// resource-limited service container).
package container

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	cderrdefs "github.com/containerd/containerd/errdefs"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultNamespace is the containerd namespace forge containers run under.
const DefaultNamespace = "forge"

// DefaultSocketPath is the default containerd socket path, overridable via
// the FORGE_CONTAINERD_SOCKET setting.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// Mount describes a bind mount applied to a created container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Client wraps a containerd connection scoped to the forge namespace.
type Client struct {
	client    *containerd.Client
	namespace string
}

// Dial connects to containerd at socketPath (DefaultSocketPath if empty).
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	c, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("container: connecting to containerd: %w", err)
	}
	return &Client{client: c, namespace: DefaultNamespace}, nil
}

// Close releases the underlying containerd connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Client) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// CreateContainer materializes a container from image, named name, with
// mounts applied and workdir as its working directory. tty and stdin are
// accepted but not used: container creation ignores them, and the exec
// path (spawn.StartContainerExec) attaches no stdin and allocates no
// terminal.
func (c *Client) CreateContainer(ctx context.Context, image, name string, mounts []Mount, workdir string, tty, stdin bool) (string, error) {
	ctx = c.ns(ctx)

	img, err := c.client.GetImage(ctx, image)
	if err != nil {
		return "", fmt.Errorf("container: get image %s: %w", image, err)
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(img)}
	if workdir != "" {
		opts = append(opts, oci.WithProcessCwd(workdir))
	}
	if len(mounts) > 0 {
		specMounts := make([]specs.Mount, 0, len(mounts))
		for _, m := range mounts {
			mountOpts := []string{"rbind"}
			if m.ReadOnly {
				mountOpts = append(mountOpts, "ro")
			}
			specMounts = append(specMounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     mountOpts,
			})
		}
		opts = append(opts, oci.WithMounts(specMounts))
	}

	ctr, err := c.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(name+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("container: create %s: %w", name, err)
	}
	return ctr.ID(), nil
}

// StartContainer creates and starts the container's init task.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	ctx = c.ns(ctx)
	ctr, err := c.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("container: load %s: %w", containerID, err)
	}
	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("container: create task for %s: %w", containerID, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("container: start task for %s: %w", containerID, err)
	}
	return nil
}

// StopContainer signals the container's init task SIGTERM, waits up to
// timeout, then escalates to SIGKILL and deletes the task. A container with
// no running task is treated as already stopped.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	const timeout = 10 * time.Second
	ctx = c.ns(ctx)

	ctr, err := c.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cderrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("container: load %s: %w", containerID, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("container: SIGTERM task %s: %w", containerID, err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("container: wait task %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("container: SIGKILL task %s: %w", containerID, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("container: delete task %s: %w", containerID, err)
	}
	return nil
}

// Exec represents a running exec process inside a container, analogous to
// spawn.Handle for the worktree path.
type Exec struct {
	process containerd.Process
}

// CreateExec creates (but does not start) an exec process running argv
// inside containerID's namespace, rooted at workdir.
func (c *Client) CreateExec(ctx context.Context, containerID, execID string, argv []string, workdir string, attach cio.Creator) (*Exec, error) {
	ctx = c.ns(ctx)
	ctr, err := c.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("container: load %s: %w", containerID, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("container: load task %s: %w", containerID, err)
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("container: load spec %s: %w", containerID, err)
	}
	pspec := *spec.Process
	pspec.Args = argv
	if workdir != "" {
		pspec.Cwd = workdir
	}

	proc, err := task.Exec(ctx, execID, &pspec, attach)
	if err != nil {
		return nil, fmt.Errorf("container: create exec %s in %s: %w", execID, containerID, err)
	}
	return &Exec{process: proc}, nil
}

// StartExec starts a process created by CreateExec.
func (c *Client) StartExec(ctx context.Context, e *Exec) error {
	ctx = c.ns(ctx)
	if err := e.process.Start(ctx); err != nil {
		return fmt.Errorf("container: start exec: %w", err)
	}
	return nil
}

// Wait blocks until the exec process exits and returns its exit code.
func (e *Exec) Wait(ctx context.Context) (int, error) {
	statusC, err := e.process.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("container: wait exec: %w", err)
	}
	status := <-statusC
	return int(status.ExitCode()), status.Error()
}

// Kill signals the exec process, mirroring spawn.Handle.Stop's signal step
// for the container-mode execution path.
func (e *Exec) Kill(ctx context.Context, sig syscall.Signal) error {
	if err := e.process.Kill(ctx, sig); err != nil {
		return fmt.Errorf("container: kill exec: %w", err)
	}
	return nil
}

// BuildImage shells out to buildctl to build build_context and tag the
// result, since BuildKit is not vendored as an importable Go library in
// this stack — the buildctl CLI is the supported integration point.
func BuildImage(ctx context.Context, buildContext, tag string) error {
	cmd := exec.CommandContext(ctx, "buildctl", //nolint:gosec // G204: tag/context are operator-controlled, not external input
		"build",
		"--frontend=dockerfile.v0",
		"--local", "context="+buildContext,
		"--local", "dockerfile="+buildContext,
		"--output", "type=image,name="+tag,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("container: buildctl build %s: %s: %w", tag, string(out), err)
	}
	return nil
}
