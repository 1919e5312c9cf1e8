package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd/cio"

	"github.com/dotcommander/forge/internal/container"
)

// ContainerHandle adapts a container exec to the Process interface so the
// Exit Monitor supervises a container-mode action the same way it
// supervises a worktree-mode process group: Wait/Done/Stop behave
// identically from the caller's side regardless of which sandbox kind
// backs the execution.
type ContainerHandle struct {
	client *container.Client
	exec   *container.Exec

	mu      sync.Mutex
	killed  bool
	exitCh  chan struct{}
	exitErr error
}

// StartContainerExec creates and starts an exec of argv inside containerID,
// rooted at workdir, forwarding its combined output to output.
func StartContainerExec(ctx context.Context, client *container.Client, containerID, execID string, argv []string, workdir string, output io.Writer) (*ContainerHandle, error) {
	attach := cio.NewCreator(cio.WithStreams(nil, output, output))

	e, err := client.CreateExec(ctx, containerID, execID, argv, workdir, attach)
	if err != nil {
		return nil, fmt.Errorf("spawn: create container exec: %w", err)
	}
	if err := client.StartExec(ctx, e); err != nil {
		return nil, fmt.Errorf("spawn: start container exec: %w", err)
	}

	h := &ContainerHandle{client: client, exec: e, exitCh: make(chan struct{})}
	go func() {
		code, err := e.Wait(context.Background())
		switch {
		case err != nil:
			h.exitErr = err
		case code != 0:
			h.exitErr = &ExecExitError{Code: code}
		}
		close(h.exitCh)
	}()
	return h, nil
}

// ExecExitError reports a non-zero container exec exit code, giving the
// Exit Monitor the same (code, ok) extraction it gets from *exec.ExitError
// for a worktree-mode process.
type ExecExitError struct {
	Code int
}

func (e *ExecExitError) Error() string {
	return fmt.Sprintf("spawn: container exec exited with status %d", e.Code)
}

// ExitCode returns the exec process's exit code.
func (e *ExecExitError) ExitCode() int {
	return e.Code
}

var _ Process = (*ContainerHandle)(nil)

// Done returns a channel closed when the exec process has exited.
func (h *ContainerHandle) Done() <-chan struct{} {
	return h.exitCh
}

// Wait blocks until the exec process exits and returns its terminal error, if any.
func (h *ContainerHandle) Wait() error {
	<-h.exitCh
	return h.exitErr
}

// PID always returns 0: a containerd exec has no host-visible PID this
// package can act on.
func (h *ContainerHandle) PID() int {
	return 0
}

// Stop signals the exec process, escalating to SIGKILL if it hasn't exited
// within grace. Safe to call multiple times.
func (h *ContainerHandle) Stop(sig syscall.Signal, grace time.Duration) error {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return nil
	}
	h.killed = true
	h.mu.Unlock()

	ctx := context.Background()
	if err := h.exec.Kill(ctx, sig); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("spawn: signaling container exec: %w", err)
	}

	select {
	case <-h.exitCh:
		return nil
	case <-time.After(grace):
	}

	if err := h.exec.Kill(ctx, syscall.SIGKILL); err != nil {
		return fmt.Errorf("spawn: force-killing container exec: %w", err)
	}
	return nil
}
