package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// IOMode selects how a spawned process's stdio is wired.
type IOMode int

const (
	// IOPiped uses plain os.Pipe stdio, appropriate for setup/cleanup
	// scripts whose output is captured line-by-line without a terminal.
	IOPiped IOMode = iota
	// IOPTY allocates a pseudo-terminal for stdout/stderr so interactive
	// CLIs (coding agents, dev servers) get line-buffered, TTY-aware output.
	IOPTY
)

// Spec describes a process to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Stdin   string
	Mode    IOMode
}

// Process is the supervision surface the Exit Monitor and Child Registry
// need from a live execution, implemented by both *Handle (worktree-mode,
// a real OS process group) and *ContainerHandle (container-mode, a
// containerd exec). Neither the monitor nor the registry needs to know
// which kind of child it holds.
type Process interface {
	// Done returns a channel closed when the process has exited.
	Done() <-chan struct{}
	// Wait blocks until the process exits and returns its terminal error, if any.
	Wait() error
	// PID returns the process's PID, or 0 if it has none (e.g. a container exec).
	PID() int
	// Stop signals the process, escalating to SIGKILL if it hasn't exited within grace.
	Stop(sig syscall.Signal, grace time.Duration) error
}

// Handle represents a running (or finished) child process and its stdio.
type Handle struct {
	cmd *exec.Cmd
	ptm *os.File

	mu       sync.Mutex
	killed   bool
	exitOnce sync.Once
	exitErr  error
	exitCh   chan struct{}
}

// Start launches spec as a new process-group leader so the whole tree
// (interpreters, subshells) can be killed atomically via Stop.
func Start(ctx context.Context, spec Spec, output io.Writer) (*Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("spawn: command is required")
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...) //nolint:gosec // G204: command resolved from a validated executor tag
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 5 * time.Second

	h := &Handle{cmd: cmd, exitCh: make(chan struct{})}

	switch spec.Mode {
	case IOPTY:
		ptmx, pts, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf("spawn: opening pty: %w", err)
		}
		cmd.Stdin = strings.NewReader(spec.Stdin)
		cmd.Stdout = pts
		cmd.Stderr = pts

		if err := cmd.Start(); err != nil {
			pts.Close()
			ptmx.Close()
			return nil, fmt.Errorf("spawn: starting %s: %w", spec.Command, err)
		}
		pts.Close()
		h.ptm = ptmx

		go func() {
			defer ptmx.Close()
			if _, err := io.Copy(output, ptmx); err != nil {
				var pathErr *os.PathError
				if !(errors.As(err, &pathErr) && pathErr.Err == syscall.EIO) {
					// Best-effort forwarding: a read error here doesn't change
					// the process's real exit status, which Wait still reports.
					fmt.Fprintf(output, "\n[pty read error: %v]\n", err)
				}
			}
		}()

	case IOPiped:
		cmd.Stdin = strings.NewReader(spec.Stdin)
		cmd.Stdout = output
		cmd.Stderr = output
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawn: starting %s: %w", spec.Command, err)
		}

	default:
		return nil, fmt.Errorf("spawn: unknown IO mode %d", spec.Mode)
	}

	go func() {
		h.exitErr = cmd.Wait()
		close(h.exitCh)
	}()

	return h, nil
}

var _ Process = (*Handle)(nil)

// PID returns the spawned process's PID.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its terminal error, if any.
func (h *Handle) Wait() error {
	<-h.exitCh
	return h.exitErr
}

// Done returns a channel closed when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.exitCh
}

// Stop sends sig to the entire process group, escalating to SIGKILL if the
// process hasn't exited within grace. Safe to call multiple times.
func (h *Handle) Stop(sig syscall.Signal, grace time.Duration) error {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return nil
	}
	h.killed = true
	h.mu.Unlock()

	pgid := h.PID()
	if pgid == 0 {
		return nil
	}

	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("spawn: signaling process group %d: %w", pgid, err)
	}

	select {
	case <-h.exitCh:
		return nil
	case <-time.After(grace):
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("spawn: force-killing process group %d: %w", pgid, err)
	}
	return nil
}
