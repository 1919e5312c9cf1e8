package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/forge/internal/container"
	"github.com/dotcommander/forge/internal/git"
	"github.com/dotcommander/forge/internal/models"
	"github.com/dotcommander/forge/internal/monitor"
	"github.com/dotcommander/forge/internal/msgstore"
	"github.com/dotcommander/forge/internal/registry"
	"github.com/dotcommander/forge/internal/sandbox"
	"github.com/dotcommander/forge/internal/spawn"
	"github.com/dotcommander/forge/internal/store"
)

// stopGrace is how long Stop waits for SIGTERM before escalating to
// SIGKILL, for both worktree process groups and container execs.
const stopGrace = 10 * time.Second

// Orchestrator implements monitor.Starter, wiring the Sandbox Manager,
// Execution Spawn, Child Registry, Message Store, and Exit Monitor
// together per spec.md's start_execution contract (§4.3). It lives here,
// not in internal/monitor, because internal/monitor already imports
// internal/spawn for spawn.Process and spawn.Handle-shaped types — a
// package implementing Starter while also depending on monitor.Monitor
// can't live upstream of monitor without a cycle.
type Orchestrator struct {
	db         *sql.DB
	sandbox    *sandbox.Manager
	registry   *registry.Registry
	monitor    *monitor.Monitor
	containers *container.Client // nil disables container-mode actions
	logger     *slog.Logger

	mu     sync.Mutex
	stores map[uuid.UUID]*msgstore.Store // live message stores, keyed by execution id
	done   map[uuid.UUID]chan struct{}   // closed once the monitor has torn down an execution's registry entry and store
}

// NewOrchestrator returns an Orchestrator ready to start executions, except
// it cannot finish one until AttachMonitor is called. containers may be
// nil; attempts to start a container-mode action will then fail with a
// clear error rather than panicking.
func NewOrchestrator(db *sql.DB, mgr *sandbox.Manager, reg *registry.Registry, containers *container.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:         db,
		sandbox:    mgr,
		registry:   reg,
		containers: containers,
		logger:     logger,
		stores:     make(map[uuid.UUID]*msgstore.Store),
		done:       make(map[uuid.UUID]chan struct{}),
	}
}

var _ monitor.Starter = (*Orchestrator)(nil)

// AttachMonitor wires the Exit Monitor in after construction. Monitor.New
// requires a Starter at construction time, and the Orchestrator is that
// Starter — so the Monitor can only be built after the Orchestrator
// exists, and the Orchestrator can only drive executions once the Monitor
// it was built with is attached back to it. Callers must invoke this
// before the first StartExecution.
func (o *Orchestrator) AttachMonitor(m *monitor.Monitor) {
	o.monitor = m
}

// Sandbox exposes the underlying Sandbox Manager, for command handlers
// that need to materialize an attempt's worktree/container before its
// first execution can be started.
func (o *Orchestrator) Sandbox() *sandbox.Manager {
	return o.sandbox
}

// MessageStore returns the live Message Store for a running execution, for
// subscribers (e.g. a `forge serve` SSE handler) that want the normalized
// stdout/patch/finished stream. Returns ok=false once the execution has
// finished and been dropped.
func (o *Orchestrator) MessageStore(execID uuid.UUID) (*msgstore.Store, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stores[execID]
	return s, ok
}

// StartExecution implements monitor.Starter. It is spec.md §4.3's
// start_execution: persist the process row, branch on sandbox kind to spawn
// the action, register the handle, and hand the execution off to the Exit
// Monitor.
func (o *Orchestrator) StartExecution(ctx context.Context, attemptID uuid.UUID, action *models.ExecutorAction, runReason models.RunReason) error {
	attempt, err := store.GetTaskAttempt(ctx, o.db, attemptID)
	if err != nil {
		return fmt.Errorf("orchestrator: load attempt: %w", err)
	}
	if !attempt.CanStartExecution() {
		return fmt.Errorf("orchestrator: attempt %s is retired, no further executions may start", attemptID)
	}
	if attempt.ContainerRef == "" {
		return fmt.Errorf("%w: attempt %s has no sandbox", sandbox.ErrSandboxMissing, attemptID)
	}

	proc := &models.ExecutionProcess{AttemptID: attemptID, RunReason: runReason, Action: action}
	if !attempt.IsContainerMode() {
		if head, herr := git.GetHeadInfo(attempt.ContainerRef); herr == nil {
			proc.PreExecHead = head.OID
		}
	}
	if err := store.CreateExecutionProcess(ctx, o.db, proc); err != nil {
		return fmt.Errorf("orchestrator: persist execution process: %w", err)
	}

	if runReason.RequiresExclusivity() {
		if err := store.Transact(ctx, o.db, func(tx *sql.Tx) error {
			return store.ClaimExecutionSlotTx(tx, attemptID.String(), proc.ID.String())
		}); err != nil {
			return fmt.Errorf("orchestrator: claim execution slot: %w", err)
		}
	}

	msgs := msgstore.New()
	forwarder := spawn.NewForwarder(msgs)

	var (
		procHandle   spawn.Process
		worktreePath string
	)
	if attempt.IsContainerMode() {
		if o.containers == nil {
			return fmt.Errorf("orchestrator: container-mode attempt %s has no container runtime configured", attemptID)
		}
		argv, err := containerArgv(action)
		if err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		h, err := spawn.StartContainerExec(ctx, o.containers, attempt.ContainerRef, proc.ID.String(), argv, "/workspace", forwarder)
		if err != nil {
			return fmt.Errorf("orchestrator: start container exec: %w", err)
		}
		procHandle = h
	} else {
		worktreePath = attempt.ContainerRef
		spec, err := worktreeSpec(action, attempt, worktreePath)
		if err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		h, err := spawn.Start(ctx, spec, forwarder)
		if err != nil {
			return fmt.Errorf("orchestrator: spawn process: %w", err)
		}
		procHandle = h
	}

	if err := o.registry.Insert(proc.ID, procHandle); err != nil {
		return fmt.Errorf("orchestrator: register handle: %w", err)
	}

	doneCh := make(chan struct{})
	o.mu.Lock()
	o.stores[proc.ID] = msgs
	o.done[proc.ID] = doneCh
	o.mu.Unlock()

	go func() {
		o.monitor.Watch(context.Background(), proc.ID, procHandle, msgs, worktreePath, attemptID.String())
		forwarder.Flush()
		o.mu.Lock()
		delete(o.stores, proc.ID)
		delete(o.done, proc.ID)
		o.mu.Unlock()
		close(doneCh)
	}()

	return nil
}

// Stop implements Stop & Kill (spec.md §4.7, unchanged): locate the
// attempt's running execution process, flag it killed so the Exit Monitor
// pins its terminal status, then signal the registered handle. Does not
// return until the Exit Monitor's onExit goroutine has itself removed the
// registry entry and dropped the message store for this execution, so
// neither remains in their maps by the time Stop returns.
func (o *Orchestrator) Stop(ctx context.Context, attemptID uuid.UUID) error {
	proc, err := store.FindRunningForAttempt(ctx, o.db, attemptID)
	if err != nil {
		return fmt.Errorf("orchestrator: find running process: %w", err)
	}
	if err := store.MarkKilled(ctx, o.db, proc.ID); err != nil {
		return fmt.Errorf("orchestrator: mark killed: %w", err)
	}
	h, err := o.registry.Get(proc.ID)
	if err != nil {
		// Nothing live to signal (e.g. after a restart): the monitor's
		// stale-recovery pass will still observe it as killed.
		return nil
	}
	if err := h.Stop(syscall.SIGTERM, stopGrace); err != nil {
		return fmt.Errorf("orchestrator: stop handle: %w", err)
	}

	o.mu.Lock()
	doneCh := o.done[proc.ID]
	o.mu.Unlock()
	if doneCh == nil {
		// The monitor's goroutine already tore this execution down between
		// the registry.Get above and here.
		return nil
	}
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// containerArgv builds the argv for a container-mode exec from action's
// payload, per spec.md §4.3 step 2's literal `claude code --message
// <prompt>` form for coding-agent actions.
func containerArgv(action *models.ExecutorAction) ([]string, error) {
	switch action.Type {
	case models.ActionTypeInitialCodingRequest, models.ActionTypeFollowUpCodingRequest:
		var p store.CodingRequestPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return nil, err
		}
		return []string{"claude", "code", "--message", p.Prompt}, nil
	case models.ActionTypeSetupScript, models.ActionTypeCleanupScript, models.ActionTypeDevServer, models.ActionTypeBrowserChat:
		var p store.ScriptPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return nil, err
		}
		return append([]string{p.Script}, p.Args...), nil
	default:
		return nil, fmt.Errorf("unsupported action type %q in container mode", action.Type)
	}
}

// worktreeSpec builds the spawn.Spec for a worktree-mode action. Coding
// agent and dev_server/browser_chat actions get a PTY so their interactive
// CLIs behave as they would at a real terminal; setup/cleanup scripts use
// plain piped stdio.
func worktreeSpec(action *models.ExecutorAction, attempt *models.TaskAttempt, dir string) (spawn.Spec, error) {
	switch action.Type {
	case models.ActionTypeInitialCodingRequest, models.ActionTypeFollowUpCodingRequest:
		var p store.CodingRequestPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return spawn.Spec{}, err
		}
		executor, err := spawn.ResolveExecutor(attempt.ExecutorTag, os.Getenv)
		if err != nil {
			return spawn.Spec{}, fmt.Errorf("resolve executor: %w", err)
		}
		return spawn.Spec{
			Command: executor.Command,
			Args:    executor.Args(p.Prompt),
			Dir:     dir,
			Mode:    spawn.IOPTY,
		}, nil
	case models.ActionTypeDevServer, models.ActionTypeBrowserChat:
		var p store.ScriptPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return spawn.Spec{}, err
		}
		return spawn.Spec{Command: p.Script, Args: p.Args, Dir: dir, Mode: spawn.IOPTY}, nil
	case models.ActionTypeSetupScript, models.ActionTypeCleanupScript:
		var p store.ScriptPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return spawn.Spec{}, err
		}
		return spawn.Spec{Command: p.Script, Args: p.Args, Dir: dir, Mode: spawn.IOPiped}, nil
	default:
		return spawn.Spec{}, fmt.Errorf("unsupported action type %q in worktree mode", action.Type)
	}
}
