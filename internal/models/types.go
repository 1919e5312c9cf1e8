package models

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ID strategy: Task, Merge, and ExecutorSession use distributed string ids
// (external callers may create tasks concurrently from multiple hosts), while
// TaskAttempt, ExecutionProcess, and BrowserSession use uuid.UUID, generated
// locally at creation time and never needing cross-host coordination.

// TaskStatus represents the current state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal returns true if no further attempts are expected against this task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// Task represents a coding request submitted by an external caller.
// Created and deleted by external API; mutated by the core only via Status
// transitions driven by the Exit Monitor and Stop & Kill.
type Task struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	ParentAttemptID  *uuid.UUID `json:"parent_attempt_id,omitempty"`
	RepoPath         string     `json:"repo_path,omitempty"` // non-empty signals container-mode sandbox
	ExecutorProfile  string     `json:"executor_profile,omitempty"`
	CopyFiles        string     `json:"copy_files,omitempty"`       // comma-separated project-relative paths copied into a new worktree
	ImageAssetsDir   string     `json:"image_assets_dir,omitempty"` // task-scoped directory of image assets copied into a new worktree, if any
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsContainerMode returns true if this task's sandbox should be a mounted
// container rather than a version-control worktree.
func (t *Task) IsContainerMode() bool {
	return t.RepoPath != ""
}

// containerRefPattern matches 12- or 64-character hex strings: container ids.
// Anything else is treated as a filesystem path. This is the sole
// classification mechanism — no out-of-band mode flag exists at the data layer.
var containerRefPattern = regexp.MustCompile(`^[0-9a-f]{12}$|^[0-9a-f]{64}$`)

// IsContainerRef reports whether ref identifies a container rather than a
// worktree path.
func IsContainerRef(ref string) bool {
	return containerRefPattern.MatchString(ref)
}

// TaskAttempt is one invocation of the action chain against an isolated
// sandbox derived from a task.
type TaskAttempt struct {
	ID               uuid.UUID `json:"id"`
	TaskID           string    `json:"task_id"`
	BaseBranch       string    `json:"base_branch"`
	ContainerRef     string    `json:"container_ref,omitempty"` // worktree path or container id; see IsContainerRef
	Branch           string    `json:"branch,omitempty"`        // derived deterministically from (id, task title)
	ExecutorTag      string    `json:"executor_tag"`            // closed vocabulary: claude-code, opencode, custom:<path>
	WorktreeDeleted  bool      `json:"worktree_deleted"`
	SetupCompletedAt *time.Time `json:"setup_completed_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsContainerMode reports whether this attempt's container ref is a container id.
func (a *TaskAttempt) IsContainerMode() bool {
	return a.ContainerRef != "" && IsContainerRef(a.ContainerRef)
}

// CanStartExecution reports whether new executions may still be started
// against this attempt. Once a worktree is reported deleted, the attempt is
// permanently retired from further execution.
func (a *TaskAttempt) CanStartExecution() bool {
	return !a.WorktreeDeleted
}

// RunReason identifies why an ExecutionProcess was spawned.
type RunReason string

// Run reason constants.
const (
	RunReasonSetupScript   RunReason = "setup_script"
	RunReasonCodingAgent   RunReason = "coding_agent"
	RunReasonCleanupScript RunReason = "cleanup_script"
	RunReasonDevServer     RunReason = "dev_server"
	RunReasonBrowserChat   RunReason = "browser_chat"
)

// RequiresExclusivity reports whether this run reason counts toward the
// "at most one running" exclusivity invariant for its attempt. dev_server
// (and browser_chat) are unconstrained.
func (r RunReason) RequiresExclusivity() bool {
	switch r {
	case RunReasonSetupScript, RunReasonCodingAgent, RunReasonCleanupScript:
		return true
	default:
		return false
	}
}

// ProcessStatus represents the lifecycle state of an ExecutionProcess.
type ProcessStatus string

// Process status constants.
const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusKilled    ProcessStatus = "killed"
)

// IsTerminal returns true for any of the three terminal states.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessStatusCompleted || s == ProcessStatusFailed || s == ProcessStatusKilled
}

// validProcessTransitions enumerates the only legal status transitions;
// reverse or skip transitions (e.g. completed -> running) are never allowed,
// and a killed process must never subsequently be marked completed.
var validProcessTransitions = map[ProcessStatus]map[ProcessStatus]bool{
	ProcessStatusRunning: {
		ProcessStatusCompleted: true,
		ProcessStatusFailed:    true,
		ProcessStatusKilled:    true,
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal
// monotonic status transition.
func CanTransition(from, to ProcessStatus) bool {
	if from == to {
		return false
	}
	allowed, ok := validProcessTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// ActionType is the tagged-variant discriminator for an ExecutorAction.
type ActionType string

// Action type constants.
const (
	ActionTypeInitialCodingRequest  ActionType = "initial_coding_request"
	ActionTypeFollowUpCodingRequest ActionType = "follow_up_coding_request"
	ActionTypeSetupScript           ActionType = "setup_script"
	ActionTypeCleanupScript         ActionType = "cleanup_script"
	ActionTypeDevServer             ActionType = "dev_server"
	ActionTypeBrowserChat           ActionType = "browser_chat"
)

// RunReason maps an action's type to the ExecutionProcess run reason it spawns.
func (t ActionType) RunReason() RunReason {
	switch t {
	case ActionTypeInitialCodingRequest, ActionTypeFollowUpCodingRequest:
		return RunReasonCodingAgent
	case ActionTypeSetupScript:
		return RunReasonSetupScript
	case ActionTypeCleanupScript:
		return RunReasonCleanupScript
	case ActionTypeDevServer:
		return RunReasonDevServer
	case ActionTypeBrowserChat:
		return RunReasonBrowserChat
	default:
		return ""
	}
}

// ExecutorAction is a recursive record describing what to run and what
// (optionally) to run next on success. Persisted as a single JSON column;
// Payload carries type-specific fields (e.g. prompt, script, args) validated
// against Type by the store layer before being written.
type ExecutorAction struct {
	Type       ActionType       `json:"type"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	NextAction *ExecutorAction  `json:"next_action,omitempty"`
}

// Flatten returns the linear chain of actions starting at a, in order.
// Iterative, not recursive, matching the teacher-style guidance against
// unbounded goroutine/task nesting when traversing the chain.
func (a *ExecutorAction) Flatten() []*ExecutorAction {
	var out []*ExecutorAction
	for cur := a; cur != nil; cur = cur.NextAction {
		out = append(out, cur)
	}
	return out
}

// ExecutionProcess is one spawned child process driving a single
// ExecutorAction for an attempt.
type ExecutionProcess struct {
	ID            uuid.UUID       `json:"id"`
	AttemptID     uuid.UUID       `json:"attempt_id"`
	RunReason     RunReason       `json:"run_reason"`
	Status        ProcessStatus   `json:"status"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	PreExecHead   string          `json:"pre_exec_head,omitempty"`
	PostExecHead  string          `json:"post_exec_head,omitempty"`
	Action        *ExecutorAction `json:"action"`
	Killed        bool            `json:"killed"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// WasKilled reports whether stop_execution marked this process killed
// before the exit monitor observed its exit. Invariant 3: this flag, once
// true, pins the terminal status to killed regardless of the OS exit code
// subsequently observed.
func (p *ExecutionProcess) WasKilled() bool {
	return p.Killed
}

// BrowserSession describes a live browser-chat process. It is a data type
// only: no package in this module stores BrowserSession values or rebuilds
// them after a restart.
type BrowserSession struct {
	ID        uuid.UUID `json:"id"`
	AttemptID uuid.UUID `json:"attempt_id"`
	ProcessID int       `json:"process_id"`
	AgentTag  string    `json:"agent_tag"`
	StartedAt time.Time `json:"started_at"`
}

// Merge records a completed merge of an attempt's branch into its base.
// Consulted by the Diff Projector's merged-and-quiescent regime and listed
// by `forge attempt merges`.
type Merge struct {
	ID            string    `json:"id"`
	TaskAttemptID uuid.UUID `json:"task_attempt_id"`
	MergeCommit   string    `json:"merge_commit"`
	TargetBranch  string    `json:"target_branch"`
	PRNumber      *int      `json:"pr_number,omitempty"`
	PRURL         string    `json:"pr_url,omitempty"`
	PRStatus      string    `json:"pr_status,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExecutorSession tracks the running coding-agent session's derived summary
// for an attempt, updated by the Exit Monitor from Message Store history.
type ExecutorSession struct {
	ID         string    `json:"id"`
	AttemptID  uuid.UUID `json:"attempt_id"`
	Summary    string    `json:"summary,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MaxSummaryBytes bounds the executor-session summary extracted from the
// last assistant message: truncated with an ellipsis beyond this length.
const MaxSummaryBytes = 4096
