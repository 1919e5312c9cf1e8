package models

// System event kinds emitted by the store and lifecycle components as they
// observe task attempts move through sandboxing, execution, and merge.
const (
	EventKindTaskCreated             = "task_created"
	EventKindTaskStatusChanged       = "task_status_changed"
	EventKindTaskAttemptCreated      = "task_attempt_created"
	EventKindTaskAttemptFinished     = "task_attempt_finished"
	EventKindSandboxReady            = "sandbox_ready"
	EventKindSandboxDeleted          = "sandbox_deleted"
	EventKindExecutionProcessStarted = "execution_process_started"
	EventKindExecutionProcessExited  = "execution_process_exited"
	EventKindExecutionProcessKilled  = "execution_process_killed"
	EventKindActionChainAdvanced     = "action_chain_advanced"
	EventKindActionChainCompleted    = "action_chain_completed"
	EventKindDiffProjected           = "diff_projected"
	EventKindMergeStarted            = "merge_started"
	EventKindMergeCompleted          = "merge_completed"
	EventKindMergeFailed             = "merge_failed"
	EventKindReconcileSweep          = "reconcile_sweep"
	EventKindBrowserSessionOpened    = "browser_session_opened"
	EventKindBrowserSessionClosed    = "browser_session_closed"
)

// Message store entry kinds. These classify forwarded child-process output
// and control records, not business events; see internal/msgstore.
const (
	MessageKindStdout   = "stdout"
	MessageKindStderr   = "stderr"
	MessageKindExit     = "exit"
	MessageKindFinished = "finished"
)
