// Package spawn starts and supervises the external processes that carry out
// a task attempt's execution chain: setup scripts, the coding agent, cleanup
// scripts, dev servers, and browser-chat sessions.
package spawn

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const disableExternalAgentsEnv = "FORGE_DISABLE_EXTERNAL_AGENTS"

const claudeHooklessSettingsJSON = `{"hooks":{}}`

// Executor resolves a task attempt's executor tag to a concrete command and
// argument builder. Tags follow a closed vocabulary: "claude-code",
// "opencode", or "custom:<path>" for a user-supplied binary.
type Executor struct {
	Command string
	args    func(prompt string) []string
}

// Args returns the full argument list for invoking this executor with prompt.
func (e *Executor) Args(prompt string) []string {
	return e.args(prompt)
}

// ErrExternalAgentsDisabled is returned when FORGE_DISABLE_EXTERNAL_AGENTS is set,
// used by tests and CI to avoid spawning real agent binaries.
var ErrExternalAgentsDisabled = errors.New("external coding agent execution disabled")

// ResolveExecutor maps an executor tag to its Executor, verifying the
// resolved binary is present in PATH. getenv abstracts os.Getenv lookup
// for the kill switch so callers can inject it in tests.
func ResolveExecutor(tag string, getenv func(string) string) (*Executor, error) {
	if strings.TrimSpace(getenv(disableExternalAgentsEnv)) != "" {
		return nil, ErrExternalAgentsDisabled
	}

	e, err := resolveExecutorTag(tag)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(e.Command); err != nil {
		return nil, fmt.Errorf("executor binary %q not found in PATH: %w", e.Command, err)
	}
	return e, nil
}

func resolveExecutorTag(tag string) (*Executor, error) {
	switch {
	case tag == "claude-code", tag == "":
		return &Executor{
			Command: "claude",
			args: func(p string) []string {
				return []string{"-p", p, "--output-format", "stream-json", "--settings", claudeHooklessSettingsJSON}
			},
		}, nil
	case tag == "opencode":
		return &Executor{
			Command: "opencode",
			args:    func(p string) []string { return []string{"run", p} },
		}, nil
	case strings.HasPrefix(tag, "custom:"):
		path := strings.TrimPrefix(tag, "custom:")
		if path == "" {
			return nil, fmt.Errorf("custom executor tag %q missing a path", tag)
		}
		return &Executor{
			Command: path,
			args:    func(p string) []string { return []string{p} },
		}, nil
	default:
		return nil, fmt.Errorf("unknown executor tag %q (supported: claude-code, opencode, custom:<path>)", tag)
	}
}
