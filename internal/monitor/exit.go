package monitor

import (
	"errors"
	"os/exec"

	"github.com/dotcommander/forge/internal/git"
)

// exitCoder is implemented by both *exec.ExitError (worktree-mode) and
// *spawn.ExecExitError (container-mode), letting asExitError extract a real
// exit code regardless of which sandbox kind produced it.
type exitCoder interface {
	ExitCode() int
}

// asExitError extracts the process exit code from a wait error that carries
// one, as produced by exec.Cmd.Wait or a container exec's non-zero status.
// Returns ok=false for any other wait error (e.g. a spawn-time I/O
// failure), in which case callers fall back to a sentinel exit code.
func asExitError(err error) (code int, ok bool) {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), true
	}
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode(), true
	}
	return 0, false
}

// headInfo returns the HEAD commit oid for the worktree at path.
func headInfo(path string) (string, error) {
	info, err := git.GetHeadInfo(path)
	if err != nil {
		return "", err
	}
	return info.OID, nil
}
