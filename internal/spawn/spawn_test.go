package spawn

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStart_PipedModeCapturesOutput(t *testing.T) {
	var buf bytes.Buffer
	h, err := Start(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo hello"},
		Mode:    IOPiped,
	}, &buf)
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	require.Contains(t, buf.String(), "hello")
}

func TestStart_ExitCodePropagates(t *testing.T) {
	var buf bytes.Buffer
	h, err := Start(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
		Mode:    IOPiped,
	}, &buf)
	require.NoError(t, err)
	err = h.Wait()
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.ExitCode())
}

func TestStop_KillsProcessGroup(t *testing.T) {
	var buf bytes.Buffer
	h, err := Start(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Mode:    IOPiped,
	}, &buf)
	require.NoError(t, err)

	require.NoError(t, h.Stop(syscall.SIGTERM, 2*time.Second))

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit after Stop")
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	h, err := Start(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 1"},
		Mode:    IOPiped,
	}, &buf)
	require.NoError(t, err)

	require.NoError(t, h.Stop(syscall.SIGTERM, time.Second))
	require.NoError(t, h.Stop(syscall.SIGTERM, time.Second))
}
