package spawn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeGetenv(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func TestResolveExecutor_DisabledByEnv(t *testing.T) {
	_, err := ResolveExecutor("claude-code", fakeGetenv(map[string]string{disableExternalAgentsEnv: "1"}))
	require.ErrorIs(t, err, ErrExternalAgentsDisabled)
}

func TestResolveExecutorTag_ClaudeCode(t *testing.T) {
	e, err := resolveExecutorTag("claude-code")
	require.NoError(t, err)
	require.Equal(t, "claude", e.Command)
	require.Contains(t, e.Args("do the thing"), "do the thing")
}

func TestResolveExecutorTag_Opencode(t *testing.T) {
	e, err := resolveExecutorTag("opencode")
	require.NoError(t, err)
	require.Equal(t, "opencode", e.Command)
	require.Equal(t, []string{"run", "prompt"}, e.Args("prompt"))
}

func TestResolveExecutorTag_Custom(t *testing.T) {
	e, err := resolveExecutorTag("custom:/usr/local/bin/my-agent")
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/my-agent", e.Command)
	require.Equal(t, []string{"prompt"}, e.Args("prompt"))
}

func TestResolveExecutorTag_CustomMissingPath(t *testing.T) {
	_, err := resolveExecutorTag("custom:")
	require.Error(t, err)
}

func TestResolveExecutorTag_Unknown(t *testing.T) {
	_, err := resolveExecutorTag("unknown-agent")
	require.Error(t, err)
}

func TestResolveExecutorTag_EmptyDefaultsToClaudeCode(t *testing.T) {
	e, err := resolveExecutorTag("")
	require.NoError(t, err)
	require.Equal(t, "claude", e.Command)
}
