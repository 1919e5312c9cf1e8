package notify

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifierWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	n := NewLogNotifier(logger)

	code := 1
	err := n.NotifyExecutionHalted(context.Background(), Context{
		TaskID: "task_1", AttemptID: "attempt_1", RunReason: "coding_agent",
		Success: false, ExitCode: &code, Summary: "agent crashed",
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "execution halted")
	assert.Contains(t, buf.String(), "task_1")
}

func TestFromEnvReturnsLogNotifierWithoutWebhook(t *testing.T) {
	n := FromEnv("", nil)
	_, ok := n.(*LogNotifier)
	assert.True(t, ok)
}

func TestFromEnvReturnsSlackNotifierWithWebhook(t *testing.T) {
	n := FromEnv("https://hooks.slack.example/x", nil)
	_, ok := n.(*SlackNotifier)
	assert.True(t, ok)
}
