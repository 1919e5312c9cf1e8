// Package notify is the notification collaborator: it delivers
// "execution halted" notifications when the Exit Monitor finalizes a task.
// A log-based default always runs; a Slack webhook implementation is
// layered in when FORGE_SLACK_WEBHOOK is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Context carries the information an "execution halted" notification needs.
type Context struct {
	TaskID    string
	AttemptID string
	RunReason string
	Success   bool
	ExitCode  *int
	Summary   string
}

// Notifier delivers execution-halted notifications to an external channel.
type Notifier interface {
	NotifyExecutionHalted(ctx context.Context, nc Context) error
}

// LogNotifier is the default Notifier: structured slog output, matching the
// JSON-to-stderr convention used across forge's ambient logging.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a Notifier that logs to the given logger, or
// slog.Default() if nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyExecutionHalted logs the halt as a structured info event.
func (n *LogNotifier) NotifyExecutionHalted(_ context.Context, nc Context) error {
	n.logger.Info("execution halted",
		"task_id", nc.TaskID,
		"attempt_id", nc.AttemptID,
		"run_reason", nc.RunReason,
		"success", nc.Success,
		"exit_code", nc.ExitCode,
		"summary", nc.Summary,
	)
	return nil
}

// SlackNotifier delivers the same notification to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	fallback   Notifier
}

// NewSlackNotifier returns a Notifier posting to webhookURL, with fallback
// (typically a LogNotifier) always invoked alongside the webhook post so a
// Slack outage never silences the audit trail.
func NewSlackNotifier(webhookURL string, fallback Notifier) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, fallback: fallback}
}

// NotifyExecutionHalted posts a formatted message to the configured
// webhook, then always delegates to fallback.
func (n *SlackNotifier) NotifyExecutionHalted(ctx context.Context, nc Context) error {
	status := "failed"
	if nc.Success {
		status = "succeeded"
	}
	text := fmt.Sprintf("Execution halted for attempt `%s` (task `%s`, reason `%s`): %s",
		nc.AttemptID, nc.TaskID, nc.RunReason, status)
	if nc.Summary != "" {
		text += "\n> " + nc.Summary
	}

	msg := &slack.WebhookMessage{Text: text}
	err := slack.PostWebhookContext(ctx, n.webhookURL, msg)

	if n.fallback != nil {
		if fbErr := n.fallback.NotifyExecutionHalted(ctx, nc); fbErr != nil && err == nil {
			err = fbErr
		}
	}
	if err != nil {
		return fmt.Errorf("notify: execution halted: %w", err)
	}
	return nil
}

// FromEnv resolves the configured Notifier: a SlackNotifier wrapping a
// LogNotifier when webhookURL is set, otherwise just a LogNotifier.
func FromEnv(webhookURL string, logger *slog.Logger) Notifier {
	logNotifier := NewLogNotifier(logger)
	if webhookURL == "" {
		return logNotifier
	}
	return NewSlackNotifier(webhookURL, logNotifier)
}
