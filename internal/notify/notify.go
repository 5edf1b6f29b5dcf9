// Package notify delivers task lifecycle notifications. Delivery is best
// effort: failures are logged by the sink and never returned to the caller.
package notify

import (
	"context"
	"log/slog"
)

// Intent names, used in logs and metrics.
const (
	IntentSuccess = "success"
	IntentFailure = "failure"
	IntentCleanup = "cleanup"
)

// Sink receives the three lifecycle intents. target is the chat the task
// owner registered for notifications.
type Sink interface {
	NotifySuccess(ctx context.Context, target int64, taskID string)
	NotifyFailure(ctx context.Context, target int64, taskID, errDesc string)
	NotifyCleanup(ctx context.Context, target int64, taskID, reason string)
}

// LogSink writes intents to the structured log. It is used when no bot
// token is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) NotifySuccess(_ context.Context, target int64, taskID string) {
	s.logger.Info("notification", "intent", IntentSuccess, "target", target, "task_id", taskID)
}

func (s *LogSink) NotifyFailure(_ context.Context, target int64, taskID, errDesc string) {
	s.logger.Info("notification", "intent", IntentFailure, "target", target, "task_id", taskID, "error", errDesc)
}

func (s *LogSink) NotifyCleanup(_ context.Context, target int64, taskID, reason string) {
	s.logger.Info("notification", "intent", IntentCleanup, "target", target, "task_id", taskID, "reason", reason)
}

// Multi fans every intent out to each sink in order.
type Multi []Sink

func (m Multi) NotifySuccess(ctx context.Context, target int64, taskID string) {
	for _, s := range m {
		s.NotifySuccess(ctx, target, taskID)
	}
}

func (m Multi) NotifyFailure(ctx context.Context, target int64, taskID, errDesc string) {
	for _, s := range m {
		s.NotifyFailure(ctx, target, taskID, errDesc)
	}
}

func (m Multi) NotifyCleanup(ctx context.Context, target int64, taskID, reason string) {
	for _, s := range m {
		s.NotifyCleanup(ctx, target, taskID, reason)
	}
}
