package notify

import (
	"context"
	"log/slog"
	"nextcloud-notifier/pkg/notifier"
	"time"
)

// Log is a sink for local development that logs events instead of sending them.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Send logs one line per event.
func (l *Log) Send(_ context.Context, events []*notifier.Event) error {
	for _, ev := range events {
		l.logger.Info("MOCK NOTIFICATION",
			"key", ev.Key(),
			"description", Describe(ev, MarkdownLink),
			"created_at", ev.CreatedAt.UTC().Format(time.RFC3339),
			"fields", len(ev.Fields))
	}
	return nil
}
