package audit

import (
	"context"
	"log/slog"
)

// LogSink writes records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink returns a LogSink writing through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	level := slog.LevelInfo
	if rec.Outcome == OutcomeFailed {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit",
		slog.String("id", rec.ID),
		slog.String("action", string(rec.Action)),
		slog.String("outcome", string(rec.Outcome)),
		slog.String("username", rec.Username),
		slog.String("resource_type", string(rec.ResourceType)),
		slog.String("resource_id", rec.ResourceID),
		slog.String("details", rec.Details),
		slog.String("remote_addr", rec.IPAddress),
		slog.String("timestamp", FormatTimestamp(rec.Timestamp)),
	)
	return nil
}
