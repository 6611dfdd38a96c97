package logsink

import (
	"context"
	"log/slog"
)

// Slog forwards events to a structured logger.
type Slog struct {
	logger *slog.Logger
}

// NewSlog creates a sink writing to logger.
func NewSlog(logger *slog.Logger) *Slog {
	return &Slog{logger: logger}
}

// Emit implements Sink.
func (s *Slog) Emit(level Level, message string, metadata map[string]string) error {
	attrs := make([]slog.Attr, 0, len(metadata))
	for k, v := range metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.LogAttrs(context.Background(), level.SlogLevel(), message, attrs...)
	return nil
}

// Close implements Sink.
func (s *Slog) Close() error { return nil }
