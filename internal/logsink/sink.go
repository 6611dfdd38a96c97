// Package logsink defines the LogSink abstraction that receives structured
// run events, and the sinks that deliver them to observers: console output,
// push streams (SSE), a per-run broker and slog. Sinks compose through a
// Composite that broadcasts each event and isolates failing children.
package logsink

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Level is the severity of an event. Levels are totally ordered.
type Level int

// Severity levels, lowest first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// MarshalText encodes the level name for JSON payloads.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	lvl, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL", "FATAL":
		return LevelCritical, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SlogLevel converts the level to its slog equivalent.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Event is one log event. Events are ephemeral; sinks need not retain them
// after Emit returns.
type Event struct {
	Level    Level             `json:"level"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata"`
	Time     time.Time         `json:"-"`
}

// Sink receives run events.
type Sink interface {
	// Emit delivers one event.
	Emit(level Level, message string, metadata map[string]string) error

	// Close flushes and releases the sink. Implementations must tolerate
	// repeated calls.
	Close() error
}

// Nop is a Sink that discards everything.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(Level, string, map[string]string) error { return nil }

// Close implements Sink.
func (Nop) Close() error { return nil }

// Func adapts a function into a Sink with a no-op Close.
type Func func(level Level, message string, metadata map[string]string) error

// Emit implements Sink.
func (f Func) Emit(level Level, message string, metadata map[string]string) error {
	return f(level, message, metadata)
}

// Close implements Sink.
func (Func) Close() error { return nil }

// OrNop returns s, or a Nop sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
