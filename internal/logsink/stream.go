package logsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// ErrClosed is returned by sinks that refuse events after Close.
var ErrClosed = errors.New("log sink closed")

// Stream pushes each event to a callback as a Server-Sent Events frame:
//
//	data: {"level":"INFO","message":"...","metadata":{...}}
//
// followed by a blank line. Calls to the callback are serialized.
type Stream struct {
	mu     sync.Mutex
	send   func(frame string) error
	closed bool
}

// NewStream creates a push-stream sink around send.
func NewStream(send func(frame string) error) *Stream {
	return &Stream{send: send}
}

// Emit implements Sink. Callback failures are returned to the caller.
func (s *Stream) Emit(level Level, message string, metadata map[string]string) error {
	frame, err := FormatSSE(Event{Level: level, Message: message, Metadata: metadata})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.send(frame); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FormatSSE renders ev as a single SSE data frame.
func FormatSSE(ev Event) (string, error) {
	md := ev.Metadata
	if md == nil {
		md = map[string]string{}
	}
	data, err := json.Marshal(Event{Level: ev.Level, Message: ev.Message, Metadata: md})
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return "data: " + string(data) + "\n\n", nil
}

// NewEvent builds an event stamped with the current time. The metadata map
// is copied.
func NewEvent(level Level, message string, metadata map[string]string) Event {
	return Event{
		Level:    level,
		Message:  message,
		Metadata: maps.Clone(metadata),
		Time:     time.Now().UTC(),
	}
}
