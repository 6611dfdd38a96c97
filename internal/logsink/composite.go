package logsink

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Composite broadcasts every event to its children in registration order.
//
// Delivery is best-effort: a child that returns an error or panics is skipped
// and never prevents delivery to the children after it, and Emit itself
// never returns an error. It is safe for concurrent use.
type Composite struct {
	mu       sync.RWMutex
	children []Sink
	closed   bool
	logger   *slog.Logger
}

// NewComposite creates a composite over the given sinks. Nil sinks are
// ignored.
func NewComposite(logger *slog.Logger, sinks ...Sink) *Composite {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Composite{logger: logger}
	for _, s := range sinks {
		if s != nil {
			c.children = append(c.children, s)
		}
	}
	return c
}

// Add registers a child. It reports false, and does nothing, once the
// composite is closed.
func (c *Composite) Add(s Sink) bool {
	if s == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.children = append(c.children, s)
	return true
}

// Remove unregisters the first child equal to s.
func (c *Composite) Remove(s Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.children, func(child Sink) bool { return sameSink(child, s) })
	if i < 0 {
		return false
	}
	c.children = slices.Delete(c.children, i, i+1)
	return true
}

// Len returns the number of registered children.
func (c *Composite) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.children)
}

// Emit delivers the event to every child. It always returns nil.
func (c *Composite) Emit(level Level, message string, metadata map[string]string) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil
	}
	children := slices.Clone(c.children)
	c.mu.RUnlock()

	for i, child := range children {
		if err := safeEmit(child, level, message, metadata); err != nil {
			c.logger.Debug("log sink emit failed", "child", i, "error", err)
		}
	}
	return nil
}

// Close closes every child once. Later calls return nil and do nothing.
func (c *Composite) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	children := c.children
	c.children = nil
	c.mu.Unlock()

	var errs []error
	for _, child := range children {
		if err := safeClose(child); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeEmit(s Sink, level Level, message string, metadata map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sinkEmitFailures.WithLabelValues(reasonPanic).Inc()
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	if err = s.Emit(level, message, metadata); err != nil {
		sinkEmitFailures.WithLabelValues(reasonError).Inc()
	}
	return err
}

// sameSink compares sinks, treating uncomparable dynamic types as unequal.
func sameSink(a, b Sink) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

func safeClose(s Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked on close: %v", r)
		}
	}()
	return s.Close()
}
