package logsink

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// levelField carries the event level through logrus, which has no
// CRITICAL level of its own.
const levelField = "jobflow_level"

// Console writes events as "[LEVEL] message key=value" lines. Error and
// Critical events go to the error writer unless that is disabled.
type Console struct {
	out    *logrus.Logger
	errOut *logrus.Logger
	min    Level
	split  bool
	closed atomic.Bool
}

// ConsoleOption configures a Console sink.
type ConsoleOption func(*Console)

// WithMinLevel drops events below min.
func WithMinLevel(min Level) ConsoleOption {
	return func(c *Console) { c.min = min }
}

// WithStderrForErrors controls whether Error and Critical events are routed
// to the error writer. It is on by default.
func WithStderrForErrors(enabled bool) ConsoleOption {
	return func(c *Console) { c.split = enabled }
}

// NewConsole creates a console sink. Nil writers default to os.Stdout and
// os.Stderr.
func NewConsole(stdout, stderr io.Writer, opts ...ConsoleOption) *Console {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	c := &Console{
		out:    newConsoleLogger(stdout),
		errOut: newConsoleLogger(stderr),
		min:    LevelDebug,
		split:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newConsoleLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(bracketFormatter{})
	return l
}

// Emit implements Sink.
func (c *Console) Emit(level Level, message string, metadata map[string]string) error {
	if c.closed.Load() || level < c.min {
		return nil
	}
	logger := c.out
	if c.split && level >= LevelError {
		logger = c.errOut
	}
	fields := make(logrus.Fields, len(metadata)+1)
	for k, v := range metadata {
		fields[k] = v
	}
	fields[levelField] = level.String()
	logger.WithFields(fields).Log(logrusLevel(level), message)
	return nil
}

// Close implements Sink. The underlying writers are left open.
func (c *Console) Close() error {
	c.closed.Store(true)
	return nil
}

func logrusLevel(l Level) logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarning:
		return logrus.WarnLevel
	case LevelError, LevelCritical:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// bracketFormatter renders entries as "[LEVEL] message k=v ...".
type bracketFormatter struct{}

func (bracketFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	lvl, ok := e.Data[levelField].(string)
	if !ok {
		lvl = e.Level.String()
	}
	fmt.Fprintf(&b, "[%s] %s", lvl, e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != levelField {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
