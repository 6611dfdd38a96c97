// Package executor defines the Executor abstraction that runs a script in a
// specific host environment, the streaming protocol shared by all
// executors, and a registry that resolves executors by kind.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
)

// Executor kinds.
const (
	KindSubprocess = "subprocess"
	KindInProcess  = "inprocess"
	KindRemote     = "remote"
)

// Executor runs scripts. Run blocks until the script finishes; RunStreaming
// returns immediately with a stream of output lines terminated by the
// result. Both push every captured line to sink as it is produced.
type Executor interface {
	Run(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) (model.Result, error)
	RunStreaming(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) (*Stream, error)
	Capabilities() Capabilities
}

// Capabilities describes an executor for listings.
type Capabilities struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Remote      bool   `json:"remote"`
}

// Info pairs a registered kind with the executor's capabilities.
type Info struct {
	Kind         string       `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds executors by kind.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under kind, replacing any previous one.
func (r *Registry) Register(kind string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = e
}

// Resolve returns the executor registered under kind. Unknown kinds fail
// with an ExecutorNotFound error.
func (r *Registry) Resolve(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, model.NewError(model.KindExecutorNotFound, fmt.Sprintf("executor %q is not registered", kind), nil)
	}
	return e, nil
}

// List returns all registered executors sorted by kind.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for kind, e := range r.executors {
		infos = append(infos, Info{Kind: kind, Capabilities: e.Capabilities()})
	}
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.Kind, b.Kind) })
	return infos
}

// Capture accumulates captured lines per stream. It is safe for concurrent
// use by one writer per stream.
type Capture struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
}

// Add records a line.
func (c *Capture) Add(src Source, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if src == Stderr {
		c.stderr = append(c.stderr, text)
		return
	}
	c.stdout = append(c.stdout, text)
}

// Stdout returns the captured stdout lines joined with newlines.
func (c *Capture) Stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.stdout, "\n")
}

// Stderr returns the captured stderr lines joined with newlines.
func (c *Capture) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.stderr, "\n")
}

// Output gathers a run's output lines: each line is captured, mirrored to
// the sink and forwarded to the stream until the consumer goes away.
type Output struct {
	Capture
	sink   logsink.Sink
	emit   func(Item) bool
	closed atomic.Bool
}

// NewOutput creates an Output feeding sink and emit.
func NewOutput(sink logsink.Sink, emit func(Item) bool) *Output {
	return &Output{sink: logsink.OrNop(sink), emit: emit}
}

// Line records one line of output.
func (o *Output) Line(src Source, text string) {
	o.Add(src, text)
	EmitLine(o.sink, src, text)
	if !o.closed.Load() && !o.emit(LineItem(src, text)) {
		o.closed.Store(true)
	}
}

// Drain reads r to EOF, recording each line. Reading continues after the
// consumer closes the stream so that a writer never blocks on a full pipe.
func (o *Output) Drain(r io.Reader, src Source) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			o.Line(src, strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// EmitLine pushes a captured line to sink: stdout at Info, stderr at Error.
func EmitLine(sink logsink.Sink, src Source, text string) {
	level := logsink.LevelInfo
	if src == Stderr {
		level = logsink.LevelError
	}
	_ = sink.Emit(level, text, map[string]string{"stream": string(src)})
}

// Deadline derives the run context from cfg.Timeout. A zero timeout leaves
// the context without a deadline.
func Deadline(ctx context.Context, cfg model.ScriptConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Interrupted reports the status of a run whose context ended before the
// script exited: StatusTimeout if the run's own deadline fired,
// StatusCancelled if the caller cancelled. It returns "" when runCtx is
// still live.
func Interrupted(parent, runCtx context.Context) model.Status {
	switch {
	case runCtx.Err() == nil:
		return ""
	case parent.Err() != nil:
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return model.StatusTimeout
		}
		return model.StatusCancelled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return model.StatusTimeout
	}
	return model.StatusCancelled
}

// NewResult assembles a result from captured output.
func NewResult(status model.Status, exitCode *int, capture *Capture, elapsed time.Duration, cfg model.ScriptConfig) model.Result {
	return model.Result{
		Status:   status,
		ExitCode: exitCode,
		Stdout:   capture.Stdout(),
		Stderr:   capture.Stderr(),
		Duration: elapsed,
		Metadata: cfg.Metadata,
	}
}
