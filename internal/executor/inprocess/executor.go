// Package inprocess runs scripts as Go code inside the current process.
//
// A run temporarily owns process-wide state: os.Stdout, os.Stderr, the
// standard logger output, the working directory and the environment are
// swapped for the duration of the run and restored afterwards. Runs must
// therefore not overlap within one process.
package inprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
)

// DefaultAbandonGrace is how long an interrupted script has to return
// before its goroutine is abandoned.
const DefaultAbandonGrace = 2 * time.Second

// Executor runs scripts resolved through a Loader.
type Executor struct {
	loader Loader
	grace  time.Duration
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithAbandonGrace sets how long an interrupted script has to return.
func WithAbandonGrace(d time.Duration) Option {
	return func(e *Executor) { e.grace = d }
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an in-process executor over loader.
func New(loader Loader, opts ...Option) *Executor {
	e := &Executor{
		loader: loader,
		grace:  DefaultAbandonGrace,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Capabilities implements executor.Executor.
func (e *Executor) Capabilities() executor.Capabilities {
	return executor.Capabilities{
		Name:        "inprocess",
		Kind:        executor.KindInProcess,
		Description: "runs registered Go functions and plugins inside the server process",
	}
}

// Run implements executor.Executor.
func (e *Executor) Run(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) (model.Result, error) {
	st, err := e.RunStreaming(ctx, cfg, sink)
	if err != nil {
		return model.Result{}, err
	}
	return executor.Collect(st)
}

// RunStreaming implements executor.Executor. The script is loaded before
// the stream is returned; a load failure is an ExecutionFailed error with no
// exit code.
func (e *Executor) RunStreaming(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) (*executor.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fn, err := e.loader.Load(cfg.ScriptPath)
	if err != nil {
		return nil, model.NewError(model.KindExecutionFailed, fmt.Sprintf("load %s", cfg.ScriptPath), err)
	}
	return executor.NewStream(ctx, func(streamCtx context.Context, emit func(executor.Item) bool) error {
		return e.run(ctx, streamCtx, fn, cfg, sink, emit)
	}), nil
}

func (e *Executor) run(parent, ctx context.Context, fn Script, cfg model.ScriptConfig, sink logsink.Sink, emit func(executor.Item) bool) error {
	runCtx, cancel := executor.Deadline(ctx, cfg)
	defer cancel()

	host, err := enterHost(cfg.WorkingDir, cfg.Env)
	if err != nil {
		return model.NewError(model.KindExecutionFailed, "prepare host context", err)
	}
	defer host.closeReaders()

	out := executor.NewOutput(sink, emit)
	var g errgroup.Group
	g.Go(func() error { return out.Drain(host.outR, executor.Stdout) })
	g.Go(func() error { return out.Drain(host.errR, executor.Stderr) })

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- call(runCtx, fn, cfg.ScriptPath, host.errW) }()

	var (
		callErr     error
		interrupted bool
	)
	select {
	case callErr = <-done:
	case <-runCtx.Done():
		interrupted = true
		select {
		case callErr = <-done:
		case <-time.After(e.grace):
			abandonedTotal.Inc()
			e.logger.Warn("abandoning in-process script", "script", cfg.ScriptPath)
		}
	}
	elapsed := time.Since(start)

	if err := host.restore(); err != nil {
		e.logger.Error("restore host context", "error", err)
	}
	if err := g.Wait(); err != nil {
		e.logger.Debug("read captured output", "error", err)
	}

	if interrupted {
		status := executor.Interrupted(parent, runCtx)
		if status == "" {
			status = model.StatusCancelled
		}
		emit(executor.ResultItem(executor.NewResult(status, nil, &out.Capture, elapsed, cfg)))
		return nil
	}

	code := 0
	var exit *ExitError
	switch {
	case callErr == nil:
	case errors.As(callErr, &exit):
		code = exit.Code
	default:
		code = 1
	}
	emit(executor.ResultItem(executor.NewResult(model.StatusFromExitCode(code), model.IntPtr(code), &out.Capture, elapsed, cfg)))
	return nil
}

// call runs fn, converting a panic into an error. Errors other than
// ExitError are written to stderr.
func call(ctx context.Context, fn Script, path string, stderr io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "panic: %v\n\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	err = fn(ctx, []string{path})
	var exit *ExitError
	if err != nil && !errors.As(err, &exit) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return err
}
