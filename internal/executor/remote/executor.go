// Package remote runs scripts on a worker agent reached over TCP, a Unix
// socket or vsock, and defines the framed JSON protocol spoken with it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
)

// Executor ships scripts to a worker agent and relays its output.
type Executor struct {
	addr   Address
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an executor for the worker at rawAddr.
func New(rawAddr string, opts ...Option) (*Executor, error) {
	addr, err := ParseAddress(rawAddr)
	if err != nil {
		return nil, err
	}
	e := &Executor{addr: addr, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Capabilities implements executor.Executor.
func (e *Executor) Capabilities() executor.Capabilities {
	return executor.Capabilities{
		Name:        "remote",
		Kind:        executor.KindRemote,
		Description: fmt.Sprintf("runs scripts on the worker agent at %s", e.addr.Scheme),
		Remote:      true,
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

// RunStreaming implements executor.Executor. The script file is read
// locally and sent to the worker with the run's settings.
func (e *Executor) RunStreaming(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) (*executor.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	script, err := os.ReadFile(cfg.ScriptPath)
	if err != nil {
		return nil, model.NewError(model.KindExecutionFailed, fmt.Sprintf("read script %s", cfg.ScriptPath), err)
	}
	req := Request{
		ScriptName: filepath.Base(cfg.ScriptPath),
		Script:     script,
		WorkingDir: cfg.WorkingDir,
		Env:        cfg.Env,
		TimeoutMS:  cfg.Timeout.Milliseconds(),
		Metadata:   cfg.Metadata,
	}
	return executor.NewStream(ctx, func(streamCtx context.Context, emit func(executor.Item) bool) error {
		return e.run(ctx, streamCtx, req, cfg, sink, emit)
	}), nil
}

func (e *Executor) run(parent, ctx context.Context, req Request, cfg model.ScriptConfig, sink logsink.Sink, emit func(executor.Item) bool) error {
	runCtx, cancel := executor.Deadline(ctx, cfg)
	defer cancel()

	start := time.Now()
	out := executor.NewOutput(sink, emit)
	interrupted := func() bool {
		status := executor.Interrupted(parent, runCtx)
		if status == "" {
			return false
		}
		runsTotal.WithLabelValues(string(status)).Inc()
		emit(executor.ResultItem(executor.NewResult(status, nil, &out.Capture, time.Since(start), cfg)))
		return true
	}

	conn, err := Dial(runCtx, e.addr)
	if err != nil {
		if interrupted() {
			return nil
		}
		return model.NewError(model.KindExecutionFailed, "connect to worker", err)
	}
	defer conn.Close()
	// Closing the connection is how a run is interrupted; the worker cancels
	// its side when it sees the connection drop.
	stop := context.AfterFunc(runCtx, func() { _ = conn.Close() })
	defer stop()

	e.logger.Debug("sending script to worker", "script", req.ScriptName, "scheme", e.addr.Scheme)
	resp, err := conn.Run(req, func(stream, line string) {
		src := executor.Stdout
		if stream == string(executor.Stderr) {
			src = executor.Stderr
		}
		out.Line(src, line)
	})
	elapsed := time.Since(start)
	runDuration.Observe(elapsed.Seconds())

	if err != nil {
		if interrupted() {
			return nil
		}
		runsTotal.WithLabelValues(statusLost).Inc()
		return model.NewError(model.KindExecutionFailed, "worker connection lost", fmt.Errorf("%w: %w", ErrWorkerUnavailable, err))
	}

	if resp.ErrorKind != "" {
		runsTotal.WithLabelValues(statusError).Inc()
		return responseError(resp)
	}

	status := model.Status(resp.Status)
	switch status {
	case model.StatusSuccess, model.StatusFailed, model.StatusTimeout, model.StatusCancelled:
	default:
		runsTotal.WithLabelValues(statusError).Inc()
		return model.NewError(model.KindExecutionFailed, fmt.Sprintf("worker reported unknown status %q", resp.Status), nil)
	}
	if resp.DurationMS > 0 {
		elapsed = time.Duration(resp.DurationMS) * time.Millisecond
	}
	runsTotal.WithLabelValues(string(status)).Inc()
	emit(executor.ResultItem(executor.NewResult(status, resp.ExitCode, &out.Capture, elapsed, cfg)))
	return nil
}

// responseError rebuilds the typed error a worker reported.
func responseError(resp Response) error {
	kind, ok := model.ParseErrorKind(resp.ErrorKind)
	if !ok {
		kind = model.KindUnexpected
	}
	msg := resp.Error
	if msg == "" {
		msg = "worker reported " + resp.ErrorKind
	}
	return &model.RunError{
		Kind:     kind,
		Message:  msg,
		ExitCode: resp.ExitCode,
		Err:      errors.New("reported by worker"),
	}
}
