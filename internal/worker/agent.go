// Package worker implements the agent that runs scripts on behalf of a
// remote executor. It accepts framed requests, runs each script with a
// local executor and streams output lines and the final result back over
// the same connection.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/executor/remote"
	"github.com/seantiz/jobflow/internal/model"
)

// Agent handles worker connections.
type Agent struct {
	listener net.Listener
	exec     executor.Executor
	workDir  string
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// New creates an agent that serves listener, running scripts with exec.
// Each run gets its own directory under workDir.
func New(listener net.Listener, exec executor.Executor, workDir string, opts ...Option) *Agent {
	a := &Agent{
		listener: listener,
		exec:     exec,
		workDir:  workDir,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// In-flight runs are cancelled and awaited before Serve returns.
func (a *Agent) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = a.listener.Close() })
	defer stop()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			cancel()
			a.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Go(func() { a.handleConnection(ctx, conn) })
	}
}

// handleConnection processes a single run request on conn.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req remote.Request
	if err := remote.ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		sendResult(conn, errorResponse(model.NewError(model.KindInvalidScript, "read request", err)), a.logger)
		return
	}

	resp := a.execute(ctx, conn, &req)
	sendResult(conn, resp, a.logger)
}

// execute runs the script described by req, streaming log lines to conn.
func (a *Agent) execute(ctx context.Context, conn net.Conn, req *remote.Request) remote.Response {
	name := filepath.Base(filepath.Clean(req.ScriptName))
	if req.ScriptName == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return errorResponse(model.NewError(model.KindInvalidScript, fmt.Sprintf("invalid script name %q", req.ScriptName), nil))
	}

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return errorResponse(model.NewError(model.KindExecutionFailed, "create work dir", err))
	}
	runDir, err := os.MkdirTemp(a.workDir, "run-")
	if err != nil {
		return errorResponse(model.NewError(model.KindExecutionFailed, "create run dir", err))
	}
	defer os.RemoveAll(runDir)

	script := filepath.Join(runDir, name)
	if err := os.WriteFile(script, req.Script, 0o644); err != nil {
		return errorResponse(model.NewError(model.KindExecutionFailed, "write script", err))
	}

	workDir := runDir
	if req.WorkingDir != "" {
		if info, err := os.Stat(req.WorkingDir); err == nil && info.IsDir() {
			workDir = req.WorkingDir
		} else {
			a.logger.Warn("working directory unavailable, using run dir", "working_dir", req.WorkingDir)
		}
	}

	cfg := model.ScriptConfig{
		ScriptPath: script,
		WorkingDir: workDir,
		Env:        req.Env,
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
		Metadata:   req.Metadata,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// The host never writes after the request; a read returning means it
	// hung up.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	st, err := a.exec.RunStreaming(runCtx, cfg, nil)
	if err != nil {
		return errorResponse(err)
	}
	defer st.Close()

	var (
		res   model.Result
		found bool
	)
	for it := range st.All() {
		switch it.Kind {
		case executor.KindLine:
			msg := remote.Message{Type: remote.MsgTypeLog, Stream: string(it.Line.Source), Line: it.Line.Text}
			if err := remote.WriteMessage(conn, &msg); err != nil {
				a.logger.Warn("write log line", "error", err)
				cancel()
				return errorResponse(model.NewError(model.KindCancelled, "host connection lost", err))
			}
		case executor.KindResult:
			res, found = it.Result, true
		}
	}
	if err := st.Err(); err != nil {
		return errorResponse(err)
	}
	if !found {
		return errorResponse(executor.ErrNoResult)
	}

	return remote.Response{
		Status:     string(res.Status),
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
	}
}

// errorResponse reports err as a typed failure.
func errorResponse(err error) remote.Response {
	re := model.AsRunError(err)
	msg := re.Message
	if re.Err != nil {
		msg = strings.TrimPrefix(fmt.Sprintf("%s: %v", msg, re.Err), ": ")
	}
	return remote.Response{
		ExitCode:  re.ExitCode,
		Error:     msg,
		ErrorKind: string(re.Kind),
	}
}

// sendResult sends the final Response wrapped in a Message.
func sendResult(conn net.Conn, resp remote.Response, logger *slog.Logger) {
	msg := remote.Message{
		Type:     remote.MsgTypeResult,
		Response: &resp,
	}
	if err := remote.WriteMessage(conn, &msg); err != nil {
		logger.Warn("write result", "error", err)
	}
}
