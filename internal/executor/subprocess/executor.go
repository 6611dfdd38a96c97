// Package subprocess runs scripts as child processes of an external
// interpreter, streaming their stdout and stderr line by line.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
)

// Defaults.
const (
	DefaultInterpreter = "python3"
	DefaultKillGrace   = 5 * time.Second
)

// Executor spawns an interpreter with the script path as its argument.
type Executor struct {
	interpreter string
	args        []string
	grace       time.Duration
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithInterpreter sets the interpreter binary and any arguments placed
// before the script path.
func WithInterpreter(bin string, args ...string) Option {
	return func(e *Executor) {
		e.interpreter = bin
		e.args = args
	}
}

// WithKillGrace sets how long a terminated process group has between
// SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(e *Executor) { e.grace = d }
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates a subprocess executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		interpreter: DefaultInterpreter,
		grace:       DefaultKillGrace,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Capabilities implements executor.Executor.
func (e *Executor) Capabilities() executor.Capabilities {
	return executor.Capabilities{
		Name:        "subprocess",
		Kind:        executor.KindSubprocess,
		Description: fmt.Sprintf("runs scripts with %s in a child process group", e.interpreter),
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

// RunStreaming implements executor.Executor. The interpreter is resolved
// before the stream is returned, so a missing interpreter fails immediately
// with ExecutorNotFound.
func (e *Executor) RunStreaming(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) (*executor.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bin, err := exec.LookPath(e.interpreter)
	if err != nil {
		runsTotal.WithLabelValues(statusSpawnError).Inc()
		return nil, model.NewError(model.KindExecutorNotFound, fmt.Sprintf("interpreter %q not found", e.interpreter), err)
	}
	sink = logsink.OrNop(sink)

	return executor.NewStream(ctx, func(streamCtx context.Context, emit func(executor.Item) bool) error {
		return e.run(ctx, streamCtx, bin, cfg, sink, emit)
	}), nil
}

func (e *Executor) run(parent, ctx context.Context, bin string, cfg model.ScriptConfig, sink logsink.Sink, emit func(executor.Item) bool) error {
	runCtx, cancel := executor.Deadline(ctx, cfg)
	defer cancel()

	args := append(slices.Clone(e.args), cfg.ScriptPath)
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	configureProcess(cmd, e.grace)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return model.NewError(model.KindExecutionFailed, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return model.NewError(model.KindExecutionFailed, "stderr pipe", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		runsTotal.WithLabelValues(statusSpawnError).Inc()
		return model.NewError(model.KindExecutionFailed, fmt.Sprintf("start %s", bin), err)
	}
	e.logger.Debug("process started", "pid", cmd.Process.Pid, "script", cfg.ScriptPath)

	out := executor.NewOutput(sink, emit)
	var g errgroup.Group
	g.Go(func() error { return out.Drain(stdout, executor.Stdout) })
	g.Go(func() error { return out.Drain(stderr, executor.Stderr) })
	// A descendant that left the process group can hold the pipes open
	// after the group is killed; stop reading once it has had a grace
	// period past the SIGKILL.
	drained := make(chan struct{})
	stopClose := context.AfterFunc(runCtx, func() {
		select {
		case <-drained:
		case <-time.After(2 * e.grace):
			_ = stdout.Close()
			_ = stderr.Close()
		}
	})
	readErr := g.Wait()
	close(drained)
	stopClose()
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if status := executor.Interrupted(parent, runCtx); status != "" {
		runsTotal.WithLabelValues(string(status)).Inc()
		e.logger.Debug("process terminated", "pid", cmd.Process.Pid, "status", status)
		emit(executor.ResultItem(executor.NewResult(status, nil, &out.Capture, elapsed, cfg)))
		return nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil && readErr != nil:
		return model.NewError(model.KindExecutionFailed, "read output", readErr)
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
	default:
		return model.NewError(model.KindExecutionFailed, "wait for process", waitErr)
	}

	code := cmd.ProcessState.ExitCode()
	status := model.StatusFromExitCode(code)
	runsTotal.WithLabelValues(string(status)).Inc()
	emit(executor.ResultItem(executor.NewResult(status, model.IntPtr(code), &out.Capture, elapsed, cfg)))
	return nil
}

// mergeEnv overlays overrides onto base, replacing existing keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
