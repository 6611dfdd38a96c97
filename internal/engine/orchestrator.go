package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
	"github.com/seantiz/jobflow/internal/tracing"
)

// Stager moves declared files around a run. *staging.Coordinator
// implements it.
type Stager interface {
	Stage(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) ([]string, error)
	Upload(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) error
	Cleanup(ctx context.Context, staged []string)
}

// Orchestrator runs one script through its lifecycle: stage inputs,
// execute, upload outputs and clean up, reporting progress to a sink.
type Orchestrator struct {
	exec   executor.Executor
	stager Stager
	sink   logsink.Sink
	logger *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the operational logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator creates an orchestrator. A nil stager skips staging and
// uploads; a nil sink discards events.
func NewOrchestrator(exec executor.Executor, stager Stager, sink logsink.Sink, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		exec:   exec,
		stager: stager,
		sink:   logsink.OrNop(sink),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes cfg to completion. A required output that cannot be uploaded
// yields an UploadFailed error whose Result holds the run's result.
func (o *Orchestrator) Run(ctx context.Context, cfg model.ScriptConfig) (res model.Result, err error) {
	kind := o.exec.Capabilities().Kind
	ctx, span := tracing.StartSpan(ctx, "jobflow.run")
	span.WithAttributes(map[string]string{"script": cfg.ScriptPath, "executor": kind})
	start := time.Now()
	defer func() {
		err = o.finish(kind, start, res, err)
		tracing.EndSpan(span, err)
	}()

	if err := cfg.Validate(); err != nil {
		return model.Result{}, err
	}
	o.emit(logsink.LevelInfo, fmt.Sprintf("Starting script execution: %s", cfg.ScriptPath))

	staged, err := o.stage(ctx, cfg)
	defer o.cleanup(ctx, staged)
	if err != nil {
		return model.Result{}, err
	}

	execCtx, execSpan := tracing.StartSpan(ctx, "jobflow.execute")
	began := time.Now()
	res, err = o.exec.Run(execCtx, cfg, o.sink)
	elapsed := time.Since(began)
	tracing.EndSpan(execSpan, err)
	if err != nil {
		return model.Result{}, err
	}
	if res.Duration == 0 {
		res.Duration = elapsed
	}

	if err := o.upload(ctx, cfg, res); err != nil {
		return res, err
	}
	o.emit(logsink.LevelInfo, completedMessage(res))
	return res, nil
}

// RunStreaming stages inputs and starts the run, returning a stream of its
// output lines and final result. Staging failures are returned before any
// item is produced. Outputs are uploaded before the result is delivered; a
// required upload failure ends the stream with an UploadFailed error
// instead of a result.
func (o *Orchestrator) RunStreaming(ctx context.Context, cfg model.ScriptConfig) (*executor.Stream, error) {
	kind := o.exec.Capabilities().Kind
	start := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, o.finish(kind, start, model.Result{}, err)
	}
	o.emit(logsink.LevelInfo, fmt.Sprintf("Starting script execution: %s", cfg.ScriptPath))

	staged, err := o.stage(ctx, cfg)
	if err != nil {
		o.cleanup(ctx, staged)
		return nil, o.finish(kind, start, model.Result{}, err)
	}

	// Closing the returned stream cancels the run.
	runCtx, cancelRun := context.WithCancel(ctx)
	began := time.Now()
	inner, err := o.exec.RunStreaming(runCtx, cfg, o.sink)
	if err != nil {
		cancelRun()
		o.cleanup(ctx, staged)
		return nil, o.finish(kind, start, model.Result{}, err)
	}

	return executor.NewStream(ctx, func(streamCtx context.Context, emit func(executor.Item) bool) (err error) {
		stop := context.AfterFunc(streamCtx, cancelRun)
		var res model.Result
		defer func() {
			stop()
			cancelRun()
			inner.Close()
			o.cleanup(streamCtx, staged)
			err = o.finish(kind, start, res, err)
		}()

		var found bool
		for it := range inner.All() {
			if it.Kind == executor.KindResult {
				res, found = it.Result, true
				continue
			}
			if !emit(it) {
				return nil
			}
		}
		if err := inner.Err(); err != nil {
			return err
		}
		if !found {
			return executor.ErrNoResult
		}
		if res.Duration == 0 {
			res.Duration = time.Since(began)
		}

		if err := o.upload(streamCtx, cfg, res); err != nil {
			return err
		}
		o.emit(logsink.LevelInfo, completedMessage(res))
		emit(executor.ResultItem(res))
		return nil
	}), nil
}

func (o *Orchestrator) stage(ctx context.Context, cfg model.ScriptConfig) ([]string, error) {
	if o.stager == nil || len(cfg.Inputs) == 0 {
		return nil, nil
	}
	ctx, span := tracing.StartSpan(ctx, "jobflow.stage")
	staged, err := o.stager.Stage(ctx, cfg, o.sink)
	tracing.EndSpan(span, err)
	return staged, err
}

// upload sends declared outputs. Uploads are skipped once the caller has
// cancelled; a failure on a required output carries res.
func (o *Orchestrator) upload(ctx context.Context, cfg model.ScriptConfig, res model.Result) error {
	if o.stager == nil || len(cfg.Outputs) == 0 {
		return nil
	}
	if ctx.Err() != nil {
		o.emit(logsink.LevelWarning, "Skipping output upload: run was cancelled")
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "jobflow.upload")
	err := o.stager.Upload(ctx, cfg, o.sink)
	tracing.EndSpan(span, err)
	if err == nil {
		return nil
	}

	re := model.AsRunError(err)
	if re.Kind != model.KindUploadFailed {
		re = &model.RunError{Kind: model.KindUploadFailed, Message: "upload outputs", Err: err}
	}
	withResult := *re
	withResult.Result = &res
	return &withResult
}

func (o *Orchestrator) cleanup(ctx context.Context, staged []string) {
	if o.stager == nil || len(staged) == 0 {
		return
	}
	o.stager.Cleanup(context.WithoutCancel(ctx), staged)
}

// finish classifies err, reports it and records metrics.
func (o *Orchestrator) finish(kind string, start time.Time, res model.Result, err error) error {
	runDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err == nil {
		status := res.Status
		if status == "" {
			// Consumer closed the stream before the result.
			status = model.StatusCancelled
		}
		runsTotal.WithLabelValues(kind, string(status)).Inc()
		return nil
	}

	var re *model.RunError
	if errors.As(err, &re) {
		o.emit(logsink.LevelError, fmt.Sprintf("Script execution failed: %v", err))
	} else {
		o.emit(logsink.LevelError, fmt.Sprintf("Unexpected error during execution: %v", err))
		re = model.AsRunError(err)
	}
	runsTotal.WithLabelValues(kind, string(re.Kind)).Inc()
	o.logger.Debug("run failed", "executor", kind, "kind", re.Kind, "error", err)
	return re
}

func (o *Orchestrator) emit(level logsink.Level, message string) {
	_ = o.sink.Emit(level, message, nil)
}

func completedMessage(res model.Result) string {
	return fmt.Sprintf("Script execution completed: %s (exit_code=%s)", res.Status, res.ExitCodeString())
}
