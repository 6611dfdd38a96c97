package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
)

// DefaultRetention is how many finished runs are kept for lookup.
const DefaultRetention = 100

var (
	// ErrBusy is returned when a run is submitted while another is active.
	ErrBusy = errors.New("a run is already active")

	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
)

// State is the lifecycle state of a run held by the engine.
type State string

// Run states.
const (
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Request asks the engine to run one script with the named executor.
type Request struct {
	Executor string
	Config   model.ScriptConfig
}

// ResultView is the JSON form of a model.Result.
type ResultView struct {
	Status     model.Status   `json:"status"`
	ExitCode   *int           `json:"exit_code"`
	Stdout     string         `json:"stdout"`
	Stderr     string         `json:"stderr"`
	DurationMS int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewResultView converts a result for JSON responses.
func NewResultView(res model.Result) *ResultView {
	return &ResultView{
		Status:     res.Status,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
		Metadata:   res.Metadata,
	}
}

// RunInfo is the engine's record of a run.
type RunInfo struct {
	ID         string          `json:"id"`
	Executor   string          `json:"executor"`
	Script     string          `json:"script"`
	State      State           `json:"state"`
	Result     *ResultView     `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  model.ErrorKind `json:"error_kind,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Stats summarises the runs currently held by the engine.
type Stats struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	ByStatus      map[string]int `json:"by_status"`
	ByExecutor    map[string]int `json:"by_executor"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

type run struct {
	info   RunInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine runs scripts submitted by the API, one at a time. Each run's log
// events are published to a broker topic named by the run ID.
type Engine struct {
	registry  *executor.Registry
	stager    Stager
	broker    *logsink.Broker
	sinks     []logsink.Sink
	logger    *slog.Logger
	retention int
	wg        sync.WaitGroup

	mu     sync.Mutex
	active string
	runs   map[string]*run
	order  []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithSinks adds sinks that receive the events of every run. They are never
// closed by the engine.
func WithSinks(sinks ...logsink.Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithRetention sets how many finished runs are kept.
func WithRetention(n int) Option {
	return func(e *Engine) { e.retention = n }
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine resolving executors from reg. A nil stager
// disables staging and uploads.
func NewEngine(reg *executor.Registry, stager Stager, opts ...Option) *Engine {
	e := &Engine{
		registry:  reg,
		stager:    stager,
		broker:    logsink.NewBroker(),
		logger:    slog.New(slog.DiscardHandler),
		retention: DefaultRetention,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the broker that carries per-run events.
func (e *Engine) Broker() *logsink.Broker {
	return e.broker
}

// Executors lists the registered executors.
func (e *Engine) Executors() []executor.Info {
	return e.registry.List()
}

// Active returns the ID of the run in progress, if any.
func (e *Engine) Active() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, e.active != ""
}

// Run executes req and blocks until it finishes.
func (e *Engine) Run(ctx context.Context, req Request) (RunInfo, model.Result, error) {
	r, orch, sink, err := e.begin(ctx, req)
	if err != nil {
		return RunInfo{}, model.Result{}, err
	}
	defer close(r.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.setCancel(r, cancel)

	res, err := orch.Run(runCtx, req.Config)
	info := e.finish(r, sink, res, err)
	return info, res, err
}

// Stream starts req and returns the run's stream of output lines and
// result. Errors raised before execution, including staging failures, are
// returned directly.
func (e *Engine) Stream(ctx context.Context, req Request) (RunInfo, *executor.Stream, error) {
	r, orch, sink, err := e.begin(ctx, req)
	if err != nil {
		return RunInfo{}, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.setCancel(r, cancel)

	inner, err := orch.RunStreaming(runCtx, req.Config)
	if err != nil {
		cancel()
		e.finish(r, sink, model.Result{}, err)
		close(r.done)
		return RunInfo{}, nil, err
	}

	st := executor.NewStream(runCtx, func(streamCtx context.Context, emit func(executor.Item) bool) (err error) {
		stop := context.AfterFunc(streamCtx, cancel)
		var (
			res       model.Result
			delivered bool
		)
		defer func() {
			stop()
			cancel()
			inner.Close()
			if err == nil && !delivered {
				re := model.NewError(model.KindCancelled, "stream closed before the result", nil)
				if res.Status != "" {
					re.Result = &res
				}
				err = re
			}
			e.finish(r, sink, res, err)
			close(r.done)
		}()

		for it := range inner.All() {
			if it.Kind == executor.KindResult {
				res = it.Result
			}
			if !emit(it) {
				return nil
			}
			if it.Kind == executor.KindResult {
				delivered = true
			}
		}
		return inner.Err()
	})
	return e.snapshot(r), st, nil
}

// Submit starts req in the background and returns its record immediately.
func (e *Engine) Submit(ctx context.Context, req Request) (RunInfo, error) {
	r, orch, sink, err := e.begin(ctx, req)
	if err != nil {
		return RunInfo{}, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.setCancel(r, cancel)

	info := e.snapshot(r)
	e.wg.Go(func() {
		defer close(r.done)
		defer cancel()
		res, err := orch.Run(runCtx, req.Config)
		e.finish(r, sink, res, err)
	})
	return info, nil
}

// Get returns the record of a run.
func (e *Engine) Get(id string) (RunInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return RunInfo{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return r.info, nil
}

// List returns held runs, most recent first, skipping offset and returning
// at most limit records. A limit of zero returns all of them.
func (e *Engine) List(limit, offset int) []RunInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RunInfo, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		out = append(out, e.runs[e.order[i]].info)
	}
	if offset >= len(out) {
		return []RunInfo{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Cancel stops a running run. Cancelling a run that already finished does
// nothing.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	var cancel context.CancelFunc
	if ok && r.info.State == StateRunning {
		cancel = r.cancel
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if cancel != nil {
		e.logger.Info("cancelling run", "run_id", id)
		cancel()
	}
	return nil
}

// Done returns a channel closed when the run finishes.
func (e *Engine) Done(id string) (<-chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return r.done, nil
}

// Stats summarises held runs.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		ByState:    map[string]int{},
		ByStatus:   map[string]int{},
		ByExecutor: map[string]int{},
	}
	var total int64
	var timed int
	for _, r := range e.runs {
		s.Total++
		s.ByState[string(r.info.State)]++
		s.ByExecutor[r.info.Executor]++
		if r.info.Result != nil {
			s.ByStatus[string(r.info.Result.Status)]++
			total += r.info.Result.DurationMS
			timed++
		}
	}
	if timed > 0 {
		s.AvgDurationMS = float64(total) / float64(timed)
	}
	return s
}

// Wait blocks until all background runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// begin resolves the executor and claims the single run slot.
func (e *Engine) begin(ctx context.Context, req Request) (*run, *Orchestrator, *logsink.Composite, error) {
	if err := req.Config.Validate(); err != nil {
		return nil, nil, nil, err
	}
	exec, err := e.registry.Resolve(req.Executor)
	if err != nil {
		return nil, nil, nil, err
	}

	e.mu.Lock()
	if e.active != "" {
		active := e.active
		e.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("run %s is active: %w", active, ErrBusy)
	}
	r := &run{
		info: RunInfo{
			ID:        model.NewID(),
			Executor:  req.Executor,
			Script:    req.Config.ScriptPath,
			State:     StateRunning,
			StartedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	e.active = r.info.ID
	e.runs[r.info.ID] = r
	e.order = append(e.order, r.info.ID)
	e.mu.Unlock()
	activeRuns.Inc()

	sinks := []logsink.Sink{e.broker.Sink(r.info.ID)}
	for _, s := range e.sinks {
		sinks = append(sinks, logsink.Func(s.Emit))
	}
	sink := logsink.NewComposite(e.logger, sinks...)

	orch := NewOrchestrator(exec, e.stager, sink, WithOrchestratorLogger(e.logger.With("run_id", r.info.ID)))
	e.logger.InfoContext(ctx, "run started", "run_id", r.info.ID, "executor", req.Executor, "script", req.Config.ScriptPath)
	return r, orch, sink, nil
}

func (e *Engine) setCancel(r *run, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r.cancel = cancel
}

// finish records the outcome, releases the run slot and closes the run's
// sink, which ends its broker topic.
func (e *Engine) finish(r *run, sink *logsink.Composite, res model.Result, err error) RunInfo {
	now := time.Now().UTC()

	e.mu.Lock()
	r.info.FinishedAt = &now
	if err != nil {
		re := model.AsRunError(err)
		r.info.State = StateFailed
		r.info.Error = err.Error()
		r.info.ErrorKind = re.Kind
		if re.Result != nil {
			r.info.Result = NewResultView(*re.Result)
		}
	} else {
		r.info.State = StateFinished
		r.info.Result = NewResultView(res)
	}
	info := r.info
	if e.active == r.info.ID {
		e.active = ""
	}
	e.pruneLocked()
	e.mu.Unlock()

	activeRuns.Dec()
	if cerr := sink.Close(); cerr != nil {
		e.logger.Debug("close run sink", "run_id", info.ID, "error", cerr)
	}
	e.logger.Info("run finished", "run_id", info.ID, "state", info.State, "error_kind", info.ErrorKind)
	return info
}

// pruneLocked drops the oldest finished runs beyond the retention limit.
func (e *Engine) pruneLocked() {
	excess := len(e.order) - e.retention
	if e.retention <= 0 || excess <= 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		if excess > 0 && e.runs[id].info.State != StateRunning {
			delete(e.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Engine) snapshot(r *run) RunInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.info
}
