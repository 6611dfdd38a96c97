package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/jobflow/internal/engine"
	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
)

// scriptedExecutor prints fixed lines and exits with a fixed code.
type scriptedExecutor struct {
	lines    []string
	exitCode int
	delay    time.Duration
	gate     chan struct{}
	err      error
}

func (e *scriptedExecutor) Run(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) (model.Result, error) {
	st, err := e.RunStreaming(ctx, cfg, sink)
	if err != nil {
		return model.Result{}, err
	}
	return executor.Collect(st)
}

func (e *scriptedExecutor) RunStreaming(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) (*executor.Stream, error) {
	return executor.NewStream(ctx, func(ctx context.Context, emit func(executor.Item) bool) error {
		out := executor.NewOutput(sink, emit)
		if e.gate != nil {
			select {
			case <-e.gate:
			case <-ctx.Done():
			}
		}
		for _, l := range e.lines {
			out.Line(executor.Stdout, l)
		}
		if e.delay > 0 {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			emit(executor.ResultItem(executor.NewResult(model.StatusCancelled, nil, &out.Capture, 0, cfg)))
			return nil
		}
		if e.err != nil {
			return e.err
		}
		status := model.StatusFromExitCode(e.exitCode)
		emit(executor.ResultItem(executor.NewResult(status, model.IntPtr(e.exitCode), &out.Capture, 0, cfg)))
		return nil
	}), nil
}

func (e *scriptedExecutor) Capabilities() executor.Capabilities {
	return executor.Capabilities{Name: "scripted", Kind: executor.KindSubprocess, Description: "test executor"}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, &scriptedExecutor{lines: []string{"hello"}})
}

func newTestServerWith(t *testing.T, exec executor.Executor) *Server {
	t.Helper()
	reg := executor.NewRegistry()
	reg.Register(executor.KindSubprocess, exec)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(reg, nil, engine.WithLogger(logger))
	t.Cleanup(eng.Wait)
	return NewServer(":0", eng, logger)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/runs", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t)
	srv.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
