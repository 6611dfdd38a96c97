package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTracingFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "spans.json")

	shutdown, err := Init("jobflow", "0.0.1", fname)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "jobflow.test")
	span.WithAttributes(map[string]string{"script": "job.py"})
	_, child := StartSpan(ctx, "jobflow.child")
	EndSpan(child, errors.New("boom"))
	EndSpan(span, nil)

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("no data written to trace file")
	}
	if !strings.Contains(string(data), "jobflow.child") {
		t.Errorf("trace file does not mention child span")
	}
}

func TestNilSpanIsSafe(t *testing.T) {
	var sp *Span
	sp.WithAttributes(map[string]string{"k": "v"})
	sp.SetStatus(nil)
	EndSpan(sp, nil)
}
