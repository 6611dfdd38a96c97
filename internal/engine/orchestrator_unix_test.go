//go:build unix

package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/seantiz/jobflow/internal/engine"
	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/executor/subprocess"
	"github.com/seantiz/jobflow/internal/model"
)

func TestOrchestratorStreamingClosedEarlyKillsProcess(t *testing.T) {
	const grace = 200 * time.Millisecond
	script := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(script, []byte("echo $$\nexec sleep 30\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	sub := subprocess.New(subprocess.WithInterpreter("sh"), subprocess.WithKillGrace(grace))
	orch := engine.NewOrchestrator(sub, nil, &recorder{})

	st, err := orch.RunStreaming(context.Background(), model.ScriptConfig{ScriptPath: script})
	if err != nil {
		t.Fatalf("RunStreaming: %v", err)
	}

	var pid int
	start := time.Now()
	for it := range st.All() {
		if it.Kind == executor.KindLine {
			pid, err = strconv.Atoi(it.Line.Text)
			if err != nil {
				t.Fatalf("parse pid from %q: %v", it.Line.Text, err)
			}
			start = time.Now()
			break
		}
	}
	if pid == 0 {
		t.Fatal("no pid received")
	}
	if elapsed := time.Since(start); elapsed > 5*grace {
		t.Errorf("closing the stream took %v", elapsed)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("process %d still present after close: %v", pid, err)
	}
}
