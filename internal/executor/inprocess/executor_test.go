package inprocess

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/model"
)

func newExecutor(scripts map[string]Script) *Executor {
	reg := NewFuncRegistry()
	for path, fn := range scripts {
		reg.Register(path, fn)
	}
	return New(reg, WithAbandonGrace(100*time.Millisecond))
}

func TestRunCapturesOutput(t *testing.T) {
	e := newExecutor(map[string]Script{
		"hello.go": func(_ context.Context, args []string) error {
			fmt.Println("hello from", args[0])
			fmt.Fprintln(os.Stderr, "to stderr")
			log.SetFlags(0)
			log.Print("via log")
			return nil
		},
	})
	flags := log.Flags()
	defer log.SetFlags(flags)

	res, err := e.Run(context.Background(), model.ScriptConfig{ScriptPath: "hello.go"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.IsSuccess() || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("result = %+v, want success with exit code 0", res)
	}
	if res.Stdout != "hello from hello.go" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "to stderr\nvia log" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunRestoresHostState(t *testing.T) {
	t.Setenv("JOBFLOW_INPROC_EXISTING", "before")
	os.Unsetenv("JOBFLOW_INPROC_NEW")
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	stdout, stderr, logOut := os.Stdout, os.Stderr, log.Writer()

	var seenDir, seenExisting, seenNew string
	e := newExecutor(map[string]Script{
		"env.go": func(context.Context, []string) error {
			seenDir, _ = os.Getwd()
			seenExisting = os.Getenv("JOBFLOW_INPROC_EXISTING")
			seenNew = os.Getenv("JOBFLOW_INPROC_NEW")
			panic("boom")
		},
	})

	cfg := model.ScriptConfig{
		ScriptPath: "env.go",
		WorkingDir: dir,
		Env: map[string]string{
			"JOBFLOW_INPROC_EXISTING": "during",
			"JOBFLOW_INPROC_NEW":      "added",
		},
	}
	res, err := e.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantDir, _ := filepath.EvalSymlinks(dir)
	gotDir, _ := filepath.EvalSymlinks(seenDir)
	if gotDir != wantDir {
		t.Errorf("script saw cwd %q, want %q", seenDir, dir)
	}
	if seenExisting != "during" || seenNew != "added" {
		t.Errorf("script saw env %q/%q", seenExisting, seenNew)
	}

	if now, _ := os.Getwd(); now != cwd {
		t.Errorf("cwd after run = %q, want %q", now, cwd)
	}
	if got := os.Getenv("JOBFLOW_INPROC_EXISTING"); got != "before" {
		t.Errorf("existing env after run = %q, want before", got)
	}
	if _, ok := os.LookupEnv("JOBFLOW_INPROC_NEW"); ok {
		t.Error("added env var still set after run")
	}
	if os.Stdout != stdout || os.Stderr != stderr || log.Writer() != logOut {
		t.Error("stdio or log output not restored")
	}

	if res.Status != model.StatusFailed || res.ExitCode == nil || *res.ExitCode != 1 {
		t.Errorf("result = %+v, want failed with exit code 1", res)
	}
	if !strings.Contains(res.Stderr, "panic: boom") {
		t.Errorf("stderr missing panic detail: %q", res.Stderr)
	}
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   model.Status
		code     int
		inStderr string
	}{
		{"exit zero", Exit(0), model.StatusSuccess, 0, ""},
		{"exit nonzero", Exit(4), model.StatusFailed, 4, ""},
		{"wrapped exit", fmt.Errorf("done: %w", Exit(2)), model.StatusFailed, 2, ""},
		{"plain error", errors.New("bad input"), model.StatusFailed, 1, "bad input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecutor(map[string]Script{
				"s.go": func(context.Context, []string) error { return tt.err },
			})
			res, err := e.Run(context.Background(), model.ScriptConfig{ScriptPath: "s.go"}, nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Status != tt.status {
				t.Errorf("status = %q, want %q", res.Status, tt.status)
			}
			if res.ExitCode == nil || *res.ExitCode != tt.code {
				t.Errorf("exit code = %s, want %d", res.ExitCodeString(), tt.code)
			}
			if tt.inStderr != "" && !strings.Contains(res.Stderr, tt.inStderr) {
				t.Errorf("stderr = %q, want it to contain %q", res.Stderr, tt.inStderr)
			}
		})
	}
}

func TestLoadFailure(t *testing.T) {
	e := newExecutor(nil)

	_, err := e.Run(context.Background(), model.ScriptConfig{ScriptPath: "missing.go"}, nil)
	if !errors.Is(err, model.ErrExecutionFailed) {
		t.Fatalf("Run error = %v, want ExecutionFailed", err)
	}
	if !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Run error = %v, want it to wrap ErrScriptNotFound", err)
	}
	var re *model.RunError
	if errors.As(err, &re) && re.ExitCode != nil {
		t.Errorf("exit code = %d, want none", *re.ExitCode)
	}
}

func TestTimeoutCooperative(t *testing.T) {
	e := newExecutor(map[string]Script{
		"wait.go": func(ctx context.Context, _ []string) error {
			fmt.Println("waiting")
			<-ctx.Done()
			return ctx.Err()
		},
	})

	res, err := e.Run(context.Background(), model.ScriptConfig{ScriptPath: "wait.go", Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != model.StatusTimeout || res.ExitCode != nil {
		t.Errorf("result = %+v, want timeout without exit code", res)
	}
	if res.Stdout != "waiting" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestTimeoutAbandonsUncooperativeScript(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := newExecutor(map[string]Script{
		"stuck.go": func(context.Context, []string) error {
			<-release
			return nil
		},
	})

	start := time.Now()
	res, err := e.Run(context.Background(), model.ScriptConfig{ScriptPath: "stuck.go", Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != model.StatusTimeout {
		t.Errorf("status = %q, want timeout", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %v", elapsed)
	}
}

func TestStreamingLines(t *testing.T) {
	e := newExecutor(map[string]Script{
		"lines.go": func(context.Context, []string) error {
			for i := range 3 {
				fmt.Printf("line %d\n", i)
			}
			return nil
		},
	})

	st, err := e.RunStreaming(context.Background(), model.ScriptConfig{ScriptPath: "lines.go"}, nil)
	if err != nil {
		t.Fatalf("RunStreaming: %v", err)
	}
	var lines []string
	var res model.Result
	for it := range st.All() {
		if it.Kind == executor.KindLine {
			lines = append(lines, it.Line.Text)
		} else {
			res = it.Result
		}
	}
	if got := strings.Join(lines, "\n"); got != res.Stdout || got != "line 0\nline 1\nline 2" {
		t.Errorf("streamed %q, result stdout %q", got, res.Stdout)
	}
}

func TestLoadersChain(t *testing.T) {
	first := NewFuncRegistry()
	second := NewFuncRegistry()
	second.Register("./b.go", func(context.Context, []string) error { return nil })

	chain := Loaders{first, second}
	if _, err := chain.Load("b.go"); err != nil {
		t.Errorf("Load(b.go) = %v, want found in second loader", err)
	}
	if _, err := chain.Load("c.go"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Load(c.go) = %v, want ErrScriptNotFound", err)
	}
}
