package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/seantiz/jobflow/internal/model"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envLogLevel, envExecutor, envInterpreter, envWorkerAddr,
		envWorkerListenAddr, envWorkerWorkDir, envStagingRoot, envTraceFile,
		envKillGrace, envObjectPrefixes,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Executor != "subprocess" || cfg.Interpreter != "python3" {
		t.Errorf("Executor/Interpreter = %q/%q", cfg.Executor, cfg.Interpreter)
	}
	if cfg.WorkerAddr != "" {
		t.Errorf("WorkerAddr = %q, want empty", cfg.WorkerAddr)
	}
	if cfg.KillGrace != defaultKillGrace {
		t.Errorf("KillGrace = %v, want %v", cfg.KillGrace, defaultKillGrace)
	}
	if cfg.ObjectPrefixes != nil {
		t.Errorf("ObjectPrefixes = %v, want nil", cfg.ObjectPrefixes)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envExecutor, "remote")
	t.Setenv(envInterpreter, "/usr/bin/python3.12")
	t.Setenv(envWorkerAddr, "vsock://3:5222")
	t.Setenv(envStagingRoot, "/srv/staging")
	t.Setenv(envTraceFile, "/tmp/trace.json")
	t.Setenv(envKillGrace, "250ms")
	t.Setenv(envObjectPrefixes, "s3://, gs:// ,")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Executor != "remote" || cfg.Interpreter != "/usr/bin/python3.12" {
		t.Errorf("Executor/Interpreter = %q/%q", cfg.Executor, cfg.Interpreter)
	}
	if cfg.WorkerAddr != "vsock://3:5222" {
		t.Errorf("WorkerAddr = %q", cfg.WorkerAddr)
	}
	if cfg.StagingRoot != "/srv/staging" || cfg.TraceFile != "/tmp/trace.json" {
		t.Errorf("StagingRoot/TraceFile = %q/%q", cfg.StagingRoot, cfg.TraceFile)
	}
	if cfg.KillGrace != 250*time.Millisecond {
		t.Errorf("KillGrace = %v, want 250ms", cfg.KillGrace)
	}
	if !slices.Equal(cfg.ObjectPrefixes, []string{"s3://", "gs://"}) {
		t.Errorf("ObjectPrefixes = %q", cfg.ObjectPrefixes)
	}
}

func TestLoadIgnoresMalformedGrace(t *testing.T) {
	clearEnv(t)
	t.Setenv(envKillGrace, "soon")

	if got := Load().KillGrace; got != defaultKillGrace {
		t.Errorf("KillGrace = %v, want default", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

const sampleJob = `
executor: subprocess
script: scripts/report.py
working_dir: work
timeout: 30s
env:
  MODE: nightly
inputs:
  - source: s3://bucket/data.csv
    destination: data.csv
  - source: /etc/optional.conf
    destination: optional.conf
    required: false
outputs:
  - source: report.pdf
    destination: s3://bucket/report.pdf
  - source: summary.json
    destination: s3://bucket/summary.json
    required: true
metadata:
  owner: finance
`

func TestLoadJob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(path, []byte(sampleJob), 0o644); err != nil {
		t.Fatal(err)
	}

	job, err := LoadJob(path)
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}

	if job.Executor != "subprocess" {
		t.Errorf("Executor = %q", job.Executor)
	}
	if want := filepath.Join(dir, "scripts", "report.py"); job.ScriptPath != want {
		t.Errorf("ScriptPath = %q, want %q", job.ScriptPath, want)
	}
	if want := filepath.Join(dir, "work"); job.WorkingDir != want {
		t.Errorf("WorkingDir = %q, want %q", job.WorkingDir, want)
	}
	if job.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", job.Timeout)
	}
	if job.Env["MODE"] != "nightly" {
		t.Errorf("Env = %v", job.Env)
	}
	if len(job.Inputs) != 2 || !job.Inputs[0].Required || job.Inputs[1].Required {
		t.Errorf("Inputs = %+v, want required defaulting to true", job.Inputs)
	}
	if len(job.Outputs) != 2 || job.Outputs[0].Required || !job.Outputs[1].Required {
		t.Errorf("Outputs = %+v, want required defaulting to false", job.Outputs)
	}
	if job.Metadata["owner"] != "finance" {
		t.Errorf("Metadata = %v", job.Metadata)
	}
}

func TestParseJobErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing script", "executor: subprocess\n"},
		{"unknown field", "script: a.py\nretries: 3\n"},
		{"negative timeout", "script: a.py\ntimeout: -1s\n"},
		{"input without destination", "script: a.py\ninputs:\n  - source: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJob([]byte(tt.doc))
			if !errors.Is(err, model.ErrInvalidScript) {
				t.Errorf("ParseJob error = %v, want InvalidScript", err)
			}
		})
	}
}

func TestLoadJobMissingFile(t *testing.T) {
	if _, err := LoadJob(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing job file")
	}
}
