package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/jobflow/internal/model"
)

const (
	defaultListenAddr       = ":8080"
	defaultExecutor         = "subprocess"
	defaultInterpreter      = "python3"
	defaultWorkerListenAddr = "tcp://0.0.0.0:5222"
	defaultKillGrace        = 5 * time.Second

	envListenAddr       = "JOBFLOW_LISTEN_ADDR"
	envLogLevel         = "JOBFLOW_LOG_LEVEL"
	envExecutor         = "JOBFLOW_EXECUTOR"
	envInterpreter      = "JOBFLOW_INTERPRETER"
	envWorkerAddr       = "JOBFLOW_WORKER_ADDR"
	envWorkerListenAddr = "JOBFLOW_WORKER_LISTEN_ADDR"
	envWorkerWorkDir    = "JOBFLOW_WORKER_WORK_DIR"
	envStagingRoot      = "JOBFLOW_STAGING_ROOT"
	envTraceFile        = "JOBFLOW_TRACE_FILE"
	envKillGrace        = "JOBFLOW_KILL_GRACE"
	envObjectPrefixes   = "JOBFLOW_OBJECT_PREFIXES"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	LogLevel    slog.Level
	Executor    string
	Interpreter string

	// WorkerAddr enables the remote executor when set.
	WorkerAddr       string
	WorkerListenAddr string
	WorkerWorkDir    string

	StagingRoot    string
	TraceFile      string
	KillGrace      time.Duration
	ObjectPrefixes []string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		LogLevel:         slog.LevelInfo,
		Executor:         defaultExecutor,
		Interpreter:      defaultInterpreter,
		WorkerListenAddr: defaultWorkerListenAddr,
		WorkerWorkDir:    os.TempDir(),
		KillGrace:        defaultKillGrace,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envExecutor); v != "" {
		cfg.Executor = v
	}
	if v := os.Getenv(envInterpreter); v != "" {
		cfg.Interpreter = v
	}
	cfg.WorkerAddr = os.Getenv(envWorkerAddr)
	if v := os.Getenv(envWorkerListenAddr); v != "" {
		cfg.WorkerListenAddr = v
	}
	if v := os.Getenv(envWorkerWorkDir); v != "" {
		cfg.WorkerWorkDir = v
	}
	cfg.StagingRoot = os.Getenv(envStagingRoot)
	cfg.TraceFile = os.Getenv(envTraceFile)
	if v := os.Getenv(envKillGrace); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.KillGrace = d
		}
	}
	if v := os.Getenv(envObjectPrefixes); v != "" {
		cfg.ObjectPrefixes = splitList(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Job is a run described in a YAML job file.
type Job struct {
	Executor           string `yaml:"executor"`
	model.ScriptConfig `yaml:",inline"`
}

// LoadJob reads a job file. Relative script and working directory paths
// are resolved against the directory holding the file.
func LoadJob(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("read job file: %w", err)
	}
	job, err := ParseJob(data)
	if err != nil {
		return Job{}, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if !filepath.IsAbs(job.ScriptPath) {
		job.ScriptPath = filepath.Join(dir, job.ScriptPath)
	}
	if job.WorkingDir != "" && !filepath.IsAbs(job.WorkingDir) {
		job.WorkingDir = filepath.Join(dir, job.WorkingDir)
	}
	return job, nil
}

// ParseJob decodes and validates a job document. Unknown fields are
// rejected.
func ParseJob(data []byte) (Job, error) {
	var job Job
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil {
		if errors.Is(err, io.EOF) {
			return Job{}, model.NewError(model.KindInvalidScript, "job file is empty", nil)
		}
		return Job{}, model.NewError(model.KindInvalidScript, "decode job", err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	job.ScriptConfig = job.Clone()
	return job, nil
}
