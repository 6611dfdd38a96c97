package model

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the terminal outcome of a script run.
type Status string

// Run status constants.
const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// StatusFromExitCode maps a process exit code to a run status.
func StatusFromExitCode(code int) Status {
	if code == 0 {
		return StatusSuccess
	}
	return StatusFailed
}

// FileRequirement declares an input file that must be staged before a run.
// Destination is relative to the run's working directory.
type FileRequirement struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Required    bool   `yaml:"required"`
}

// Input returns a required FileRequirement.
func Input(source, destination string) FileRequirement {
	return FileRequirement{Source: source, Destination: destination, Required: true}
}

// UnmarshalYAML decodes a requirement, defaulting Required to true.
func (r *FileRequirement) UnmarshalYAML(node *yaml.Node) error {
	type plain FileRequirement
	v := plain{Required: true}
	if err := node.Decode(&v); err != nil {
		return err
	}
	*r = FileRequirement(v)
	return nil
}

// FileOutput declares a file produced by a run that is uploaded afterwards.
// Source is relative to the run's working directory.
type FileOutput struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Required    bool   `yaml:"required"`
}

// Output returns an optional FileOutput.
func Output(source, destination string) FileOutput {
	return FileOutput{Source: source, Destination: destination}
}

// ScriptConfig describes a single script run. It is treated as read-only for
// the whole run; use NewScriptConfig to obtain a validated copy.
type ScriptConfig struct {
	ScriptPath string            `yaml:"script"`
	WorkingDir string            `yaml:"working_dir"`
	Env        map[string]string `yaml:"env"`
	// Timeout of zero disables the deadline.
	Timeout  time.Duration     `yaml:"timeout"`
	Inputs   []FileRequirement `yaml:"inputs"`
	Outputs  []FileOutput      `yaml:"outputs"`
	Metadata map[string]any    `yaml:"metadata"`
}

// ConfigOption customises a ScriptConfig built by NewScriptConfig.
type ConfigOption func(*ScriptConfig)

// WithWorkingDir sets the working directory of the run.
func WithWorkingDir(dir string) ConfigOption {
	return func(c *ScriptConfig) { c.WorkingDir = dir }
}

// WithEnv adds environment overrides.
func WithEnv(env map[string]string) ConfigOption {
	return func(c *ScriptConfig) {
		if c.Env == nil {
			c.Env = make(map[string]string, len(env))
		}
		maps.Copy(c.Env, env)
	}
}

// WithTimeout sets the run deadline.
func WithTimeout(d time.Duration) ConfigOption {
	return func(c *ScriptConfig) { c.Timeout = d }
}

// WithInputs appends input requirements.
func WithInputs(inputs ...FileRequirement) ConfigOption {
	return func(c *ScriptConfig) { c.Inputs = append(c.Inputs, inputs...) }
}

// WithOutputs appends output declarations.
func WithOutputs(outputs ...FileOutput) ConfigOption {
	return func(c *ScriptConfig) { c.Outputs = append(c.Outputs, outputs...) }
}

// WithMetadata merges opaque metadata echoed into the result.
func WithMetadata(md map[string]any) ConfigOption {
	return func(c *ScriptConfig) {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any, len(md))
		}
		maps.Copy(c.Metadata, md)
	}
}

// NewScriptConfig builds and validates a ScriptConfig.
func NewScriptConfig(scriptPath string, opts ...ConfigOption) (ScriptConfig, error) {
	cfg := ScriptConfig{ScriptPath: scriptPath}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return ScriptConfig{}, err
	}
	return cfg.Clone(), nil
}

// Validate checks the structural invariants of the config.
func (c ScriptConfig) Validate() error {
	if c.ScriptPath == "" {
		return NewError(KindInvalidScript, "script path must not be empty", nil)
	}
	if c.Timeout < 0 {
		return NewError(KindInvalidScript, fmt.Sprintf("timeout must not be negative: %s", c.Timeout), nil)
	}
	for i, in := range c.Inputs {
		if in.Source == "" || in.Destination == "" {
			return NewError(KindInvalidScript, fmt.Sprintf("input %d: source and destination are required", i), nil)
		}
	}
	for i, out := range c.Outputs {
		if out.Source == "" || out.Destination == "" {
			return NewError(KindInvalidScript, fmt.Sprintf("output %d: source and destination are required", i), nil)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a config in flight.
func (c ScriptConfig) Clone() ScriptConfig {
	c.Env = maps.Clone(c.Env)
	c.Inputs = slices.Clone(c.Inputs)
	c.Outputs = slices.Clone(c.Outputs)
	c.Metadata = maps.Clone(c.Metadata)
	return c
}

// Result is the outcome of one run. It is produced exactly once, at the end
// of the executor's work.
type Result struct {
	Status   Status
	ExitCode *int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Metadata map[string]any
}

// IsSuccess reports whether the run completed with StatusSuccess.
func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// ExitCodeString renders the exit code for log messages.
func (r Result) ExitCodeString() string {
	if r.ExitCode == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *r.ExitCode)
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
