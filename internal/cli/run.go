package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/jobflow/internal/config"
	"github.com/seantiz/jobflow/internal/engine"
	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
)

// Exit codes for runs that ended without one of their own.
const (
	exitTimeout   = 124
	exitCancelled = 130
)

type runOptions struct {
	executor        string
	job             string
	workDir         string
	timeout         time.Duration
	env             map[string]string
	inputs          []string
	optionalInputs  []string
	outputs         []string
	requiredOutputs []string
	logLevel        string
	jsonOut         bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [script]",
		Short: "Run a script once and report its result",
		Long: `Run a script once. The script is given as an argument or described by a YAML
job file; flags override the job file. File flags take SOURCE=DESTINATION.`,
		Example: `  jobflow run report.py --input s3://bucket/data.csv=data.csv --output report.pdf=s3://bucket/report.pdf
  jobflow run --job nightly.yaml --timeout 10m`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScript(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.executor, "executor", "e", "", "executor kind (default from JOBFLOW_EXECUTOR)")
	f.StringVarP(&opts.job, "job", "j", "", "YAML job file describing the run")
	f.StringVarP(&opts.workDir, "workdir", "w", "", "working directory of the script")
	f.DurationVarP(&opts.timeout, "timeout", "t", 0, "run timeout (0 disables it)")
	f.StringToStringVar(&opts.env, "env", nil, "environment overrides KEY=VALUE")
	f.StringArrayVar(&opts.inputs, "input", nil, "required input SOURCE=DESTINATION")
	f.StringArrayVar(&opts.optionalInputs, "optional-input", nil, "optional input SOURCE=DESTINATION")
	f.StringArrayVar(&opts.outputs, "output", nil, "optional output SOURCE=DESTINATION")
	f.StringArrayVar(&opts.requiredOutputs, "required-output", nil, "required output SOURCE=DESTINATION")
	f.StringVar(&opts.logLevel, "log-level", "debug", "lowest event level printed")
	f.BoolVar(&opts.jsonOut, "json", false, "print the result as JSON; events go to stderr")
	return cmd
}

func (a *app) runScript(cmd *cobra.Command, opts *runOptions, args []string) error {
	kind, cfg, err := opts.scriptConfig(args, a.cfg.Executor)
	if err != nil {
		return err
	}
	minLevel, err := logsink.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(a.cfg, a.logger)
	if err != nil {
		return err
	}
	exec, err := reg.Resolve(kind)
	if err != nil {
		return err
	}

	out := a.stdout
	if opts.jsonOut {
		out = a.stderr
	}
	console := logsink.NewConsole(out, a.stderr, logsink.WithMinLevel(minLevel))
	sink := logsink.NewComposite(a.logger, console)
	defer sink.Close()

	orch := engine.NewOrchestrator(exec, buildStager(a.cfg, a.logger), sink, engine.WithOrchestratorLogger(a.logger))
	res, err := orch.Run(cmd.Context(), cfg)
	if err != nil {
		var re *model.RunError
		if errors.As(err, &re) && re.Result != nil && opts.jsonOut {
			_ = writeResult(a.stdout, *re.Result)
		}
		return err
	}

	if opts.jsonOut {
		if err := writeResult(a.stdout, res); err != nil {
			return err
		}
	}
	return resultError(res)
}

// scriptConfig assembles the run from the job file, the script argument and
// flags, in increasing precedence.
func (o *runOptions) scriptConfig(args []string, defaultKind string) (string, model.ScriptConfig, error) {
	var (
		cfg  model.ScriptConfig
		kind string
	)
	if o.job != "" {
		job, err := config.LoadJob(o.job)
		if err != nil {
			return "", model.ScriptConfig{}, err
		}
		cfg, kind = job.ScriptConfig, job.Executor
	}
	if len(args) == 1 {
		cfg.ScriptPath = args[0]
	}
	if cfg.ScriptPath == "" {
		return "", model.ScriptConfig{}, fmt.Errorf("a script argument or --job is required")
	}

	if o.executor != "" {
		kind = o.executor
	}
	if kind == "" {
		kind = defaultKind
	}
	if o.workDir != "" {
		cfg.WorkingDir = o.workDir
	}
	if o.timeout > 0 {
		cfg.Timeout = o.timeout
	}
	if len(o.env) > 0 {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string, len(o.env))
		}
		maps.Copy(cfg.Env, o.env)
	}

	for _, spec := range []struct {
		values   []string
		required bool
	}{{o.inputs, true}, {o.optionalInputs, false}} {
		for _, v := range spec.values {
			src, dst, err := splitTransfer(v)
			if err != nil {
				return "", model.ScriptConfig{}, fmt.Errorf("input: %w", err)
			}
			cfg.Inputs = append(cfg.Inputs, model.FileRequirement{Source: src, Destination: dst, Required: spec.required})
		}
	}
	for _, spec := range []struct {
		values   []string
		required bool
	}{{o.outputs, false}, {o.requiredOutputs, true}} {
		for _, v := range spec.values {
			src, dst, err := splitTransfer(v)
			if err != nil {
				return "", model.ScriptConfig{}, fmt.Errorf("output: %w", err)
			}
			cfg.Outputs = append(cfg.Outputs, model.FileOutput{Source: src, Destination: dst, Required: spec.required})
		}
	}

	if err := cfg.Validate(); err != nil {
		return "", model.ScriptConfig{}, err
	}
	return kind, cfg.Clone(), nil
}

// splitTransfer splits SOURCE=DESTINATION at the last '=' so that sources
// may carry query strings.
func splitTransfer(v string) (string, string, error) {
	i := strings.LastIndex(v, "=")
	if i <= 0 || i == len(v)-1 {
		return "", "", fmt.Errorf("%q is not SOURCE=DESTINATION", v)
	}
	return v[:i], v[i+1:], nil
}

func writeResult(w io.Writer, res model.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(engine.NewResultView(res)); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// resultError maps an unsuccessful result to the process exit code.
func resultError(res model.Result) error {
	switch {
	case res.IsSuccess():
		return nil
	case res.Status == model.StatusTimeout:
		return &ExitError{Code: exitTimeout, Reason: "script timed out"}
	case res.Status == model.StatusCancelled:
		return &ExitError{Code: exitCancelled, Reason: "script was cancelled"}
	case res.ExitCode != nil && *res.ExitCode != 0:
		return &ExitError{Code: *res.ExitCode, Reason: fmt.Sprintf("script exited with code %d", *res.ExitCode)}
	}
	return &ExitError{Code: 1, Reason: fmt.Sprintf("script finished with status %s", res.Status)}
}
