// Package cli implements the jobflow command line: running a script once,
// serving the HTTP API and listing executors.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/seantiz/jobflow/internal/config"
	"github.com/seantiz/jobflow/internal/tracing"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// ExitError carries the exit code of a script that did not succeed.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return e.Reason
}

// app holds state shared by the subcommands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
	shutdown func(context.Context) error
}

// NewRootCmd builds the command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "jobflow",
		Short: "Run scripts with staged inputs, uploaded outputs and streamed logs",
		Long: `jobflow runs a script in a local subprocess, in-process or on a remote worker.
Declared input files are staged before the run and declared outputs are uploaded
afterwards, while every output line and lifecycle event is streamed to observers.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close(cmd.Context())
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newExecutorsCmd(a))
	return root
}

// Execute runs the command line with args.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (a *app) init() error {
	a.cfg = config.Load()
	a.logger = config.NewLogger(a.stderr, a.cfg.LogLevel)

	if a.cfg.TraceFile != "" {
		shutdown, err := tracing.Init("jobflow", Version, a.cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.shutdown = shutdown
	}
	return nil
}

func (a *app) close(ctx context.Context) error {
	if a.shutdown == nil {
		return nil
	}
	if err := a.shutdown(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("flush traces: %w", err)
	}
	return nil
}
