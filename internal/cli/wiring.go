package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/seantiz/jobflow/internal/config"
	"github.com/seantiz/jobflow/internal/executor"
	"github.com/seantiz/jobflow/internal/executor/inprocess"
	"github.com/seantiz/jobflow/internal/executor/remote"
	"github.com/seantiz/jobflow/internal/executor/subprocess"
	"github.com/seantiz/jobflow/internal/staging"
	"github.com/seantiz/jobflow/internal/transfer"
)

// buildRegistry registers the subprocess and in-process executors, and the
// remote executor when a worker address is configured.
func buildRegistry(cfg config.Config, logger *slog.Logger) (*executor.Registry, error) {
	reg := executor.NewRegistry()

	subOpts := []subprocess.Option{
		subprocess.WithKillGrace(cfg.KillGrace),
		subprocess.WithLogger(logger),
	}
	if fields := strings.Fields(cfg.Interpreter); len(fields) > 0 {
		subOpts = append(subOpts, subprocess.WithInterpreter(fields[0], fields[1:]...))
	}
	reg.Register(executor.KindSubprocess, subprocess.New(subOpts...))

	reg.Register(executor.KindInProcess, inprocess.New(inprocess.PluginLoader{},
		inprocess.WithAbandonGrace(cfg.KillGrace),
		inprocess.WithLogger(logger),
	))

	if cfg.WorkerAddr != "" {
		rem, err := remote.New(cfg.WorkerAddr, remote.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("remote executor: %w", err)
		}
		reg.Register(executor.KindRemote, rem)
	}
	return reg, nil
}

// buildStager routes transfers by location: object storage prefixes, HTTP
// URLs and local paths.
func buildStager(cfg config.Config, logger *slog.Logger) *staging.Coordinator {
	router := transfer.NewDefaultRouter(cfg.ObjectPrefixes, nil)
	opts := []staging.Option{staging.WithLogger(logger)}
	if cfg.StagingRoot != "" {
		opts = append(opts, staging.WithFallbackRoot(cfg.StagingRoot))
	}
	return staging.New(router, opts...)
}
