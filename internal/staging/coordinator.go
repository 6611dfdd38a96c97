// Package staging moves a run's declared input files into its working area
// before execution and uploads its declared outputs afterwards, applying the
// required/optional policy of each file.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/jobflow/internal/logsink"
	"github.com/seantiz/jobflow/internal/model"
	"github.com/seantiz/jobflow/internal/transfer"
)

// Coordinator stages inputs, uploads outputs and cleans up staged files.
type Coordinator struct {
	port   transfer.Port
	root   string
	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFallbackRoot sets the directory used to resolve relative paths when a
// config has no working directory. Without it the process cwd is used.
func WithFallbackRoot(dir string) Option {
	return func(c *Coordinator) { c.root = dir }
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New creates a coordinator that transfers files through port.
func New(port transfer.Port, opts ...Option) *Coordinator {
	c := &Coordinator{
		port:   port,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stage fetches every declared input in order and returns the local paths
// written. On error the paths staged so far are still returned so that the
// caller can release them with Cleanup.
func (c *Coordinator) Stage(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) ([]string, error) {
	sink = logsink.OrNop(sink)
	if len(cfg.Inputs) == 0 {
		return nil, nil
	}

	base, err := c.baseDir(cfg)
	if err != nil {
		return nil, model.NewError(model.KindStagingFailed, "resolve working directory", err)
	}

	var staged []string
	for _, in := range cfg.Inputs {
		md := map[string]string{"source": in.Source, "destination": in.Destination}

		dst, err := resolveWithin(base, in.Destination)
		if err == nil {
			var local string
			local, err = c.port.Fetch(ctx, in.Source, dst)
			if err == nil {
				staged = append(staged, local)
				stagedFilesTotal.WithLabelValues(outcomeOK).Inc()
				_ = sink.Emit(logsink.LevelInfo, fmt.Sprintf("Staged input %s to %s", in.Source, local), md)
				continue
			}
		}

		missing := errors.Is(err, transfer.ErrNotFound)
		if !in.Required {
			stagedFilesTotal.WithLabelValues(outcomeSkipped).Inc()
			msg := fmt.Sprintf("Failed to stage optional input %s: %v", in.Source, err)
			if missing {
				msg = fmt.Sprintf("Optional input not found, skipping: %s", in.Source)
			}
			_ = sink.Emit(logsink.LevelWarning, msg, md)
			continue
		}

		stagedFilesTotal.WithLabelValues(outcomeFailed).Inc()
		msg := fmt.Sprintf("failed to stage required input %s", in.Source)
		if missing {
			msg = fmt.Sprintf("required input not found: %s", in.Source)
		}
		c.logger.Debug("staging aborted", "source", in.Source, "error", err)
		return staged, &model.RunError{
			Kind:    model.KindStagingFailed,
			Message: msg,
			Source:  in.Source,
			Err:     err,
		}
	}
	return staged, nil
}

// Upload sends every declared output in order. Failures never stop later
// outputs from being processed; failures of required outputs are returned
// together as one UploadFailed error.
func (c *Coordinator) Upload(ctx context.Context, cfg model.ScriptConfig, sink logsink.Sink) error {
	sink = logsink.OrNop(sink)
	if len(cfg.Outputs) == 0 {
		return nil
	}

	base, err := c.baseDir(cfg)
	if err != nil {
		return model.NewError(model.KindUploadFailed, "resolve working directory", err)
	}

	var failures []*model.RunError
	for _, out := range cfg.Outputs {
		md := map[string]string{"source": out.Source, "destination": out.Destination}

		local, err := resolveWithin(base, out.Source)
		if err == nil {
			if _, statErr := os.Stat(local); errors.Is(statErr, fs.ErrNotExist) {
				err = fmt.Errorf("%s: %w", out.Source, transfer.ErrNotFound)
			}
		}
		if err == nil {
			var loc string
			loc, err = c.port.Upload(ctx, local, out.Destination)
			if err == nil {
				uploadedFilesTotal.WithLabelValues(outcomeOK).Inc()
				_ = sink.Emit(logsink.LevelInfo, fmt.Sprintf("Uploaded output %s to %s", out.Source, loc), md)
				continue
			}
		}

		missing := errors.Is(err, transfer.ErrNotFound)
		if !out.Required {
			uploadedFilesTotal.WithLabelValues(outcomeSkipped).Inc()
			msg := fmt.Sprintf("Failed to upload optional output %s: %v", out.Source, err)
			if missing {
				msg = fmt.Sprintf("Optional output not found, skipping: %s", out.Source)
			}
			_ = sink.Emit(logsink.LevelWarning, msg, md)
			continue
		}

		uploadedFilesTotal.WithLabelValues(outcomeFailed).Inc()
		msg := fmt.Sprintf("failed to upload required output %s", out.Source)
		if missing {
			msg = fmt.Sprintf("required output not found: %s", out.Source)
		}
		_ = sink.Emit(logsink.LevelError, msg, md)
		failures = append(failures, &model.RunError{
			Kind:    model.KindUploadFailed,
			Message: msg,
			Source:  out.Source,
			Err:     err,
		})
	}

	switch len(failures) {
	case 0:
		return nil
	case 1:
		return failures[0]
	}
	errs := make([]error, len(failures))
	sources := make([]string, len(failures))
	for i, f := range failures {
		errs[i] = f
		sources[i] = f.Source
	}
	return &model.RunError{
		Kind:    model.KindUploadFailed,
		Message: fmt.Sprintf("%d required outputs failed: %s", len(failures), strings.Join(sources, ", ")),
		Source:  failures[0].Source,
		Err:     errors.Join(errs...),
	}
}

// Cleanup releases staged paths. Each distinct path is released once and
// failures are only logged.
func (c *Coordinator) Cleanup(ctx context.Context, staged []string) {
	seen := make(map[string]struct{}, len(staged))
	for i := len(staged) - 1; i >= 0; i-- {
		p := staged[i]
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if err := c.port.Cleanup(ctx, p); err != nil {
			c.logger.Debug("cleanup failed", "path", p, "error", err)
		}
	}
}

func (c *Coordinator) baseDir(cfg model.ScriptConfig) (string, error) {
	switch {
	case cfg.WorkingDir != "":
		return filepath.Abs(cfg.WorkingDir)
	case c.root != "":
		return filepath.Abs(c.root)
	}
	return os.Getwd()
}

// resolveWithin joins relPath onto baseDir and rejects results that escape
// it.
func resolveWithin(baseDir, relPath string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) && cleaned != absBase {
		return "", fmt.Errorf("path %q escapes working directory", relPath)
	}
	return cleaned, nil
}
