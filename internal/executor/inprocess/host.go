package inprocess

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

// hostContext swaps process-wide state for the duration of one run and
// restores every value it changed.
type hostContext struct {
	stdout    *os.File
	stderr    *os.File
	logOutput io.Writer
	cwd       string
	env       map[string]*string

	outR, outW *os.File
	errR, errW *os.File
}

// enterHost redirects os.Stdout, os.Stderr and the standard logger into
// pipes, changes to dir when set and applies env. On error nothing stays
// changed.
func enterHost(dir string, env map[string]string) (_ *hostContext, err error) {
	h := &hostContext{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		logOutput: log.Writer(),
		env:       make(map[string]*string, len(env)),
	}
	defer func() {
		if err != nil {
			h.restore()
			h.closeReaders()
		}
	}()

	if h.outR, h.outW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if h.errR, h.errW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if dir != "" {
		if h.cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		if err = os.Chdir(dir); err != nil {
			h.cwd = ""
			return nil, fmt.Errorf("change directory: %w", err)
		}
	}

	for k, v := range env {
		if prev, ok := os.LookupEnv(k); ok {
			h.env[k] = &prev
		} else {
			h.env[k] = nil
		}
		if err = os.Setenv(k, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
	}

	os.Stdout = h.outW
	os.Stderr = h.errW
	log.SetOutput(h.errW)
	return h, nil
}

// restore puts back every swapped value and closes the write ends of the
// pipes, which ends the readers. It is safe to call more than once.
func (h *hostContext) restore() error {
	os.Stdout = h.stdout
	os.Stderr = h.stderr
	log.SetOutput(h.logOutput)

	var errs []error
	if h.cwd != "" {
		if err := os.Chdir(h.cwd); err != nil {
			errs = append(errs, fmt.Errorf("restore working directory: %w", err))
		}
		h.cwd = ""
	}
	for k, prev := range h.env {
		var err error
		if prev == nil {
			err = os.Unsetenv(k)
		} else {
			err = os.Setenv(k, *prev)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", k, err))
		}
	}
	clear(h.env)

	for _, w := range []*os.File{h.outW, h.errW} {
		if w != nil {
			_ = w.Close()
		}
	}
	return errors.Join(errs...)
}

func (h *hostContext) closeReaders() {
	for _, r := range []*os.File{h.outR, h.errR} {
		if r != nil {
			_ = r.Close()
		}
	}
}
