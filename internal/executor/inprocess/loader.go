package inprocess

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"plugin"
	"sync"
)

// Script is Go code run inside the current process. args holds the script
// path followed by nothing else, mirroring an interpreter's argv.
type Script func(ctx context.Context, args []string) error

// ExitError requests termination with Code. A Script returning it ends the
// run as if the process had exited with that code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Exit returns an ExitError with code.
func Exit(code int) error {
	return &ExitError{Code: code}
}

// ErrScriptNotFound is returned by loaders that do not know a script path.
var ErrScriptNotFound = errors.New("script not found")

// Loader resolves a script path to runnable code.
type Loader interface {
	Load(path string) (Script, error)
}

// FuncRegistry is a Loader over Go functions registered by path.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]Script
}

// NewFuncRegistry creates an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]Script)}
}

// Register binds fn to path.
func (r *FuncRegistry) Register(path string, fn Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[filepath.Clean(path)] = fn
}

// Load implements Loader.
func (r *FuncRegistry) Load(path string) (Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[filepath.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, path)
	}
	return fn, nil
}

// DefaultSymbol is the exported symbol PluginLoader looks up.
const DefaultSymbol = "Main"

// PluginLoader loads scripts from Go plugins built with
// -buildmode=plugin. The plugin must export a function with Script's
// signature under Symbol.
type PluginLoader struct {
	Symbol string
}

// Load implements Loader.
func (l PluginLoader) Load(path string) (Script, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	name := l.Symbol
	if name == "" {
		name = DefaultSymbol
	}
	sym, err := p.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("lookup %s in %s: %w", name, path, err)
	}
	switch fn := sym.(type) {
	case func(context.Context, []string) error:
		return fn, nil
	case *Script:
		return *fn, nil
	}
	return nil, fmt.Errorf("symbol %s in %s has type %T", name, path, sym)
}

// Loaders tries each loader in order and returns the first script found.
type Loaders []Loader

// Load implements Loader.
func (ls Loaders) Load(path string) (Script, error) {
	var errs []error
	for _, l := range ls {
		fn, err := l.Load(path)
		if err == nil {
			return fn, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, path)
	}
	return nil, errors.Join(errs...)
}
