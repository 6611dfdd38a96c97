// Package transfer moves files between a run's local working area and the
// locations named in a script config: local paths, object storage URLs and
// HTTP endpoints. Providers implement Port; a Router picks one per location
// by its scheme prefix.
package transfer

import (
	"context"
	"errors"
	"io/fs"
	"strings"
)

// Sentinel errors. Providers wrap them so callers can use errors.Is.
var (
	ErrNotFound   = errors.New("file not found")
	ErrPermission = errors.New("permission denied")
	ErrNoProvider = errors.New("no suitable file provider")
)

// Port is a file transfer provider.
type Port interface {
	// Fetch copies source to the local path destination and returns the
	// local path written.
	Fetch(ctx context.Context, source, destination string) (string, error)

	// FetchAsync runs Fetch in the background. Cancelling ctx aborts it.
	FetchAsync(ctx context.Context, source, destination string) <-chan Outcome

	// Upload copies the local file to destination and returns an identifier
	// of the uploaded location.
	Upload(ctx context.Context, localPath, destination string) (string, error)

	// UploadAsync runs Upload in the background. Cancelling ctx aborts it.
	UploadAsync(ctx context.Context, localPath, destination string) <-chan Outcome

	// Cleanup removes a locally staged path. Removing a path that no longer
	// exists is not an error.
	Cleanup(ctx context.Context, localPath string) error
}

// Outcome is the single value delivered by an async transfer.
type Outcome struct {
	Location string
	Err      error
}

// goAsync runs fn in a goroutine and delivers its outcome on a buffered
// channel, so an abandoned receiver never blocks the goroutine.
func goAsync(ctx context.Context, fn func(context.Context) (string, error)) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		loc, err := fn(ctx)
		ch <- Outcome{Location: loc, Err: err}
	}()
	return ch
}

// Await waits for an async outcome or ctx cancellation.
func Await(ctx context.Context, ch <-chan Outcome) (string, error) {
	select {
	case o, ok := <-ch:
		if !ok {
			return "", errors.New("transfer outcome channel closed")
		}
		return o.Location, o.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// classify maps filesystem errors onto the package sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPermission):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrPermission, err)
	}
	return err
}

// schemeOf returns the scheme of a URL-like location, or "" for plain paths.
func schemeOf(location string) string {
	i := strings.Index(location, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(location[:i])
}
