package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

const defaultHTTPTimeout = 5 * time.Minute

// HTTP is a Port that downloads with GET and uploads with PUT.
type HTTP struct {
	client *http.Client
	fs     afs.Service
}

// NewHTTP creates an HTTP provider. A nil client gets a default client with
// a generous timeout.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTP{client: client, fs: afs.New()}
}

// Fetch downloads source into the local destination.
func (h *HTTP) Fetch(ctx context.Context, source, destination string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", source, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", source, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, source); err != nil {
		return "", err
	}

	local, err := filepath.Abs(destination)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", destination, err)
	}
	if err := os.MkdirAll(filepath.Dir(local), file.DefaultDirOsMode); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", local, classify(err))
	}
	if err := h.fs.Upload(ctx, url.Normalize(local, file.Scheme), file.DefaultFileOsMode, resp.Body); err != nil {
		return "", fmt.Errorf("write %s: %w", local, classify(err))
	}
	return local, nil
}

// FetchAsync implements Port.
func (h *HTTP) FetchAsync(ctx context.Context, source, destination string) <-chan Outcome {
	return goAsync(ctx, func(ctx context.Context) (string, error) {
		return h.Fetch(ctx, source, destination)
	})
}

// Upload sends the local file to destination with PUT.
func (h *HTTP) Upload(ctx context.Context, localPath, destination string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, classify(err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, classify(err))
	}
	if info.IsDir() {
		return "", fmt.Errorf("upload %s: directories cannot be sent over HTTP", localPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, destination, f)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", destination, err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload to %s: %w", destination, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := statusError(resp, destination); err != nil {
		return "", err
	}
	return destination, nil
}

// UploadAsync implements Port.
func (h *HTTP) UploadAsync(ctx context.Context, localPath, destination string) <-chan Outcome {
	return goAsync(ctx, func(ctx context.Context) (string, error) {
		return h.Upload(ctx, localPath, destination)
	})
}

// Cleanup removes a file previously downloaded by Fetch.
func (h *HTTP) Cleanup(ctx context.Context, localPath string) error {
	return removeLocal(ctx, h.fs, localPath)
}

// statusError classifies non-2xx responses. 404 and 410 mean the resource
// is missing; any other client error is treated as an access failure.
func statusError(resp *http.Response, location string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%s: %w", location, ErrNotFound)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%s: %s: %w", location, resp.Status, ErrPermission)
	default:
		return fmt.Errorf("%s: unexpected status %s", location, resp.Status)
	}
}
