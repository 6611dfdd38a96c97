package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// Storage is a Port backed by an afs.Service. The same provider serves
// local paths (file://) and any object store scheme registered with the
// service, such as mem:// or s3://.
type Storage struct {
	fs afs.Service
}

// NewStorage creates a storage provider. A nil service defaults to afs.New().
func NewStorage(service afs.Service) *Storage {
	if service == nil {
		service = afs.New()
	}
	return &Storage{fs: service}
}

// Service returns the underlying afs service.
func (s *Storage) Service() afs.Service {
	return s.fs
}

// Fetch copies a file or directory from source to the local destination.
func (s *Storage) Fetch(ctx context.Context, source, destination string) (string, error) {
	srcURL, err := locationURL(source)
	if err != nil {
		return "", err
	}
	ok, err := s.fs.Exists(ctx, srcURL)
	if err != nil {
		return "", fmt.Errorf("check %s: %w", source, classify(err))
	}
	if !ok {
		return "", fmt.Errorf("fetch %s: %w", source, ErrNotFound)
	}

	local, err := filepath.Abs(destination)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", destination, err)
	}
	if err := os.MkdirAll(filepath.Dir(local), file.DefaultDirOsMode); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", local, classify(err))
	}
	if err := s.fs.Copy(ctx, srcURL, url.Normalize(local, file.Scheme)); err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", source, local, classify(err))
	}
	return local, nil
}

// FetchAsync implements Port.
func (s *Storage) FetchAsync(ctx context.Context, source, destination string) <-chan Outcome {
	return goAsync(ctx, func(ctx context.Context) (string, error) {
		return s.Fetch(ctx, source, destination)
	})
}

// Upload copies a local file or directory to destination.
func (s *Storage) Upload(ctx context.Context, localPath, destination string) (string, error) {
	local, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", localPath, err)
	}
	if _, err := os.Stat(local); err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, classify(err))
	}
	dstURL := destination
	if schemeOf(destination) == "" {
		abs, err := filepath.Abs(destination)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", destination, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), file.DefaultDirOsMode); err != nil {
			return "", fmt.Errorf("create parent of %s: %w", destination, classify(err))
		}
		dstURL = url.Normalize(abs, file.Scheme)
	}
	if err := s.fs.Copy(ctx, url.Normalize(local, file.Scheme), dstURL); err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", localPath, destination, classify(err))
	}
	return destination, nil
}

// UploadAsync implements Port.
func (s *Storage) UploadAsync(ctx context.Context, localPath, destination string) <-chan Outcome {
	return goAsync(ctx, func(ctx context.Context) (string, error) {
		return s.Upload(ctx, localPath, destination)
	})
}

// Cleanup removes a staged local path.
func (s *Storage) Cleanup(ctx context.Context, localPath string) error {
	return removeLocal(ctx, s.fs, localPath)
}

// removeLocal deletes a local file or directory if it exists.
func removeLocal(ctx context.Context, service afs.Service, localPath string) error {
	if localPath == "" {
		return nil
	}
	local, err := filepath.Abs(localPath)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", localPath, err)
	}
	if _, err := os.Lstat(local); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := service.Delete(ctx, url.Normalize(local, file.Scheme)); err != nil {
		return fmt.Errorf("remove %s: %w", local, classify(err))
	}
	return nil
}

// locationURL turns a location into an afs URL. Plain paths become
// absolute file:// URLs.
func locationURL(location string) (string, error) {
	if schemeOf(location) != "" {
		return location, nil
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", location, err)
	}
	return url.Normalize(abs, file.Scheme), nil
}
