// Package local stores attachment blobs on the filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/markersync/markersync/internal/blob"
	"github.com/markersync/markersync/pkg/core"
)

// Store keeps each blob as a file below a base directory.
type Store struct {
	basePath string
	baseURL  string
	bucket   string
	logger   *slog.Logger
}

var (
	_ blob.Store  = (*Store)(nil)
	_ blob.Opener = (*Store)(nil)
)

// New creates the base directory if needed. URLs are built as
// <baseURL>/<bucket>/<path>.
func New(basePath, baseURL, bucket string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Store{basePath: basePath, baseURL: baseURL, bucket: bucket, logger: logger}, nil
}

// Put writes data to a new file. An existing file is never replaced.
func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return core.Transport("put blob", err)
	}
	filePath, err := s.safeJoin(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return core.Transport("put blob", fmt.Errorf("failed to create scope directory: %w", err))
	}

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", blob.ErrExists, p)
		}
		return core.Transport("put blob", fmt.Errorf("failed to create file: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		if cerr := f.Close(); cerr != nil {
			s.logger.Error("failed to close file after write error", "path", p, "error", cerr)
		}
		if rerr := os.Remove(filePath); rerr != nil {
			s.logger.Error("failed to remove file after write error", "path", p, "error", rerr)
		}
		return core.Transport("put blob", fmt.Errorf("failed to write file: %w", err))
	}
	if err := f.Close(); err != nil {
		if rerr := os.Remove(filePath); rerr != nil {
			s.logger.Error("failed to remove file after close error", "path", p, "error", rerr)
		}
		return core.Transport("put blob", fmt.Errorf("failed to close file: %w", err))
	}
	return nil
}

// Open returns the blob content and its content type.
func (s *Store) Open(ctx context.Context, p string) (io.ReadCloser, string, error) {
	filePath, err := s.safeJoin(p)
	if err != nil {
		return nil, "", err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", blob.ErrNotFound, p)
		}
		return nil, "", core.Transport("open blob", fmt.Errorf("failed to open file: %w", err))
	}
	return f, blob.ContentTypeForPath(filePath), nil
}

// Delete removes the file. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, p string) error {
	filePath, err := s.safeJoin(p)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.Transport("delete blob", fmt.Errorf("failed to delete file: %w", err))
	}
	return nil
}

// URLFor returns the public URL of p.
func (s *Store) URLFor(p string) string {
	return blob.PublicURL(s.baseURL, s.bucket, p)
}

// safeJoin resolves p relative to basePath and rejects directory traversal.
func (s *Store) safeJoin(p string) (string, error) {
	clean, err := blob.CleanPath(p)
	if err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", fmt.Errorf("invalid base path: %w", err)
	}

	absPath, err := filepath.Abs(filepath.Join(s.basePath, filepath.FromSlash(clean)))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal attempt", blob.ErrInvalidPath)
	}
	return absPath, nil
}
