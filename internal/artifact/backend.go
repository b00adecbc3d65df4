// Package artifact keeps rendered videos until they are downloaded or expire.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when an artifact is unknown or its file is gone.
var ErrNotFound = errors.New("artifact not found")

// Backend persists finished outputs.
type Backend interface {
	// Put takes ownership of the file at srcPath and returns a reference.
	Put(ctx context.Context, key, srcPath string) (string, error)
	// Open streams a stored artifact. size is -1 when unknown.
	Open(ctx context.Context, ref string) (rc io.ReadCloser, size int64, err error)
	Delete(ctx context.Context, ref string) error
}

// LocalBackend keeps artifacts in a directory on disk.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates dir if needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		dir = "outputs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

// Dir is where finished outputs land.
func (l *LocalBackend) Dir() string {
	return l.dir
}

func (l *LocalBackend) Put(_ context.Context, key, srcPath string) (string, error) {
	dst := filepath.Join(l.dir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if filepath.Clean(srcPath) == filepath.Clean(dst) {
		return dst, nil
	}
	if err := os.Rename(srcPath, dst); err == nil {
		return dst, nil
	}
	// Rename fails across filesystems; fall back to copying.
	if err := copyFile(srcPath, dst); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	_ = os.Remove(srcPath)
	return dst, nil
}

func (l *LocalBackend) Open(_ context.Context, ref string) (io.ReadCloser, int64, error) {
	f, err := os.Open(ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

func (l *LocalBackend) Delete(_ context.Context, ref string) error {
	if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}
