package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage keeps objects under root/<bucket>/<path>. Used for
// development and by workers that share a volume with the API.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) *LocalStorage {
	return &LocalStorage{root: root}
}

func (l *LocalStorage) resolve(bucket, path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if strings.Contains(bucket, "..") || strings.ContainsAny(bucket, `/\`) {
		return "", fmt.Errorf("invalid bucket %q", bucket)
	}
	return filepath.Join(l.root, bucket, clean), nil
}

func (l *LocalStorage) Upload(ctx context.Context, bucket, path string, data io.Reader, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(bucket, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	// write to a temp file first so readers never see a partial object
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

func (l *LocalStorage) Download(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(bucket, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("download %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return f, nil
}

func (l *LocalStorage) Delete(ctx context.Context, bucket, path string) error {
	full, err := l.resolve(bucket, path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (l *LocalStorage) GetPublicURL(bucket, path string) string {
	full, err := l.resolve(bucket, path)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(full)
}
