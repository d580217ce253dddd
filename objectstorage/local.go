package objectstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage keeps objects below a root directory on the local filesystem.
type LocalStorage struct {
	root      string
	compress  bool
	publicURL string
}

func NewLocal(root string, compress bool, publicURL string) (*LocalStorage, error) {
	if root == "" {
		return nil, errors.New("local object storage requires a root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", abs, err)
	}
	return &LocalStorage{root: abs, compress: compress, publicURL: publicURL}, nil
}

func (s *LocalStorage) Driver() string { return "local" }

func (s *LocalStorage) URL(key string) string { return publicURL(s.publicURL, key) }

// path resolves key below the root and rejects anything that would leave it.
func (s *LocalStorage) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "\x00") || filepath.IsAbs(key) || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%q: %w", key, ErrUnsafePath)
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", key, ErrUnsafePath)
	}
	return p, nil
}

func (s *LocalStorage) Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if s.compress {
		key += zstdSuffix
	}
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", err
	}

	fd, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", key, err)
	}
	if s.compress {
		var buf bytes.Buffer
		if err = compress(&buf, r); err == nil {
			_, err = io.Copy(fd, &buf)
		}
	} else {
		_, err = io.Copy(fd, r)
	}
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	return key, nil
}

func (s *LocalStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	fd, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return decompress(key, fd), nil
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
