// Package storage keeps acquired files under {root}/{dno}/{filename} on the
// local filesystem or in S3.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
)

// Store is a namespaced file store. Open returns an error matching
// os.ErrNotExist for absent files.
type Store interface {
	Create(ctx context.Context, dno core.DNO, filename string) (io.WriteCloser, error)
	Open(ctx context.Context, dno core.DNO, filename string) (io.ReadCloser, error)
	Delete(ctx context.Context, dno core.DNO, filename string) error
	Path(dno core.DNO, filename string) string
}

// Abort closes a writer from Create without publishing what was written, when
// the backend supports that. Other writers are closed and the caller deletes
// the file.
func Abort(w io.WriteCloser, cause error) error {
	if a, ok := w.(interface{ CloseWithError(error) error }); ok {
		return a.CloseWithError(cause)
	}
	return w.Close()
}

// New picks a backend from the root URL: s3://bucket/prefix for S3, anything
// else (optionally file://) for the local filesystem.
func New(ctx context.Context, root string, cfg config.S3Config) (Store, error) {
	if rest, ok := strings.CutPrefix(root, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, &core.ConfigurationError{Key: "storage url", Msg: fmt.Sprintf("no bucket in %q", root)}
		}
		api, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Store(api, bucket, prefix), nil
	}
	return NewLocalStore(strings.TrimPrefix(root, "file://")), nil
}

type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) Path(dno core.DNO, filename string) string {
	return filepath.Join(s.root, dno.String(), filename)
}

func (s *LocalStore) Create(_ context.Context, dno core.DNO, filename string) (io.WriteCloser, error) {
	path := s.Path(dno, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, nil
}

func (s *LocalStore) Open(_ context.Context, dno core.DNO, filename string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(dno, filename))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Delete removes the file. Deleting an absent file is not an error.
func (s *LocalStore) Delete(_ context.Context, dno core.DNO, filename string) error {
	err := os.Remove(s.Path(dno, filename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
