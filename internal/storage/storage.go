// Package storage uploads audit archives to an object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/taskdesk/server/config"
)

// ErrDisabled is returned by Open when no storage backend is configured.
var ErrDisabled = errors.New("object storage disabled")

// ObjectStorage defines the object operations the archiver needs.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Bucket() string
}

// Open constructs the backend selected by cfg.Storage.Backend.
func Open(ctx context.Context, cfg config.Config) (ObjectStorage, error) {
	switch cfg.Storage.Backend {
	case "minio":
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
		return client, nil
	case "gcs":
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs: %w", err)
		}
		return client, nil
	case "", "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}
