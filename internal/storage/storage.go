// Package storage persists archived result media in an S3-compatible bucket
// so completed jobs do not depend on the executor's CDN staying alive.
package storage

import (
	"context"
	"io"
)

// ObjectStorage is the interface the media archiver writes through.
type ObjectStorage interface {
	// Upload stores an object under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// GetURL returns the public URL for an object.
	GetURL(key string) string

	// Exists reports whether an object is already stored.
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context) error
}
