// Package storage defines the object store that export bundles are published to.
//
// Backends register themselves with the factory from an init() function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server blank-imports every backend so the configured one can be resolved
// by name.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned (wrapped) when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Storage is implemented by every backend.
type Storage interface {
	// Upload stores an object and returns its path, size and SHA256 checksum.
	Upload(ctx context.Context, path string, reader io.Reader, contentType string) (*UploadResult, error)

	// Download opens an object for reading.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// GetURL returns a URL clients can fetch the object from. Cloud backends
	// sign the URL for ttl.
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata returns size, checksum and modification time.
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)

	// List returns the paths of all objects under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// UploadResult describes a stored object.
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string
}

// FileMetadata describes an object without its content.
type FileMetadata struct {
	Path         string
	Size         int64
	Checksum     string
	ContentType  string
	LastModified time.Time
}

// ReadAll downloads path fully.
func ReadAll(ctx context.Context, s Storage, path string) ([]byte, error) {
	rc, err := s.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
