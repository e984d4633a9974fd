// Package gcs publishes export bundles to Google Cloud Storage behind V4
// signed URLs. Credentials come from a service account key, given as a file or
// inline JSON, or from Application Default Credentials. A custom endpoint
// targets an emulator without auth.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/agent-market/agent-market/internal/config"
	appstorage "github.com/agent-market/agent-market/internal/storage"
	"github.com/agent-market/agent-market/pkg/checksum"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

const checksumMetaKey = "sha256"

type GCSStorage struct {
	client *storage.Client
	name   string
	bucket *storage.BucketHandle
}

func clientOptions(cfg *appconfig.GCSStorageConfig) []option.ClientOption {
	switch {
	case cfg.Endpoint != "":
		return []option.ClientOption{option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication()}
	case cfg.CredentialsJSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.CredentialsJSON))}
	case cfg.CredentialsFile != "":
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
	}
	return nil
}

func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	if cfg.CredentialsJSON != "" && cfg.CredentialsFile != "" {
		return nil, errors.New("gcs: set credentials_file or credentials_json, not both")
	}
	client, err := storage.NewClient(context.Background(), clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("gcs: client: %w", err)
	}
	return &GCSStorage{client: client, name: cfg.Bucket, bucket: client.Bucket(cfg.Bucket)}, nil
}

func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func classify(op, p string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", appstorage.ErrNotFound, p)
	}
	return fmt.Errorf("gcs %s %s: %w", op, p, err)
}

// Upload records the SHA256 as custom metadata so GetMetadata can skip
// rehashing.
func (s *GCSStorage) Upload(ctx context.Context, p string, r io.Reader, contentType string) (*appstorage.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sum := checksum.SHA256Hex(data)

	w := s.bucket.Object(p).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{checksumMetaKey: sum}
	_, err = w.Write(data)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, classify("upload", p, err)
	}
	return &appstorage.UploadResult{Path: p, Size: int64(len(data)), Checksum: sum}, nil
}

func (s *GCSStorage) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(p).NewReader(ctx)
	if err != nil {
		return nil, classify("download", p, err)
	}
	return r, nil
}

// Delete ignores missing objects.
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	err := s.bucket.Object(p).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return classify("delete", p, err)
}

// GetURL signs a V4 GET URL valid for ttl. Under ADC the identity needs
// signBlob permission.
func (s *GCSStorage) GetURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	if _, err := s.attrs(ctx, p); err != nil {
		return "", err
	}
	u, err := s.bucket.SignedURL(p, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("gcs: sign %s/%s: %w", s.name, p, err)
	}
	return u, nil
}

func (s *GCSStorage) attrs(ctx context.Context, p string) (*storage.ObjectAttrs, error) {
	a, err := s.bucket.Object(p).Attrs(ctx)
	if err != nil {
		return nil, classify("stat", p, err)
	}
	return a, nil
}

func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.attrs(ctx, p)
	if errors.Is(err, appstorage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *GCSStorage) GetMetadata(ctx context.Context, p string) (*appstorage.FileMetadata, error) {
	a, err := s.attrs(ctx, p)
	if err != nil {
		return nil, err
	}
	meta := &appstorage.FileMetadata{
		Path:         p,
		Size:         a.Size,
		Checksum:     a.Metadata[checksumMetaKey],
		ContentType:  a.ContentType,
		LastModified: a.Updated,
	}
	if meta.Checksum != "" {
		return meta, nil
	}

	body, err := s.Download(ctx, p)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	if meta.Checksum, err = checksum.CalculateSHA256(body); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *GCSStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		a, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		names = append(names, a.Name)
	}
	slices.Sort(names)
	return names, nil
}
