// Package local keeps export bundles in a directory on the server. URLs point
// back at the export file route, so it suits development and single-node
// deployments.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/storage"
	"github.com/agent-market/agent-market/pkg/checksum"
)

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local, cfg.Server.BaseURL)
	})
}

// FilesRoute is the API route that serves stored objects for this backend.
const FilesRoute = "/api/v1/exports/files/"

const partialPrefix = ".upload-"

type LocalStorage struct {
	basePath string
	baseURL  string
}

// New creates the base directory if needed.
func New(cfg *config.LocalStorageConfig, serverBaseURL string) (*LocalStorage, error) {
	abs, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("local storage: resolve %q: %w", cfg.BasePath, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return &LocalStorage{basePath: abs, baseURL: strings.TrimSuffix(serverBaseURL, "/")}, nil
}

// objectKey normalizes p to a slash path with no leading slash. Dot segments
// cannot climb above the root.
func objectKey(p string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return "", fmt.Errorf("invalid object path %q", p)
	}
	return clean, nil
}

func (s *LocalStorage) file(p string) (string, error) {
	key, err := objectKey(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

func missing(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	return err
}

// Upload writes to a temporary file beside the target and renames it into
// place, so readers never observe a partial object.
func (s *LocalStorage) Upload(_ context.Context, p string, r io.Reader, _ string) (*storage.UploadResult, error) {
	target, err := s.file(p)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, partialPrefix+"*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, err
	}
	return &storage.UploadResult{Path: p, Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}

func (s *LocalStorage) openObject(p string) (*os.File, string, error) {
	name, err := s.file(p)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, "", missing(p, err)
	}
	return f, name, nil
}

func (s *LocalStorage) Download(_ context.Context, p string) (io.ReadCloser, error) {
	f, _, err := s.openObject(p)
	return f, err
}

// Delete removes the object and prunes directories it leaves empty, stopping
// at the base directory. A missing object is not an error.
func (s *LocalStorage) Delete(_ context.Context, p string) error {
	name, err := s.file(p)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for dir := filepath.Dir(name); dir != s.basePath && strings.HasPrefix(dir, s.basePath); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// GetURL points at FilesRoute on the server. ttl is ignored; the route does
// its own access control.
func (s *LocalStorage) GetURL(ctx context.Context, p string, _ time.Duration) (string, error) {
	ok, err := s.Exists(ctx, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	key, _ := objectKey(p)
	return s.baseURL + FilesRoute + key, nil
}

// Exists is false for directories.
func (s *LocalStorage) Exists(_ context.Context, p string) (bool, error) {
	name, err := s.file(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// GetMetadata hashes the whole file.
func (s *LocalStorage) GetMetadata(_ context.Context, p string) (*storage.FileMetadata, error) {
	f, name, err := s.openObject(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	sum, err := checksum.CalculateSHA256(f)
	if err != nil {
		return nil, err
	}
	return &storage.FileMetadata{
		Path:         p,
		Size:         info.Size(),
		Checksum:     sum,
		ContentType:  mime.TypeByExtension(filepath.Ext(name)),
		LastModified: info.ModTime(),
	}, nil
}

// List skips in-flight uploads.
func (s *LocalStorage) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.basePath, func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), partialPrefix) {
			return err
		}
		rel, err := filepath.Rel(s.basePath, name)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	slices.Sort(keys)
	return keys, nil
}
