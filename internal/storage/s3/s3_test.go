package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/storage"
)

// ---------------------------------------------------------------------------
// New(): constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "exports"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "exports", Region: "us-east-1", AuthMethod: "static"}},
		{"assume_role without role", appconfig.S3StorageConfig{Bucket: "exports", Region: "us-east-1", AuthMethod: "assume_role"}},
		{"unsupported method", appconfig.S3StorageConfig{Bucket: "exports", Region: "us-east-1", AuthMethod: "oidc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Error("New() = nil error, want validation error")
			}
		})
	}
}

func TestNew_AssumeRole_WithExternalID(t *testing.T) {
	// AssumeRole is lazy; construction makes no network call.
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:     "exports",
		Region:     "us-east-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789:role/exporter",
		ExternalID: "external-id-123",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s == nil {
		t.Fatal("New() returned nil storage")
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server (path-style) for operation tests
// ---------------------------------------------------------------------------

type s3Object struct {
	data        []byte
	meta        map[string]string
	contentType string
}

type s3MockStore struct {
	mu      sync.Mutex
	objects map[string]*s3Object
}

func (ms *s3MockStore) serveBucket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Query().Get("list-type") != "2" {
		w.WriteHeader(http.StatusOK)
		return
	}
	prefix := r.URL.Query().Get("prefix")

	ms.mu.Lock()
	var keys []string
	for k := range ms.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	ms.mu.Unlock()
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(w, `<Contents><Key>%s</Key></Contents>`, k)
	}
	fmt.Fprint(w, `</ListBucketResult>`)
}

func (ms *s3MockStore) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		meta := map[string]string{}
		for hk, hv := range r.Header {
			lk := strings.ToLower(hk)
			if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
				meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
			}
		}
		ms.mu.Lock()
		ms.objects[key] = &s3Object{data: data, meta: meta, contentType: r.Header.Get("Content-Type")}
		ms.mu.Unlock()
		w.Header().Set("ETag", `"test-etag"`)
		w.WriteHeader(http.StatusOK)

	case http.MethodGet, http.MethodHead:
		ms.mu.Lock()
		obj, ok := ms.objects[key]
		ms.mu.Unlock()
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(obj.data)))
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("ETag", `"test-etag"`)
		for mk, mv := range obj.meta {
			w.Header().Set("x-amz-meta-"+mk, mv)
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.data)
		}

	case http.MethodDelete:
		ms.mu.Lock()
		delete(ms.objects, key)
		ms.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3TestStorage(t *testing.T) (*S3Storage, *s3MockStore) {
	t.Helper()

	ms := &s3MockStore{objects: map[string]*s3Object{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(p, '/')
		if idx < 0 {
			ms.serveBucket(w, r)
			return
		}
		ms.serveObject(w, r, p[idx+1:])
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "market-exports",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, ms
}

func TestS3_UploadDownload(t *testing.T) {
	s, ms := newS3TestStorage(t)
	ctx := context.Background()

	want := []byte(`{"height":12}`)
	res, err := s.Upload(ctx, "exports/v1.0.0/registry.json", bytes.NewReader(want), "application/json")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if res.Size != int64(len(want)) || len(res.Checksum) != 64 {
		t.Errorf("Upload() = %+v", res)
	}
	if got := ms.objects["exports/v1.0.0/registry.json"].meta["sha256"]; got != res.Checksum {
		t.Errorf("stored sha256 metadata = %q, want %q", got, res.Checksum)
	}

	got, err := storage.ReadAll(ctx, s, "exports/v1.0.0/registry.json")
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Download() = %q, want %q", got, want)
	}
}

func TestS3_Download_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)

	_, err := s.Download(context.Background(), "exports/latest.json")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download(missing) error = %v, want ErrNotFound", err)
	}
}

func TestS3_ExistsAndDelete(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "exports/latest.json", strings.NewReader("{}"), "application/json"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	ok, err := s.Exists(ctx, "exports/latest.json")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v; want true", ok, err)
	}

	if err := s.Delete(ctx, "exports/latest.json"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	ok, err = s.Exists(ctx, "exports/latest.json")
	if err != nil || ok {
		t.Errorf("Exists() after delete = %v, %v; want false", ok, err)
	}
}

func TestS3_GetMetadata(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	res, err := s.Upload(ctx, "exports/v1.0.0/SHA256SUMS", strings.NewReader("abc  registry.json\n"), "text/plain")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	meta, err := s.GetMetadata(ctx, "exports/v1.0.0/SHA256SUMS")
	if err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	if meta.Checksum != res.Checksum {
		t.Errorf("Checksum = %q, want %q", meta.Checksum, res.Checksum)
	}
	if meta.Size != res.Size {
		t.Errorf("Size = %d, want %d", meta.Size, res.Size)
	}

	if _, err := s.GetMetadata(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMetadata(missing) error = %v, want ErrNotFound", err)
	}
}

func TestS3_GetMetadata_ComputesMissingChecksum(t *testing.T) {
	s, ms := newS3TestStorage(t)
	ms.objects["legacy.json"] = &s3Object{data: []byte("legacy"), meta: map[string]string{}}

	meta, err := s.GetMetadata(context.Background(), "legacy.json")
	if err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	if len(meta.Checksum) != 64 {
		t.Errorf("Checksum = %q, want computed SHA256", meta.Checksum)
	}
}

func TestS3_GetURL(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	if _, err := s.GetURL(ctx, "missing.json", time.Hour); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetURL(missing) error = %v, want ErrNotFound", err)
	}

	if _, err := s.Upload(ctx, "exports/v1.0.0/registry.json", strings.NewReader("{}"), "application/json"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	url, err := s.GetURL(ctx, "exports/v1.0.0/registry.json", time.Hour)
	if err != nil {
		t.Fatalf("GetURL() error: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Signature") {
		t.Errorf("GetURL() = %q, want a presigned URL", url)
	}
}

func TestS3_List(t *testing.T) {
	s, ms := newS3TestStorage(t)
	for _, k := range []string{"exports/v1.0.1/registry.json", "exports/latest.json", "other/x"} {
		ms.objects[k] = &s3Object{data: []byte("x"), meta: map[string]string{}}
	}

	keys, err := s.List(context.Background(), "exports/")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	want := []string{"exports/latest.json", "exports/v1.0.1/registry.json"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("List() = %v, want %v", keys, want)
	}
}
