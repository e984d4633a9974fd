// Package azure publishes export bundles to Azure Blob Storage. Clients fetch
// artifacts through read-only SAS URLs signed with the account key.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/storage"
	"github.com/agent-market/agent-market/pkg/checksum"
)

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// checksumMetaKey is stored in blob metadata at upload.
const checksumMetaKey = "sha256"

// sasSkew backdates SAS start times to tolerate client clock drift.
const sasSkew = 5 * time.Minute

type AzureStorage struct {
	client    *azblob.Client
	container string
	account   string
	cred      *azblob.SharedKeyCredential
}

// New builds a shared-key client for the configured account.
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	switch {
	case cfg.AccountName == "":
		return nil, errors.New("azure: account_name is required")
	case cfg.AccountKey == "":
		return nil, errors.New("azure: account_key is required")
	case cfg.ContainerName == "":
		return nil, errors.New("azure: container_name is required")
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL(cfg.AccountName), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: client: %w", err)
	}
	return &AzureStorage{client: client, container: cfg.ContainerName, account: cfg.AccountName, cred: cred}, nil
}

func serviceURL(account string) string {
	return "https://" + account + ".blob.core.windows.net/"
}

func (s *AzureStorage) containerClient() *container.Client {
	return s.client.ServiceClient().NewContainerClient(s.container)
}

// classify maps a 404 to storage.ErrNotFound.
func classify(op, p string, err error) error {
	var resp *azcore.ResponseError
	if errors.As(err, &resp) && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	return fmt.Errorf("azure %s %s: %w", op, p, err)
}

func (s *AzureStorage) properties(ctx context.Context, p string) (blob.GetPropertiesResponse, error) {
	props, err := s.containerClient().NewBlobClient(p).GetProperties(ctx, nil)
	if err != nil {
		return props, classify("stat", p, err)
	}
	return props, nil
}

// Upload buffers the body to hash it, then writes a block blob carrying the
// hash in its metadata.
func (s *AzureStorage) Upload(ctx context.Context, p string, r io.Reader, contentType string) (*storage.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sum := checksum.SHA256Hex(data)

	opts := &blockblob.UploadOptions{Metadata: map[string]*string{checksumMetaKey: &sum}}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	body := streaming.NopCloser(bytes.NewReader(data))
	if _, err := s.containerClient().NewBlockBlobClient(p).Upload(ctx, body, opts); err != nil {
		return nil, classify("upload", p, err)
	}
	return &storage.UploadResult{Path: p, Size: int64(len(data)), Checksum: sum}, nil
}

func (s *AzureStorage) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := s.containerClient().NewBlobClient(p).DownloadStream(ctx, nil)
	if err != nil {
		return nil, classify("download", p, err)
	}
	return resp.Body, nil
}

// Delete ignores missing blobs.
func (s *AzureStorage) Delete(ctx context.Context, p string) error {
	_, err := s.containerClient().NewBlobClient(p).Delete(ctx, nil)
	if err == nil {
		return nil
	}
	if err = classify("delete", p, err); errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// GetURL signs a read-only SAS URL valid for ttl.
func (s *AzureStorage) GetURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	if _, err := s.properties(ctx, p); err != nil {
		return "", err
	}
	if s.cred == nil {
		return "", errors.New("azure: SAS signing needs an account key")
	}

	now := time.Now().UTC()
	q, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-sasSkew),
		ExpiryTime:    now.Add(ttl),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.container,
		BlobName:      p,
	}.SignWithSharedKey(s.cred)
	if err != nil {
		return "", fmt.Errorf("azure: sign %s: %w", p, err)
	}
	return serviceURL(s.account) + s.container + "/" + url.PathEscape(p) + "?" + q.Encode(), nil
}

func (s *AzureStorage) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.properties(ctx, p)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// GetMetadata trusts the checksum recorded at upload and hashes the body only
// for blobs written without one.
func (s *AzureStorage) GetMetadata(ctx context.Context, p string) (*storage.FileMetadata, error) {
	props, err := s.properties(ctx, p)
	if err != nil {
		return nil, err
	}
	meta := &storage.FileMetadata{Path: p}
	if props.ContentLength != nil {
		meta.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		meta.ContentType = *props.ContentType
	}
	if props.LastModified != nil {
		meta.LastModified = *props.LastModified
	}
	// Metadata keys come back header-canonicalized.
	for k, v := range props.Metadata {
		if v != nil && strings.EqualFold(k, checksumMetaKey) {
			meta.Checksum = *v
		}
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

func (s *AzureStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	slices.Sort(names)
	return names, nil
}
