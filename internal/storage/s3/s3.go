// Package s3 publishes export bundles to AWS S3 or to an S3-compatible
// service (MinIO, Spaces) behind a custom endpoint. Readers fetch bundles
// through pre-signed URLs.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	appconfig "github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/storage"
	"github.com/agent-market/agent-market/pkg/checksum"
)

func init() {
	storage.Register("s3", func(cfg *appconfig.Config) (storage.Storage, error) {
		return New(&cfg.Storage.S3)
	})
}

// sha256 of the body, stored as x-amz-meta-sha256.
const checksumMetaKey = "sha256"

// S3Storage implements storage.Storage on a single bucket.
type S3Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  *string
}

// New validates cfg and builds a client. No request is made until first use.
func New(cfg *appconfig.S3StorageConfig) (*S3Storage, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, errors.New("s3 storage needs both bucket and region")
	}

	awsCfg, err := loadAWSConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  aws.String(cfg.Bucket),
	}, nil
}

// loadAWSConfig resolves credentials for auth_method: "default" (the SDK
// chain), "static" (access key pair) or "assume_role" (STS, lazily).
func loadAWSConfig(ctx context.Context, cfg *appconfig.S3StorageConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	method := cfg.AuthMethod
	switch method {
	case "", "default":
	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return aws.Config{}, errors.New("s3 static auth needs access_key_id and secret_access_key")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	case "assume_role":
		if cfg.RoleARN == "" {
			return aws.Config{}, errors.New("s3 assume_role auth needs role_arn")
		}
	default:
		return aws.Config{}, fmt.Errorf("unknown s3 auth_method %q", method)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if method == "assume_role" {
		role := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.RoleSessionName != "" {
				o.RoleSessionName = cfg.RoleSessionName
			}
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(role)
	}
	return awsCfg, nil
}

// classify maps missing-object errors to storage.ErrNotFound.
func classify(op, path string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return fmt.Errorf("s3 %s %s: %w", op, path, err)
}

func (s *S3Storage) head(ctx context.Context, path string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: s.bucket, Key: aws.String(path)})
	if err != nil {
		return nil, classify("head", path, err)
	}
	return out, nil
}

// Upload buffers the body so its length and checksum are known up front.
func (s *S3Storage) Upload(ctx context.Context, path string, r io.Reader, contentType string) (*storage.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload body: %w", err)
	}
	sum := checksum.SHA256Hex(data)

	in := &s3.PutObjectInput{
		Bucket:        s.bucket,
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{checksumMetaKey: sum},
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return nil, fmt.Errorf("s3 put %s: %w", path, err)
	}
	return &storage.UploadResult{Path: path, Size: int64(len(data)), Checksum: sum}, nil
}

// Download streams the object body.
func (s *S3Storage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: s.bucket, Key: aws.String(path)})
	if err != nil {
		return nil, classify("get", path, err)
	}
	return out.Body, nil
}

// Delete removes the object. Missing objects are not an error on S3.
func (s *S3Storage) Delete(ctx context.Context, path string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: s.bucket, Key: aws.String(path)}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", path, err)
	}
	return nil
}

// GetURL pre-signs a GET valid for ttl, after checking the object exists.
func (s *S3Storage) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if _, err := s.head(ctx, path); err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: s.bucket, Key: aws.String(path)},
		s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3 presign %s: %w", path, err)
	}
	return req.URL, nil
}

// Exists issues a HEAD for the object.
func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.head(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetMetadata reads object headers. Objects uploaded by other tools carry no
// checksum metadata; their body is hashed instead.
func (s *S3Storage) GetMetadata(ctx context.Context, path string) (*storage.FileMetadata, error) {
	out, err := s.head(ctx, path)
	if err != nil {
		return nil, err
	}
	meta := &storage.FileMetadata{
		Path:         path,
		Size:         aws.ToInt64(out.ContentLength),
		Checksum:     out.Metadata[checksumMetaKey],
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}
	if meta.Checksum != "" {
		return meta, nil
	}

	body, err := s.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	if meta.Checksum, err = checksum.CalculateSHA256(body); err != nil {
		return nil, fmt.Errorf("s3 checksum %s: %w", path, err)
	}
	return meta, nil
}

// List pages through ListObjectsV2 and returns the keys sorted.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: s.bucket, Prefix: aws.String(prefix)})

	var keys []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	slices.Sort(keys)
	return keys, nil
}
