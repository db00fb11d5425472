package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// streamPartSize bounds the memory minio-go buffers per part when the
// object size is unknown.
const streamPartSize = 16 * 1024 * 1024

// MinIOClient implements the Client interface using minio-go
type MinIOClient struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinIOClient creates a new MinIO client bound to one bucket
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}

	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// EnsureBucket creates the bucket if it does not exist yet
func (c *MinIOClient) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Put uploads an object. size may be -1 when unknown.
func (c *MinIOClient) Put(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (string, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: opts.Metadata,
	}
	if size < 0 {
		putOpts.PartSize = streamPartSize
	}

	if _, err := c.client.PutObject(ctx, c.bucket, key, reader, size, putOpts); err != nil {
		return "", err
	}
	return key, nil
}

// Get retrieves an object stream
func (c *MinIOClient) Get(ctx context.Context, ref string) (Object, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}
	// GetObject is lazy; stat now so a missing object fails here and not on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, translateError(err)
	}
	return &minioObject{obj}, nil
}

// Stat gets object metadata
func (c *MinIOClient) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, c.bucket, ref, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translateError(err)
	}
	return toObjectInfo(info), nil
}

// Exists reports whether the object exists
func (c *MinIOClient) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := c.Stat(ctx, ref)
	if err == nil {
		return true, nil
	}
	if err == ErrObjectNotFound {
		return false, nil
	}
	return false, err
}

// Delete removes an object and reports whether it existed
func (c *MinIOClient) Delete(ctx context.Context, ref string) (bool, error) {
	exists, err := c.Exists(ctx, ref)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if err := c.client.RemoveObject(ctx, c.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return false, translateError(err)
	}
	return true, nil
}

// Copy copies an object inside the bucket, keeping its metadata
func (c *MinIOClient) Copy(ctx context.Context, srcRef, dstKey string) (string, error) {
	_, err := c.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: c.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: c.bucket, Object: srcRef})
	if err != nil {
		return "", translateError(err)
	}
	return dstKey, nil
}

// PresignedURL returns a time-limited download URL
func (c *MinIOClient) PresignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	u, err := c.client.PresignedGetObject(ctx, c.bucket, ref, ttl, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// List lists objects with prefix
func (c *MinIOClient) List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}

			select {
			case objCh <- toObjectInfo(obj):
			case <-ctx.Done():
				return
			}
		}
	}()

	return objCh, errCh
}

func toObjectInfo(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		Metadata:     info.UserMetadata,
	}
}

func translateError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return ErrObjectNotFound
	}
	return err
}

// minioObject wraps minio.Object to implement our Object interface
type minioObject struct {
	*minio.Object
}

func (o *minioObject) Stat() (ObjectInfo, error) {
	info, err := o.Object.Stat()
	if err != nil {
		return ObjectInfo{}, translateError(err)
	}
	return toObjectInfo(info), nil
}
