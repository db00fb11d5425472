package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when a referenced object does not exist
var ErrObjectNotFound = errors.New("object not found")

// Client defines the blob-store contract used by the engine. A ref is the
// object key inside the configured bucket; content-addressed callers embed
// the content hash in the key so identical files share one object.
type Client interface {
	// Object operations
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (string, error)
	Get(ctx context.Context, ref string) (Object, error)
	Stat(ctx context.Context, ref string) (ObjectInfo, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) (bool, error)
	// Copy duplicates srcRef under dstKey server-side and returns the new ref
	Copy(ctx context.Context, srcRef, dstKey string) (string, error)
	PresignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)

	// Listing
	List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error)
}

// Object represents an object stream
type Object interface {
	io.ReadCloser
	Stat() (ObjectInfo, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	Region    string
}
