package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryClient is an in-process Client used for local runs and tests.
type MemoryClient struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryEntry
}

type memoryEntry struct {
	data []byte
	info ObjectInfo
}

// NewMemoryClient creates an empty in-memory blob store
func NewMemoryClient(bucket string) *MemoryClient {
	if bucket == "" {
		bucket = "local"
	}
	return &MemoryClient{
		bucket:  bucket,
		objects: make(map[string]memoryEntry),
	}
}

// Put stores the object. A non-negative size must match the bytes read.
func (c *MemoryClient) Put(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("object %s: expected %d bytes, read %d", key, size, len(data))
	}

	sum := md5.Sum(data)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = memoryEntry{
		data: data,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         hex.EncodeToString(sum[:]),
			LastModified: time.Now(),
			ContentType:  contentType,
			Metadata:     opts.Metadata,
		},
	}
	return key, nil
}

// Get returns a reader over a snapshot of the object
func (c *MemoryClient) Get(ctx context.Context, ref string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	entry, ok := c.objects[ref]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &memoryObject{Reader: bytes.NewReader(entry.data), info: entry.info}, nil
}

// Stat returns object metadata
func (c *MemoryClient) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.objects[ref]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return entry.info, nil
}

// Exists reports whether the object exists
func (c *MemoryClient) Exists(ctx context.Context, ref string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.objects[ref]
	return ok, nil
}

// Delete removes the object and reports whether it existed
func (c *MemoryClient) Delete(ctx context.Context, ref string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[ref]
	delete(c.objects, ref)
	return ok, nil
}

// Copy stores a copy of srcRef under dstKey
func (c *MemoryClient) Copy(ctx context.Context, srcRef, dstKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.objects[srcRef]
	if !ok {
		return "", ErrObjectNotFound
	}
	info := entry.info
	info.Key = dstKey
	info.LastModified = time.Now()
	c.objects[dstKey] = memoryEntry{data: entry.data, info: info}
	return dstKey, nil
}

// PresignedURL returns a pseudo URL carrying the expiry
func (c *MemoryClient) PresignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	if ok, _ := c.Exists(ctx, ref); !ok {
		return "", ErrObjectNotFound
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     c.bucket,
		Path:     "/" + ref,
		RawQuery: url.Values{"expires": {time.Now().Add(ttl).UTC().Format(time.RFC3339)}}.Encode(),
	}
	return u.String(), nil
}

// List streams objects under prefix in key order
func (c *MemoryClient) List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error) {
	c.mu.RLock()
	infos := make([]ObjectInfo, 0)
	for key, entry := range c.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, entry.info)
		}
	}
	c.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)
	go func() {
		defer close(objCh)
		defer close(errCh)
		for _, info := range infos {
			select {
			case objCh <- info:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return objCh, errCh
}

// Len returns the number of stored objects
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}

type memoryObject struct {
	*bytes.Reader
	info ObjectInfo
}

func (o *memoryObject) Close() error { return nil }

func (o *memoryObject) Stat() (ObjectInfo, error) { return o.info, nil }
