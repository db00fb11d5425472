package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bulkflow/internal/domain"
	"bulkflow/internal/storage"
	"bulkflow/internal/store"
	"bulkflow/internal/worker"
)

// Config controls chunk uploads
type Config struct {
	SessionTTL   time.Duration
	MaxChunkSize int64
	ChunkPrefix  string
	FilePrefix   string
	// PutRetries is the number of attempts for each blob write
	PutRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the standard upload settings
func DefaultConfig() Config {
	return Config{
		SessionTTL:   24 * time.Hour,
		MaxChunkSize: 64 * 1024 * 1024,
		ChunkPrefix:  "chunks/",
		FilePrefix:   "files/",
		PutRetries:   3,
		RetryDelay:   200 * time.Millisecond,
	}
}

// InitRequest declares a file about to be uploaded in chunks
type InitRequest struct {
	FileName    string
	TotalChunks int
	TotalSize   int64
	FileHash    string
	OwnerID     string
}

// InitResult tells the client what is left to send
type InitResult struct {
	UploadID        string `json:"upload_id"`
	UploadedChunks  []int  `json:"uploaded_chunks"`
	InstantComplete bool   `json:"instant_complete"`
	FileRef         string `json:"file_ref,omitempty"`
}

// ChunkResult is returned after storing one chunk
type ChunkResult struct {
	Received         int  `json:"received"`
	AllChunksPresent bool `json:"all_chunks_present"`
}

// Progress summarizes an upload session
type Progress struct {
	UploadID       string              `json:"upload_id"`
	FileName       string              `json:"file_name"`
	Status         domain.UploadStatus `json:"status"`
	TotalChunks    int                 `json:"total_chunks"`
	ReceivedChunks int                 `json:"received_chunks"`
	ReceivedBytes  int64               `json:"received_bytes"`
	TotalSize      int64               `json:"total_size"`
	Percent        int                 `json:"percent"`
	FileRef        string              `json:"file_ref,omitempty"`
	ExpiresAt      time.Time           `json:"expires_at"`
}

// Coordinator lands chunked uploads in the blob store
type Coordinator struct {
	store  store.Store
	blobs  storage.Client
	pool   *worker.Pool
	cfg    Config
	logger *zap.Logger

	// initMu serializes session lookup and creation so reconnects find one session
	initMu sync.Mutex
	locks  keyedMutex
}

// NewCoordinator creates an upload coordinator. pool runs chunk cleanup
// after merges; a nil pool cleans up synchronously.
func NewCoordinator(s store.Store, blobs storage.Client, pool *worker.Pool, cfg Config, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = def.MaxChunkSize
	}
	if cfg.ChunkPrefix == "" {
		cfg.ChunkPrefix = def.ChunkPrefix
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = def.FilePrefix
	}
	if cfg.PutRetries <= 0 {
		cfg.PutRetries = def.PutRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		store:  s,
		blobs:  blobs,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		locks:  keyedMutex{locks: make(map[string]*keyedEntry)},
	}
}

// Init starts or resumes an upload. A file whose content was already stored
// completes instantly without any chunk transfer.
func (c *Coordinator) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	if req.FileName == "" {
		return nil, fmt.Errorf("file name cannot be empty")
	}
	if req.TotalChunks <= 0 {
		return nil, fmt.Errorf("total chunks must be positive, got %d", req.TotalChunks)
	}
	if req.TotalSize < 0 {
		return nil, fmt.Errorf("total size cannot be negative")
	}
	fileHash := normalizeHash(req.FileHash)
	if fileHash == "" {
		return nil, fmt.Errorf("file hash cannot be empty")
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	done, err := c.store.FindUploadByHash(ctx, fileHash, req.TotalSize, domain.UploadCompleted, "")
	if err != nil {
		return nil, err
	}
	if done != nil {
		exists, err := c.blobs.Exists(ctx, done.FileRef)
		if err != nil {
			return nil, fmt.Errorf("failed to check stored file: %w", err)
		}
		if exists {
			c.logger.Info("Upload deduplicated",
				zap.String("upload_id", done.UploadID),
				zap.String("file_hash", fileHash))
			return &InitResult{
				UploadID:        done.UploadID,
				UploadedChunks:  allChunks(done.TotalChunks),
				InstantComplete: true,
				FileRef:         done.FileRef,
			}, nil
		}
		c.logger.Warn("Completed upload lost its file, uploading again",
			zap.String("upload_id", done.UploadID),
			zap.String("file_ref", done.FileRef))
	}

	now := time.Now()
	open, err := c.store.FindUploadByHash(ctx, fileHash, req.TotalSize, domain.UploadUploading, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if open != nil && open.TotalChunks == req.TotalChunks && open.ExpiresAt.After(now) {
		chunks, err := c.store.ListChunks(ctx, open.UploadID)
		if err != nil {
			return nil, err
		}
		open.UpdatedAt = now
		open.ExpiresAt = now.Add(c.cfg.SessionTTL)
		if err := c.store.UpdateUpload(ctx, open); err != nil {
			return nil, err
		}

		received := make([]int, 0, len(chunks))
		for _, ch := range chunks {
			received = append(received, ch.Number)
		}
		c.logger.Info("Upload resumed",
			zap.String("upload_id", open.UploadID),
			zap.Int("received", len(received)),
			zap.Int("total_chunks", open.TotalChunks))
		return &InitResult{UploadID: open.UploadID, UploadedChunks: received}, nil
	}

	session := &domain.UploadSession{
		UploadID:    uuid.NewString(),
		FileName:    req.FileName,
		FileHash:    fileHash,
		TotalChunks: req.TotalChunks,
		TotalSize:   req.TotalSize,
		OwnerID:     req.OwnerID,
		Status:      domain.UploadUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.SessionTTL),
	}
	if err := c.store.InsertUpload(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}

	c.logger.Info("Upload started",
		zap.String("upload_id", session.UploadID),
		zap.String("file_name", session.FileName),
		zap.Int("total_chunks", session.TotalChunks),
		zap.Int64("total_size", session.TotalSize))
	return &InitResult{UploadID: session.UploadID, UploadedChunks: []int{}}, nil
}

// UploadChunk verifies and stores one chunk. Chunks may arrive in any
// order; re-sending a number replaces the earlier copy.
func (c *Coordinator) UploadChunk(ctx context.Context, uploadID string, number int, data io.Reader, chunkHash string) (*ChunkResult, error) {
	session, err := c.openSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if number < 1 || number > session.TotalChunks {
		return nil, &domain.ChunkOutOfRangeError{UploadID: uploadID, ChunkNumber: number, TotalChunks: session.TotalChunks}
	}

	buf, err := io.ReadAll(io.LimitReader(data, c.cfg.MaxChunkSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", number, err)
	}
	if int64(len(buf)) > c.cfg.MaxChunkSize {
		return nil, fmt.Errorf("chunk %d exceeds the maximum chunk size of %d bytes", number, c.cfg.MaxChunkSize)
	}

	actual := md5Hex(buf)
	if expected := normalizeHash(chunkHash); expected != actual {
		return nil, &domain.ChunkHashMismatchError{UploadID: uploadID, ChunkNumber: number, Expected: expected, Actual: actual}
	}

	// Chunks of one upload store concurrently; Cancel and Complete wait for them.
	unlock := c.locks.RLock(uploadID)
	defer unlock()
	if session, err = c.openSession(ctx, uploadID); err != nil {
		return nil, err
	}

	key := c.chunkKey(uploadID, number)
	ref, err := c.put(ctx, key, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to store chunk %d: %w", number, err)
	}

	if err := c.store.SaveChunk(ctx, domain.Chunk{
		UploadID:   uploadID,
		Number:     number,
		Hash:       actual,
		Size:       int64(len(buf)),
		Ref:        ref,
		ReceivedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to record chunk %d: %w", number, err)
	}

	chunks, err := c.store.ListChunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Chunk stored",
		zap.String("upload_id", uploadID),
		zap.Int("chunk", number),
		zap.Int("size", len(buf)))
	return &ChunkResult{Received: len(chunks), AllChunksPresent: len(chunks) == session.TotalChunks}, nil
}

// Complete merges all chunks in ascending order into a staging object,
// checks its hash and only then copies it to the content-addressed file key.
// Completing an already completed upload returns its file.
func (c *Coordinator) Complete(ctx context.Context, uploadID string) (string, error) {
	unlock := c.locks.Lock(uploadID)
	defer unlock()

	session, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if session.Status == domain.UploadCompleted {
		return session.FileRef, nil
	}
	if session.Status != domain.UploadUploading {
		return "", &domain.UploadClosedError{UploadID: uploadID, Status: session.Status}
	}

	chunks, err := c.store.ListChunks(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if missing := missingChunks(chunks, session.TotalChunks); len(missing) > 0 {
		return "", &domain.UploadIncompleteError{UploadID: uploadID, Missing: missing}
	}

	var size int64
	readers := make([]io.Reader, 0, len(chunks))
	for _, ch := range chunks {
		size += ch.Size
		readers = append(readers, &lazyObjectReader{ctx: ctx, blobs: c.blobs, ref: ch.Ref})
	}

	hasher := md5.New()
	merged := io.TeeReader(io.MultiReader(readers...), hasher)
	staging := c.stagingKey(uploadID)
	start := time.Now()
	_, err = c.blobs.Put(ctx, staging, merged, size, storage.PutOptions{
		ContentType: contentType(session.FileName),
		Metadata:    map[string]string{"file-hash": session.FileHash, "upload-id": uploadID},
	})
	closeReaders(readers)
	if err != nil {
		c.removeStaging(ctx, staging)
		return "", fmt.Errorf("failed to merge upload %s: %w", uploadID, err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	now := time.Now()
	if actual != session.FileHash || size != session.TotalSize {
		c.removeStaging(ctx, staging)
		session.Status = domain.UploadFailed
		session.UpdatedAt = now
		if err := c.store.UpdateUpload(ctx, session); err != nil {
			c.logger.Error("Failed to mark upload failed", zap.String("upload_id", uploadID), zap.Error(err))
		}
		c.logger.Error("Merged file hash mismatch",
			zap.String("upload_id", uploadID),
			zap.String("expected", session.FileHash),
			zap.String("actual", actual),
			zap.Int64("size", size))
		return "", &domain.CorruptedFileError{UploadID: uploadID, Expected: session.FileHash, Actual: actual}
	}

	// only verified content reaches the content-addressed key
	fileRef, err := c.blobs.Copy(ctx, staging, c.fileKey(session))
	c.removeStaging(ctx, staging)
	if err != nil {
		return "", fmt.Errorf("failed to publish upload %s: %w", uploadID, err)
	}

	session.Status = domain.UploadCompleted
	session.FileRef = fileRef
	session.UpdatedAt = now
	if err := c.store.UpdateUpload(ctx, session); err != nil {
		return "", fmt.Errorf("failed to complete upload %s: %w", uploadID, err)
	}

	c.logger.Info("Upload completed",
		zap.String("upload_id", uploadID),
		zap.String("file_ref", fileRef),
		zap.Int64("size", size),
		zap.Duration("merge_duration", time.Since(start)))

	c.cleanupAsync(uploadID, chunks)
	return fileRef, nil
}

// Cancel drops an unfinished upload and its chunks. Cancelling an unknown
// or already cancelled upload is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, uploadID string) error {
	unlock := c.locks.Lock(uploadID)
	defer unlock()

	session, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		var nf *domain.UploadNotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	switch session.Status {
	case domain.UploadCancelled:
		return nil
	case domain.UploadCompleted:
		return &domain.UploadClosedError{UploadID: uploadID, Status: session.Status}
	}

	chunks, err := c.store.ListChunks(ctx, uploadID)
	if err != nil {
		return err
	}
	c.deleteChunks(ctx, uploadID, chunks)

	session.Status = domain.UploadCancelled
	session.UpdatedAt = time.Now()
	if err := c.store.UpdateUpload(ctx, session); err != nil {
		return fmt.Errorf("failed to cancel upload %s: %w", uploadID, err)
	}

	c.logger.Info("Upload cancelled", zap.String("upload_id", uploadID), zap.Int("chunks", len(chunks)))
	return nil
}

// IsChunkExists reports whether chunk number was received
func (c *Coordinator) IsChunkExists(ctx context.Context, uploadID string, number int) (bool, error) {
	if _, err := c.store.GetUpload(ctx, uploadID); err != nil {
		return false, err
	}
	ch, err := c.store.GetChunk(ctx, uploadID, number)
	if err != nil {
		return false, err
	}
	return ch != nil, nil
}

// Progress reports how much of an upload has arrived
func (c *Coordinator) Progress(ctx context.Context, uploadID string) (*Progress, error) {
	session, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		UploadID:    uploadID,
		FileName:    session.FileName,
		Status:      session.Status,
		TotalChunks: session.TotalChunks,
		TotalSize:   session.TotalSize,
		FileRef:     session.FileRef,
		ExpiresAt:   session.ExpiresAt,
	}
	if session.Status == domain.UploadCompleted {
		p.ReceivedChunks = session.TotalChunks
		p.ReceivedBytes = session.TotalSize
		p.Percent = 100
		return p, nil
	}

	chunks, err := c.store.ListChunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	p.ReceivedChunks = len(chunks)
	for _, ch := range chunks {
		p.ReceivedBytes += ch.Size
	}
	p.Percent = p.ReceivedChunks * 100 / session.TotalChunks
	return p, nil
}

// PresignedURL returns a time-limited download link for a stored file
func (c *Coordinator) PresignedURL(ctx context.Context, fileRef string, ttl time.Duration) (string, error) {
	return c.blobs.PresignedURL(ctx, fileRef, ttl)
}

// ReapExpired cancels sessions left UPLOADING past their TTL and returns
// how many were reclaimed.
func (c *Coordinator) ReapExpired(ctx context.Context) (int, error) {
	expired, err := c.store.ListExpiredUploads(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, session := range expired {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		if err := c.Cancel(ctx, session.UploadID); err != nil {
			c.logger.Warn("Failed to reap upload", zap.String("upload_id", session.UploadID), zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		c.logger.Info("Reaped expired uploads", zap.Int("count", reaped))
	}
	return reaped, nil
}

// StartReaper runs ReapExpired every interval until ctx is done
func (c *Coordinator) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := c.ReapExpired(ctx); err != nil && ctx.Err() == nil {
					c.logger.Error("Upload reaper failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Coordinator) openSession(ctx context.Context, uploadID string) (*domain.UploadSession, error) {
	session, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.UploadUploading {
		return nil, &domain.UploadClosedError{UploadID: uploadID, Status: session.Status}
	}
	return session, nil
}

func (c *Coordinator) put(ctx context.Context, key string, data []byte) (string, error) {
	var ref string
	_, err := worker.Retry(ctx, worker.RetryPolicy{
		Attempts:  c.cfg.PutRetries,
		BaseDelay: c.cfg.RetryDelay,
		Retriable: worker.IsTransient,
	}, func(ctx context.Context, attempt int) error {
		var err error
		ref, err = c.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{})
		return err
	})
	return ref, err
}

func (c *Coordinator) cleanupAsync(uploadID string, chunks []domain.Chunk) {
	cleanup := func(ctx context.Context) {
		c.deleteChunks(ctx, uploadID, chunks)
	}
	if c.pool == nil {
		cleanup(context.Background())
		return
	}
	if err := c.pool.Submit(cleanup); err != nil {
		c.logger.Warn("Cleanup pool unavailable, cleaning up inline", zap.Error(err))
		cleanup(context.Background())
	}
}

func (c *Coordinator) deleteChunks(ctx context.Context, uploadID string, chunks []domain.Chunk) {
	for _, ch := range chunks {
		if _, err := c.blobs.Delete(ctx, ch.Ref); err != nil {
			c.logger.Warn("Failed to delete chunk",
				zap.String("upload_id", uploadID),
				zap.Int("chunk", ch.Number),
				zap.Error(err))
		}
	}
	if err := c.store.DeleteChunks(ctx, uploadID); err != nil {
		c.logger.Warn("Failed to delete chunk records", zap.String("upload_id", uploadID), zap.Error(err))
	}
}

func (c *Coordinator) removeStaging(ctx context.Context, key string) {
	if _, err := c.blobs.Delete(ctx, key); err != nil {
		c.logger.Warn("Failed to delete merge staging object", zap.String("key", key), zap.Error(err))
	}
}

// stagingKey holds a merge until its hash is verified
func (c *Coordinator) stagingKey(uploadID string) string {
	return fmt.Sprintf("%s%s/merged", c.cfg.ChunkPrefix, uploadID)
}

func (c *Coordinator) chunkKey(uploadID string, number int) string {
	return fmt.Sprintf("%s%s/%06d", c.cfg.ChunkPrefix, uploadID, number)
}

// fileKey addresses merged files by content so equal uploads share a key
func (c *Coordinator) fileKey(session *domain.UploadSession) string {
	return c.cfg.FilePrefix + session.FileHash + "/" + path.Base(session.FileName)
}

func missingChunks(chunks []domain.Chunk, total int) []int {
	have := make(map[int]bool, len(chunks))
	for _, ch := range chunks {
		have[ch.Number] = true
	}
	var missing []int
	for n := 1; n <= total; n++ {
		if !have[n] {
			missing = append(missing, n)
		}
	}
	sort.Ints(missing)
	return missing
}

func allChunks(total int) []int {
	out := make([]int, total)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func contentType(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

// lazyObjectReader opens its blob on first Read so a merge holds at most
// one chunk stream open at a time.
type lazyObjectReader struct {
	ctx   context.Context
	blobs storage.Client
	ref   string
	obj   storage.Object
	done  bool
}

func (r *lazyObjectReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.obj == nil {
		obj, err := r.blobs.Get(r.ctx, r.ref)
		if err != nil {
			return 0, fmt.Errorf("failed to open chunk %s: %w", r.ref, err)
		}
		r.obj = obj
	}
	n, err := r.obj.Read(p)
	if err == io.EOF {
		r.Close()
	}
	return n, err
}

func (r *lazyObjectReader) Close() error {
	r.done = true
	if r.obj == nil {
		return nil
	}
	err := r.obj.Close()
	r.obj = nil
	return err
}

func closeReaders(readers []io.Reader) {
	for _, r := range readers {
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
	}
}

// keyedMutex hands out one RWMutex per key and forgets it once unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.RWMutex
	refs int
}

func (k *keyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock takes key exclusively
func (k *keyedMutex) Lock(key string) func() {
	e := k.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}
}

// RLock takes key shared with other readers
func (k *keyedMutex) RLock(key string) func() {
	e := k.acquire(key)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		k.release(key, e)
	}
}
