package store

import (
	"context"
	"database/sql"
	"time"

	"bulkflow/internal/domain"
)

// TaskFilter narrows task listings. Empty fields match everything.
type TaskFilter struct {
	OwnerID string
	Kind    domain.Kind
	Status  domain.Status
}

// Store defines the persistence contract for tasks and upload sessions
type Store interface {
	// Task operations
	InsertTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	UpdateTask(ctx context.Context, task *domain.Task) error
	ListTasks(ctx context.Context, filter TaskFilter, limit, offset int) ([]*domain.Task, int64, error)
	CountActiveTasks(ctx context.Context, kind domain.Kind, ownerID string) (int, error)

	// Error details
	InsertErrorDetails(ctx context.Context, details []domain.ErrorDetail) error
	ListErrorDetails(ctx context.Context, taskID string, limit int) ([]domain.ErrorDetail, error)
	CountErrorDetails(ctx context.Context, taskID string) (int, error)

	// Upload session operations
	InsertUpload(ctx context.Context, session *domain.UploadSession) error
	GetUpload(ctx context.Context, uploadID string) (*domain.UploadSession, error)
	FindUploadByHash(ctx context.Context, fileHash string, totalSize int64, status domain.UploadStatus, ownerID string) (*domain.UploadSession, error)
	UpdateUpload(ctx context.Context, session *domain.UploadSession) error
	DeleteUpload(ctx context.Context, uploadID string) error
	ListExpiredUploads(ctx context.Context, now time.Time) ([]*domain.UploadSession, error)

	// Chunk operations
	SaveChunk(ctx context.Context, chunk domain.Chunk) error
	GetChunk(ctx context.Context, uploadID string, number int) (*domain.Chunk, error)
	ListChunks(ctx context.Context, uploadID string) ([]domain.Chunk, error)
	DeleteChunks(ctx context.Context, uploadID string) error

	// Cleanup
	Close() error
}

// TxRunner runs fn inside a fresh transaction that is independent of any
// transaction already carried by ctx. fn sees the new transaction through
// TxFromContext. The transaction commits when fn returns nil and rolls back
// otherwise.
type TxRunner interface {
	InNewTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxRunnerFunc adapts a function to TxRunner
type TxRunnerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// InNewTx implements TxRunner
func (f TxRunnerFunc) InNewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// NoTx runs fn directly. It suits commit functions whose side effects live
// outside SQL (e.g. blob writes) and manage their own atomicity.
var NoTx TxRunner = TxRunnerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})

type txKey struct{}

// WithTx returns a context carrying tx
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}
