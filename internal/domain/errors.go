package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrOptimisticLockConflict is returned by single-item processors when a
// concurrent writer changed the row first. It triggers a retry.
var ErrOptimisticLockConflict = errors.New("optimistic lock conflict")

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// UploadNotFoundError is returned when an upload ID does not exist.
type UploadNotFoundError struct {
	UploadID string
}

func (e *UploadNotFoundError) Error() string {
	return fmt.Sprintf("upload session not found: %s", e.UploadID)
}

// InvalidTransitionError is returned for an illegal status change.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// ConcurrencyLimitExceededError is returned when admitting a task would
// exceed the number of simultaneous non-terminal tasks.
type ConcurrencyLimitExceededError struct {
	OwnerID string
	Kind    Kind
	Scope   string // "user" or "system"
	Limit   int
}

func (e *ConcurrencyLimitExceededError) Error() string {
	if e.Scope == "system" {
		return fmt.Sprintf("system-wide concurrency limit reached for %s tasks: limit is %d", e.Kind, e.Limit)
	}
	return fmt.Sprintf("user %q already has %d running %s tasks", e.OwnerID, e.Limit, e.Kind)
}

// RateLimitExceededError is returned when a key exceeds its request quota.
type RateLimitExceededError struct {
	Key     string
	Limit   int
	Window  time.Duration
	ResetAt time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d per %s", e.Key, e.Limit, e.Window)
}

// ChunkHashMismatchError is returned when a chunk's content does not match
// its declared hash.
type ChunkHashMismatchError struct {
	UploadID    string
	ChunkNumber int
	Expected    string
	Actual      string
}

func (e *ChunkHashMismatchError) Error() string {
	return fmt.Sprintf("chunk %d of upload %s: hash mismatch (declared %s, computed %s)",
		e.ChunkNumber, e.UploadID, e.Expected, e.Actual)
}

// ChunkOutOfRangeError is returned for chunk numbers outside 1..TotalChunks.
type ChunkOutOfRangeError struct {
	UploadID    string
	ChunkNumber int
	TotalChunks int
}

func (e *ChunkOutOfRangeError) Error() string {
	return fmt.Sprintf("chunk %d of upload %s is outside 1..%d", e.ChunkNumber, e.UploadID, e.TotalChunks)
}

// UploadIncompleteError is returned when completing an upload with gaps.
type UploadIncompleteError struct {
	UploadID string
	Missing  []int
}

func (e *UploadIncompleteError) Error() string {
	return fmt.Sprintf("upload %s is incomplete: %d chunks missing %v", e.UploadID, len(e.Missing), e.Missing)
}

// CorruptedFileError is returned when the merged file hash differs from the
// declared content hash.
type CorruptedFileError struct {
	UploadID string
	Expected string
	Actual   string
}

func (e *CorruptedFileError) Error() string {
	return fmt.Sprintf("merged file for upload %s is corrupted (declared %s, computed %s)", e.UploadID, e.Expected, e.Actual)
}

// UploadClosedError is returned when writing to a session that is no longer
// accepting chunks.
type UploadClosedError struct {
	UploadID string
	Status   UploadStatus
}

func (e *UploadClosedError) Error() string {
	return fmt.Sprintf("upload %s is %s", e.UploadID, e.Status)
}

// ErrorRateExceededError aborts a stream whose record error rate crossed the
// configured threshold.
type ErrorRateExceededError struct {
	Errors    int64
	Processed int64
	Threshold float64
}

func (e *ErrorRateExceededError) Error() string {
	return fmt.Sprintf("error rate %.2f%% over %d records exceeds threshold %.2f%%",
		float64(e.Errors)/float64(e.Processed)*100, e.Processed, e.Threshold*100)
}

// OptimisticLockExhaustedError is returned when an optimistic write keeps
// conflicting after all retries.
type OptimisticLockExhaustedError struct {
	Attempts int
	Err      error
}

func (e *OptimisticLockExhaustedError) Error() string {
	return fmt.Sprintf("optimistic lock still conflicting after %d attempts: %v", e.Attempts, e.Err)
}

func (e *OptimisticLockExhaustedError) Unwrap() error { return e.Err }
