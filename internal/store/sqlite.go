package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	_ "modernc.org/sqlite"

	"bulkflow/internal/domain"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (and migrates) a SQLite database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Immediate transactions take the write lock up front so a segment
	// transaction never fails late on a read-to-write upgrade.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(60000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle for callers that keep their own tables
// next to the engine's.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		business_type TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		source_file_ref TEXT NOT NULL DEFAULT '',
		result_file_ref TEXT NOT NULL DEFAULT '',
		error_file_ref TEXT NOT NULL DEFAULT '',
		total_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		skip_count INTEGER NOT NULL DEFAULT 0,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		owner_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		allow_partial_failure INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		start_time INTEGER,
		end_time INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner_kind_status ON tasks(owner_id, kind, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_kind_status ON tasks(kind, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

	CREATE TABLE IF NOT EXISTS task_errors (
		task_id TEXT NOT NULL,
		row_no INTEGER NOT NULL,
		field TEXT NOT NULL DEFAULT '',
		error_type TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_task_errors_task ON task_errors(task_id, row_no);

	CREATE TABLE IF NOT EXISTS upload_sessions (
		upload_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		file_hash TEXT NOT NULL,
		total_chunks INTEGER NOT NULL,
		total_size INTEGER NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		file_ref TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_upload_sessions_hash ON upload_sessions(file_hash, total_size, status);
	CREATE INDEX IF NOT EXISTS idx_upload_sessions_expiry ON upload_sessions(status, expires_at);

	CREATE TABLE IF NOT EXISTS upload_chunks (
		upload_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		ref TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (upload_id, number)
	);
	`

	_, err := s.db.Exec(query)
	return err
}

const taskColumns = `id, name, kind, status, business_type, file_name, source_file_ref, result_file_ref,
	error_file_ref, total_count, success_count, failure_count, skip_count, progress_percent, owner_id,
	priority, allow_partial_failure, message, created_at, updated_at, start_time, end_time, duration_ms`

// InsertTask stores a new task
func (s *SQLiteStore) InsertTask(ctx context.Context, task *domain.Task) error {
	query := `INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, taskArgs(task)...)
		return err
	})
}

// UpdateTask overwrites every mutable column of an existing task
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *domain.Task) error {
	query := `
	UPDATE tasks SET
		name = ?, kind = ?, status = ?, business_type = ?, file_name = ?, source_file_ref = ?,
		result_file_ref = ?, error_file_ref = ?, total_count = ?, success_count = ?, failure_count = ?,
		skip_count = ?, progress_percent = ?, owner_id = ?, priority = ?, allow_partial_failure = ?,
		message = ?, created_at = ?, updated_at = ?, start_time = ?, end_time = ?, duration_ms = ?
	WHERE id = ?`

	args := taskArgs(task)
	args = append(args[1:], task.ID)

	return s.write(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &domain.TaskNotFoundError{TaskID: task.ID}
		}
		return nil
	})
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns one page of tasks, newest first, plus the total match count
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter, limit, offset int) ([]*domain.Task, int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}

	where, args := taskWhere(filter)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	return tasks, total, rows.Err()
}

// CountActiveTasks counts non-terminal tasks of a kind; an empty ownerID counts system-wide
func (s *SQLiteStore) CountActiveTasks(ctx context.Context, kind domain.Kind, ownerID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM tasks WHERE kind = ? AND status IN (?, ?)`
	args := []any{kind, domain.StatusPending, domain.StatusProcessing}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return n, nil
}

// InsertErrorDetails appends row-level errors in one transaction
func (s *SQLiteStore) InsertErrorDetails(ctx context.Context, details []domain.ErrorDetail) error {
	if len(details) == 0 {
		return nil
	}

	return s.write(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO task_errors (task_id, row_no, field, error_type, message) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, d := range details {
			if _, err := stmt.ExecContext(ctx, d.TaskID, d.RowNumber, d.Field, d.ErrorType, d.Message); err != nil {
				return fmt.Errorf("failed to insert error detail: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListErrorDetails returns up to limit error rows for a task ordered by row number
func (s *SQLiteStore) ListErrorDetails(ctx context.Context, taskID string, limit int) ([]domain.ErrorDetail, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT task_id, row_no, field, error_type, message
	FROM task_errors WHERE task_id = ?
	ORDER BY row_no ASC, rowid ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []domain.ErrorDetail
	for rows.Next() {
		var d domain.ErrorDetail
		if err := rows.Scan(&d.TaskID, &d.RowNumber, &d.Field, &d.ErrorType, &d.Message); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// CountErrorDetails counts stored error rows for a task
func (s *SQLiteStore) CountErrorDetails(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_errors WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

const uploadColumns = `upload_id, file_name, file_hash, total_chunks, total_size, owner_id, status, file_ref,
	created_at, updated_at, expires_at`

// InsertUpload stores a new upload session
func (s *SQLiteStore) InsertUpload(ctx context.Context, session *domain.UploadSession) error {
	query := `INSERT INTO upload_sessions (` + uploadColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.UploadID,
			session.FileName,
			session.FileHash,
			session.TotalChunks,
			session.TotalSize,
			session.OwnerID,
			session.Status,
			session.FileRef,
			session.CreatedAt.UnixMilli(),
			session.UpdatedAt.UnixMilli(),
			session.ExpiresAt.UnixMilli(),
		)
		return err
	})
}

// GetUpload retrieves an upload session
func (s *SQLiteStore) GetUpload(ctx context.Context, uploadID string) (*domain.UploadSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM upload_sessions WHERE upload_id = ?`, uploadID)
	session, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.UploadNotFoundError{UploadID: uploadID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upload %s: %w", uploadID, err)
	}
	return session, nil
}

// FindUploadByHash returns the most recent session with the given content
// address and status, or nil when there is none. An empty ownerID matches any owner.
func (s *SQLiteStore) FindUploadByHash(ctx context.Context, fileHash string, totalSize int64, status domain.UploadStatus, ownerID string) (*domain.UploadSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + uploadColumns + ` FROM upload_sessions WHERE file_hash = ? AND total_size = ? AND status = ?`
	args := []any{fileHash, totalSize, status}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	session, err := scanUpload(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find upload by hash: %w", err)
	}
	return session, nil
}

// UpdateUpload saves status, file ref and timestamps of a session
func (s *SQLiteStore) UpdateUpload(ctx context.Context, session *domain.UploadSession) error {
	return s.write(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
		UPDATE upload_sessions SET status = ?, file_ref = ?, updated_at = ?, expires_at = ?
		WHERE upload_id = ?`,
			session.Status,
			session.FileRef,
			session.UpdatedAt.UnixMilli(),
			session.ExpiresAt.UnixMilli(),
			session.UploadID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &domain.UploadNotFoundError{UploadID: session.UploadID}
		}
		return nil
	})
}

// DeleteUpload removes a session together with its chunk rows
func (s *SQLiteStore) DeleteUpload(ctx context.Context, uploadID string) error {
	return s.write(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE upload_id = ?`, uploadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE upload_id = ?`, uploadID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListExpiredUploads returns sessions still UPLOADING whose TTL has passed
func (s *SQLiteStore) ListExpiredUploads(ctx context.Context, now time.Time) ([]*domain.UploadSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT `+uploadColumns+` FROM upload_sessions
	WHERE status = ? AND expires_at < ?
	ORDER BY expires_at ASC`, domain.UploadUploading, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.UploadSession
	for rows.Next() {
		session, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SaveChunk records a received chunk; a re-sent chunk overwrites its slot
func (s *SQLiteStore) SaveChunk(ctx context.Context, chunk domain.Chunk) error {
	query := `
	INSERT INTO upload_chunks (upload_id, number, hash, size, ref, received_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(upload_id, number) DO UPDATE SET
		hash = excluded.hash,
		size = excluded.size,
		ref = excluded.ref,
		received_at = excluded.received_at
	`

	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			chunk.UploadID, chunk.Number, chunk.Hash, chunk.Size, chunk.Ref, chunk.ReceivedAt.UnixMilli())
		return err
	})
}

// GetChunk returns one chunk or nil when the slot is empty
func (s *SQLiteStore) GetChunk(ctx context.Context, uploadID string, number int) (*domain.Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
	SELECT upload_id, number, hash, size, ref, received_at
	FROM upload_chunks WHERE upload_id = ? AND number = ?`, uploadID, number)

	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// ListChunks returns the received chunks in ascending number order
func (s *SQLiteStore) ListChunks(ctx context.Context, uploadID string) ([]domain.Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT upload_id, number, hash, size, ref, received_at
	FROM upload_chunks WHERE upload_id = ?
	ORDER BY number ASC`, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// DeleteChunks removes all chunk rows of an upload
func (s *SQLiteStore) DeleteChunks(ctx context.Context, uploadID string) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM upload_chunks WHERE upload_id = ?`, uploadID)
		return err
	})
}

// InNewTx implements TxRunner on its own connection, ignoring any
// transaction already carried by ctx.
func (s *SQLiteStore) InNewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var tx *sql.Tx
	err := s.retryOnBusy(func() error {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(WithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Exec runs a statement on the transaction carried by ctx, or directly on the database
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.ExecContext(ctx, query, args...)
	}
	var res sql.Result
	err := s.write(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// QueryRow runs a single-row query on the transaction carried by ctx, or directly on the database
func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return s.db.QueryRowContext(ctx, query, args...)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("database store is closed")
	}
	return nil
}

// write serializes writers to avoid SQLITE_BUSY storms and retries busy errors
func (s *SQLiteStore) write(ctx context.Context, op func() error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(op)
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
		}
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

type scanner interface {
	Scan(dest ...any) error
}

func taskArgs(t *domain.Task) []any {
	return []any{
		t.ID,
		t.Name,
		t.Kind,
		t.Status,
		t.BusinessType,
		t.FileName,
		t.SourceFileRef,
		t.ResultFileRef,
		t.ErrorFileRef,
		t.TotalCount,
		t.SuccessCount,
		t.FailureCount,
		t.SkipCount,
		t.ProgressPercent,
		t.OwnerID,
		t.Priority,
		t.AllowPartialFailure,
		t.Message,
		t.CreatedAt.UnixMilli(),
		t.UpdatedAt.UnixMilli(),
		nullableMillis(t.StartTime),
		nullableMillis(t.EndTime),
		t.DurationMs,
	}
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		t                    domain.Task
		createdAt, updatedAt int64
		startTime, endTime   sql.NullInt64
	)
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Kind,
		&t.Status,
		&t.BusinessType,
		&t.FileName,
		&t.SourceFileRef,
		&t.ResultFileRef,
		&t.ErrorFileRef,
		&t.TotalCount,
		&t.SuccessCount,
		&t.FailureCount,
		&t.SkipCount,
		&t.ProgressPercent,
		&t.OwnerID,
		&t.Priority,
		&t.AllowPartialFailure,
		&t.Message,
		&createdAt,
		&updatedAt,
		&startTime,
		&endTime,
		&t.DurationMs,
	)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	t.StartTime = timeFromMillis(startTime)
	t.EndTime = timeFromMillis(endTime)
	return &t, nil
}

func taskWhere(filter TaskFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanUpload(row scanner) (*domain.UploadSession, error) {
	var (
		u                               domain.UploadSession
		createdAt, updatedAt, expiresAt int64
	)
	err := row.Scan(
		&u.UploadID,
		&u.FileName,
		&u.FileHash,
		&u.TotalChunks,
		&u.TotalSize,
		&u.OwnerID,
		&u.Status,
		&u.FileRef,
		&createdAt,
		&updatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	u.UpdatedAt = time.UnixMilli(updatedAt)
	u.ExpiresAt = time.UnixMilli(expiresAt)
	return &u, nil
}

func scanChunk(row scanner) (domain.Chunk, error) {
	var (
		c          domain.Chunk
		receivedAt int64
	)
	if err := row.Scan(&c.UploadID, &c.Number, &c.Hash, &c.Size, &c.Ref, &receivedAt); err != nil {
		return domain.Chunk{}, err
	}
	c.ReceivedAt = time.UnixMilli(receivedAt)
	return c, nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
