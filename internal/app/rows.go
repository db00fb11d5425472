package app

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"bulkflow/internal/domain"
	"bulkflow/internal/pipeline"
	"bulkflow/internal/store"
	"bulkflow/internal/task"
	"bulkflow/internal/upload"
)

// ensureRowTable creates the table that backs the built-in CSV import and
// export.
func ensureRowTable(ctx context.Context, st *store.SQLiteStore) error {
	_, err := st.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS imported_rows (
		task_id TEXT NOT NULL,
		line INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (task_id, line)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create imported_rows table: %w", err)
	}
	return nil
}

// Row is one CSV line kept by ImportCSV
type Row struct {
	Line   int64
	Fields []string
}

// ParseRow splits a CSV line. Blank lines and lines starting with '#' are
// skipped.
func ParseRow(line []byte, lineNo int64) (Row, bool, error) {
	if pipeline.IsBlank(line) || bytes.HasPrefix(bytes.TrimSpace(line), []byte("#")) {
		return Row{}, false, nil
	}
	fields, err := pipeline.CSVFields(line)
	if err != nil {
		return Row{}, false, err
	}
	return Row{Line: lineNo, Fields: fields}, true, nil
}

// CSVImport configures ImportCSV
type CSVImport struct {
	Request    task.CreateRequest
	// Columns > 0 rejects rows with a different field count
	Columns    int
	SkipHeader bool
	OnProgress func(pipeline.Progress)
}

// ImportCSV imports a stored CSV file into the imported_rows table under
// the new task's ID.
func (e *Engine) ImportCSV(ctx context.Context, opts CSVImport) (*ImportReport, error) {
	req := opts.Request
	req.Kind = domain.KindImport
	if req.SourceFileRef == "" {
		return nil, fmt.Errorf("import needs a source file")
	}
	t, err := e.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return ProcessImport(ctx, e, t, e.csvImportSpec(t.ID, opts))
}

func (e *Engine) csvImportSpec(taskID string, opts CSVImport) ImportSpec[Row, int64] {
	return ImportSpec[Row, int64]{
		Parse: ParseRow,
		Validate: func(ctx context.Context, r Row) error {
			if opts.Columns > 0 && len(r.Fields) != opts.Columns {
				return fmt.Errorf("expected %d fields, got %d", opts.Columns, len(r.Fields))
			}
			return nil
		},
		Commit: func(ctx context.Context, rows []Row) ([]int64, error) {
			lines := make([]int64, 0, len(rows))
			for _, r := range rows {
				data, err := json.Marshal(r.Fields)
				if err != nil {
					return nil, err
				}
				if _, err := e.store.Exec(ctx,
					`INSERT OR REPLACE INTO imported_rows (task_id, line, data) VALUES (?, ?, ?)`,
					taskID, r.Line, string(data)); err != nil {
					return nil, fmt.Errorf("failed to store line %d: %w", r.Line, err)
				}
				lines = append(lines, r.Line)
			}
			return lines, nil
		},
		Compensate: func(ctx context.Context, rows []Row) error {
			for _, r := range rows {
				if _, err := e.store.Exec(ctx,
					`DELETE FROM imported_rows WHERE task_id = ? AND line = ?`, taskID, r.Line); err != nil {
					return err
				}
			}
			return nil
		},
		SkipHeader: opts.SkipHeader,
		Precount:   true,
		OnProgress: opts.OnProgress,
	}
}

// ExportRows writes the rows imported by sourceTaskID to a CSV object
func (e *Engine) ExportRows(ctx context.Context, req task.CreateRequest, sourceTaskID string, header []string) (*ExportReport, error) {
	var total int64
	if err := e.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM imported_rows WHERE task_id = ?`, sourceTaskID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count rows of task %s: %w", sourceTaskID, err)
	}

	return RunExport(ctx, e, ExportSpec[Row]{
		Request: req,
		Header:  header,
		Total:   total,
		Fetch: func(ctx context.Context, page, size int) ([]Row, error) {
			return e.fetchRows(ctx, sourceTaskID, page, size)
		},
		Row: func(r Row) ([]string, error) { return r.Fields, nil },
	})
}

func (e *Engine) fetchRows(ctx context.Context, taskID string, page, size int) ([]Row, error) {
	rows, err := e.store.DB().QueryContext(ctx,
		`SELECT line, data FROM imported_rows WHERE task_id = ? ORDER BY line LIMIT ? OFFSET ?`,
		taskID, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var data string
		if err := rows.Scan(&r.Line, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.Fields); err != nil {
			return nil, fmt.Errorf("line %d: %w", r.Line, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UploadResult describes a finished file upload
type UploadResult struct {
	UploadID string `json:"upload_id"`
	FileRef  string `json:"file_ref"`
	Sent     int    `json:"sent_chunks"`
	Skipped  int    `json:"skipped_chunks"`
	Instant  bool   `json:"instant"`
}

// UploadFile sends a local file through the chunk upload coordinator.
// Chunks the coordinator already holds are not sent again, so re-running
// after an interruption resumes the upload.
func (e *Engine) UploadFile(ctx context.Context, path, ownerID string, chunkSize int64) (*UploadResult, error) {
	if chunkSize <= 0 {
		chunkSize = 5 * 1024 * 1024
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := md5.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	total := int((size + chunkSize - 1) / chunkSize)
	if total == 0 {
		total = 1
	}

	init, err := e.uploads.Init(ctx, upload.InitRequest{
		FileName:    filepath.Base(path),
		TotalChunks: total,
		TotalSize:   size,
		FileHash:    hex.EncodeToString(h.Sum(nil)),
		OwnerID:     ownerID,
	})
	if err != nil {
		return nil, err
	}
	res := &UploadResult{UploadID: init.UploadID}
	if init.InstantComplete {
		res.FileRef = init.FileRef
		res.Instant = true
		res.Skipped = total
		return res, nil
	}

	have := make(map[int]bool, len(init.UploadedChunks))
	for _, n := range init.UploadedChunks {
		have[n] = true
	}

	buf := make([]byte, chunkSize)
	for n := 1; n <= total; n++ {
		if have[n] {
			res.Skipped++
			continue
		}
		read, err := f.ReadAt(buf, int64(n-1)*chunkSize)
		if err != nil && err != io.EOF {
			return res, fmt.Errorf("failed to read chunk %d: %w", n, err)
		}
		sum := md5.Sum(buf[:read])
		if _, err := e.uploads.UploadChunk(ctx, init.UploadID, n, bytes.NewReader(buf[:read]), hex.EncodeToString(sum[:])); err != nil {
			return res, err
		}
		res.Sent++
	}

	ref, err := e.uploads.Complete(ctx, init.UploadID)
	if err != nil {
		return res, err
	}
	res.FileRef = ref
	e.logger.Info("File uploaded",
		zap.String("upload_id", init.UploadID),
		zap.String("file_ref", ref),
		zap.Int("sent", res.Sent),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
