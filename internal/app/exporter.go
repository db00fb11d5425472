package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bulkflow/internal/domain"
	"bulkflow/internal/metrics"
	"bulkflow/internal/storage"
	"bulkflow/internal/task"
)

const defaultExportPageSize = 500

// FetchFunc returns one page of records; an empty page ends the export
type FetchFunc[T any] func(ctx context.Context, page, size int) ([]T, error)

// ExportSpec describes one export run
type ExportSpec[T any] struct {
	Request task.CreateRequest

	Header []string
	Fetch  FetchFunc[T]
	Row    func(rec T) ([]string, error)

	PageSize int
	// Total is the expected record count, 0 when unknown
	Total    int64
}

// ExportReport summarizes a finished export
type ExportReport struct {
	Task          *domain.Task `json:"task"`
	Records       int64        `json:"records"`
	Failed        int64        `json:"failed"`
	ResultFileRef string       `json:"result_file_ref,omitempty"`
}

// RunExport admits an export task and streams fetched pages into a CSV
// object in the blob store.
func RunExport[T any](ctx context.Context, e *Engine, spec ExportSpec[T]) (*ExportReport, error) {
	if spec.Fetch == nil || spec.Row == nil {
		return nil, errors.New("export needs fetch and row functions")
	}
	req := spec.Request
	req.Kind = domain.KindExport
	if req.FileName == "" {
		req.FileName = "export.csv"
	}

	t, err := e.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return processExport(ctx, e, t, spec)
}

func processExport[T any](ctx context.Context, e *Engine, t *domain.Task, spec ExportSpec[T]) (*ExportReport, error) {
	id := t.ID
	logger := e.logger.With(zap.String("task_id", id))
	reg := e.registry

	if _, err := reg.UpdateStatus(ctx, id, domain.StatusProcessing); err != nil {
		return nil, err
	}
	if spec.Total > 0 {
		reg.UpdateProgress(ctx, id, 0, spec.Total)
	}
	pageSize := spec.PageSize
	if pageSize <= 0 {
		pageSize = defaultExportPageSize
	}

	key := exportKey(id, t.FileName)
	report := &ExportReport{}
	var details []domain.ErrorDetail
	cancelled := false

	err := metrics.Measure(e.monitor, "export", id, func() (int64, error) {
		pr, pw := io.Pipe()
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			_, err := e.blobs.Put(gctx, key, pr, -1, storage.PutOptions{ContentType: "text/csv"})
			// unblock the writer if the upload gave up early
			pr.CloseWithError(err)
			return err
		})

		g.Go(func() error {
			w := csv.NewWriter(pw)
			err := writePages(gctx, w, spec, pageSize, func(written, failed int64, rowErrs []domain.ErrorDetail) bool {
				report.Records, report.Failed = written, failed
				details = append(details, rowErrs...)
				reg.UpdateStatistics(ctx, id, task.Statistics{Success: written, Failure: failed})
				if c, err := reg.IsCancelled(ctx, id); err == nil && c {
					cancelled = true
					return false
				}
				return true
			})
			if err == nil {
				w.Flush()
				err = w.Error()
			}
			pw.CloseWithError(err)
			return err
		})

		err := g.Wait()
		return report.Records, err
	})

	if _, rerr := reg.RecordErrors(ctx, id, details); rerr != nil {
		logger.Warn("Failed to store row errors", zap.Error(rerr))
	}

	switch {
	case cancelled:
		removeExport(ctx, e, logger, key)
		logger.Info("Export cancelled", zap.Int64("records", report.Records))
	case err != nil:
		removeExport(ctx, e, logger, key)
		reg.Fail(ctx, id, err.Error())
	default:
		reg.UpdateStatistics(ctx, id, task.Statistics{
			Total:   report.Records + report.Failed,
			Success: report.Records,
			Failure: report.Failed,
		})
		// only a COMPLETED export carries its file
		cur, gerr := reg.Get(ctx, id)
		if gerr == nil && (report.Failed == 0 || cur.PartialFailureAccepted()) {
			report.ResultFileRef = key
			if aerr := reg.AttachResult(ctx, id, key, ""); aerr != nil {
				logger.Warn("Failed to attach export file", zap.Error(aerr))
			}
		} else {
			removeExport(ctx, e, logger, key)
		}
		reg.Complete(ctx, id, report.Failed == 0, fmt.Sprintf("exported %d records", report.Records))
	}

	report.Task, _ = reg.Get(ctx, id)
	return report, err
}

func removeExport(ctx context.Context, e *Engine, logger *zap.Logger, key string) {
	if _, err := e.blobs.Delete(ctx, key); err != nil {
		logger.Warn("Failed to remove partial export", zap.String("key", key), zap.Error(err))
	}
}

// writePages writes the header then every fetched page. after is called
// once per page; returning false stops the export.
func writePages[T any](ctx context.Context, w *csv.Writer, spec ExportSpec[T], pageSize int, after func(written, failed int64, rowErrs []domain.ErrorDetail) bool) error {
	if len(spec.Header) > 0 {
		if err := w.Write(spec.Header); err != nil {
			return err
		}
	}

	var written, failed int64
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := spec.Fetch(ctx, page, pageSize)
		if err != nil {
			return fmt.Errorf("failed to fetch page %d: %w", page, err)
		}
		if len(recs) == 0 {
			return nil
		}

		var rowErrs []domain.ErrorDetail
		for _, rec := range recs {
			fields, err := spec.Row(rec)
			if err != nil {
				failed++
				rowErrs = append(rowErrs, domain.ErrorDetail{
					RowNumber: written + failed,
					ErrorType: "format",
					Message:   err.Error(),
				})
				continue
			}
			if err := w.Write(fields); err != nil {
				return err
			}
			written++
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}

		if !after(written, failed, rowErrs) {
			return nil
		}
		if len(recs) < pageSize {
			return nil
		}
	}
}

func exportKey(taskID, fileName string) string {
	name := strings.TrimSpace(fileName)
	if name == "" {
		name = "export.csv"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		name += ".csv"
	}
	return fmt.Sprintf("exports/%s/%s", taskID, name)
}
