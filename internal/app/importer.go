package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"bulkflow/internal/domain"
	"bulkflow/internal/pipeline"
	"bulkflow/internal/segment"
	"bulkflow/internal/task"
)

// segmentsPerBatch bounds how many parsed records wait for commit
const segmentsPerBatch = 10

// ImportSpec describes one import run. T is a parsed row and R whatever
// Commit returns for it.
type ImportSpec[T, R any] struct {
	Request task.CreateRequest

	Parse      pipeline.ParseFunc[T]
	// Validate rejects a record before commit; nil accepts every record
	Validate   func(ctx context.Context, rec T) error
	Commit     segment.CommitFunc[T, R]
	Compensate segment.CompensateFunc[T]

	SkipHeader bool
	// Precount reads the source once up front so progress has a total
	Precount   bool
	OnProgress func(pipeline.Progress)
}

// ImportReport summarizes a finished import
type ImportReport struct {
	Task           *domain.Task `json:"task"`
	Total          int64        `json:"total"`
	Success        int64        `json:"success"`
	Failure        int64        `json:"failure"`
	Skipped        int64        `json:"skipped"`
	FailedSegments int          `json:"failed_segments"`
	ErrorFileRef   string       `json:"error_file_ref,omitempty"`
}

type numbered[T any] struct {
	line int64
	rec  T
}

// RunImport admits an import task and streams its source file through
// parse, validate and segmented commit. Admission errors are returned
// before any work starts; everything after admission ends in a terminal
// task state.
func RunImport[T, R any](ctx context.Context, e *Engine, spec ImportSpec[T, R]) (*ImportReport, error) {
	if err := spec.check(); err != nil {
		return nil, err
	}
	req := spec.Request
	req.Kind = domain.KindImport

	t, err := e.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return ProcessImport(ctx, e, t, spec)
}

func (s ImportSpec[T, R]) check() error {
	if s.Parse == nil || s.Commit == nil {
		return errors.New("import needs parse and commit functions")
	}
	if s.Request.SourceFileRef == "" {
		return errors.New("import needs a source file")
	}
	return nil
}

// ProcessImport runs an import for a task that was already admitted. The
// task's SourceFileRef names the input; spec.Request is ignored.
func ProcessImport[T, R any](ctx context.Context, e *Engine, t *domain.Task, spec ImportSpec[T, R]) (*ImportReport, error) {
	id := t.ID
	logger := e.logger.With(zap.String("task_id", id))
	reg := e.registry

	if _, err := reg.UpdateStatus(ctx, id, domain.StatusProcessing); err != nil {
		return nil, err
	}
	if spec.Parse == nil || spec.Commit == nil {
		err := errors.New("import needs parse and commit functions")
		reg.Fail(ctx, id, err.Error())
		return nil, err
	}
	logger.Info("Starting import",
		zap.String("file", t.FileName),
		zap.String("source", t.SourceFileRef))

	if spec.Precount {
		lines, size, err := countLines(ctx, e.blobs, t.SourceFileRef)
		if err != nil {
			logger.Warn("Failed to count records, progress will have no total", zap.Error(err))
		} else {
			if spec.SkipHeader && lines > 0 {
				lines--
			}
			reg.UpdateProgress(ctx, id, 0, lines)
			logger.Info("Record counting completed", zap.Int64("records", lines), zap.Int64("bytes", size))
		}
	}

	cancelled := func(ctx context.Context) bool {
		c, err := reg.IsCancelled(ctx, id)
		return err == nil && c
	}

	coord := segment.NewCoordinator[numbered[T], R](e.store, e.segmentPool, e.monitor, segment.Config{
		SegmentSize: e.cfg.Segment.Size,
		Timeout:     e.cfg.Segment.Timeout,
		MaxRetries:  e.cfg.Segment.MaxRetries,
		BaseDelay:   e.cfg.Segment.BaseDelay,
	}, logger)

	var committed atomic.Int64
	segOpts := segment.Options[numbered[T], R]{
		Commit: func(ctx context.Context, recs []numbered[T]) ([]R, error) {
			return spec.Commit(ctx, unwrap(recs))
		},
		OnSegment: func(r segment.Report) {
			if r.Committed {
				committed.Add(int64(r.Size))
			}
		},
		Cancelled: cancelled,
		Operation: "import-commit",
		TaskID:    id,
	}
	if spec.Compensate != nil {
		segOpts.Compensate = func(ctx context.Context, recs []numbered[T]) error {
			return spec.Compensate(ctx, unwrap(recs))
		}
	}

	batchSize := e.cfg.Segment.Size * segmentsPerBatch
	batch := make([]numbered[T], 0, batchSize)
	var outcomes []*segment.Outcome[numbered[T], R]
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := coord.Execute(ctx, batch, segOpts)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, out)
		// failed segments keep referencing the flushed slice
		batch = make([]numbered[T], 0, batchSize)
		return nil
	}

	p := pipeline.New[numbered[T], numbered[T]](e.blobs, e.monitor, logger)
	res, runErr := p.Process(ctx, t.SourceFileRef, pipeline.Options[numbered[T], numbered[T]]{
		Parse: func(line []byte, lineNo int64) (numbered[T], bool, error) {
			rec, ok, err := spec.Parse(line, lineNo)
			return numbered[T]{line: lineNo, rec: rec}, ok, err
		},
		Handle: func(ctx context.Context, n numbered[T]) (numbered[T], error) {
			if spec.Validate != nil {
				if err := spec.Validate(ctx, n.rec); err != nil {
					return n, err
				}
			}
			return n, nil
		},
		Sink: func(n numbered[T]) error {
			batch = append(batch, n)
			if len(batch) >= batchSize {
				return flush()
			}
			return nil
		},
		OnProgress: func(pr pipeline.Progress) {
			reg.UpdateStatistics(ctx, id, task.Statistics{
				Success: committed.Load(),
				Failure: pr.Errors,
				Skip:    pr.Skipped,
			})
			if cancelled(ctx) {
				p.Stop()
			}
			if spec.OnProgress != nil {
				spec.OnProgress(pr)
			}
		},
		BufferSize:    e.cfg.Pipeline.BufferSize,
		Workers:       e.cfg.Pipeline.Workers,
		ProgressEvery: e.cfg.Pipeline.ProgressEvery,
		MaxErrorRate:  e.cfg.Pipeline.MaxErrorRate,
		MinSamples:    e.cfg.Pipeline.MinSamples,
		SkipHeader:    spec.SkipHeader,
		MaxErrors:     e.cfg.Task.MaxErrorDetails,
		Operation:     "import",
		TaskID:        id,
	})
	if res == nil {
		// the source could not be opened
		reg.Fail(ctx, id, runErr.Error())
		return nil, runErr
	}

	// Result.Throughput is per millisecond
	e.monitor.ObserveThroughput("import", res.Throughput*1000)

	wasCancelled := res.Stopped && cancelled(ctx)
	if runErr == nil && !wasCancelled {
		runErr = flush()
	}

	report := &ImportReport{Skipped: res.Skipped}
	var details []domain.ErrorDetail
	for _, re := range res.RecordErrors {
		details = append(details, domain.ErrorDetail{
			RowNumber: re.Line,
			ErrorType: errorType(re.Stage),
			Message:   re.Message,
		})
	}

	for _, out := range outcomes {
		snap, err := out.WaitRetries(ctx)
		if err != nil {
			logger.Warn("Stopped waiting for segment retries", zap.Error(err))
		}
		report.Success += int64(snap.Success)
		report.Failure += int64(snap.Failure)
		report.FailedSegments += len(snap.FailedSegments)
		for _, f := range snap.FailedSegments {
			for _, n := range f.Data {
				details = append(details, domain.ErrorDetail{
					RowNumber: n.line,
					ErrorType: "commit",
					Message:   f.Message,
				})
			}
		}
	}
	report.Failure += res.Errors
	report.Total = report.Success + report.Failure + report.Skipped

	sort.Slice(details, func(i, j int) bool { return details[i].RowNumber < details[j].RowNumber })
	if _, err := reg.RecordErrors(ctx, id, details); err != nil {
		logger.Warn("Failed to store row errors", zap.Error(err))
	}
	if len(details) > 0 {
		if ref, err := writeErrorFile(ctx, e.blobs, id, details, e.cfg.Task.MaxErrorDetails); err != nil {
			logger.Warn("Failed to write error file", zap.Error(err))
		} else {
			report.ErrorFileRef = ref
			if err := reg.AttachResult(ctx, id, "", ref); err != nil {
				logger.Warn("Failed to attach error file", zap.Error(err))
			}
		}
	}

	reg.UpdateStatistics(ctx, id, task.Statistics{
		Total:   report.Total,
		Success: report.Success,
		Failure: report.Failure,
		Skip:    report.Skipped,
	})

	switch {
	case wasCancelled:
		logger.Info("Import cancelled", zap.Int64("committed", report.Success))
	case runErr != nil:
		reg.Fail(ctx, id, runErr.Error())
	default:
		msg := fmt.Sprintf("imported %d records", report.Success)
		reg.Complete(ctx, id, report.Failure == 0, msg)
	}

	report.Task, _ = reg.Get(ctx, id)
	return report, runErr
}

func unwrap[T any](recs []numbered[T]) []T {
	out := make([]T, len(recs))
	for i, n := range recs {
		out[i] = n.rec
	}
	return out
}

func errorType(stage string) string {
	if stage == "handle" {
		return "validation"
	}
	return stage
}
