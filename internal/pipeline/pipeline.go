package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bulkflow/internal/domain"
	"bulkflow/internal/metrics"
	"bulkflow/internal/storage"
)

const (
	defaultBufferSize    = 1000
	defaultProgressEvery = 100
	defaultMaxErrors     = 1000
	defaultMaxLineSize   = 1024 * 1024
)

// ParseFunc turns one line into a record. ok=false skips the line.
type ParseFunc[T any] func(line []byte, lineNo int64) (rec T, ok bool, err error)

// HandleFunc processes one record
type HandleFunc[T, R any] func(ctx context.Context, rec T) (R, error)

// Progress is passed to OnProgress
type Progress struct {
	Processed int64
	Success   int64
	Errors    int64
	Skipped   int64
	Elapsed   time.Duration
}

// Options configures one run
type Options[T, R any] struct {
	Parse  ParseFunc[T]
	Handle HandleFunc[T, R]
	// Sink receives each successful result on a single goroutine. When nil,
	// results are collected into Result.Results.
	Sink       func(R) error
	OnProgress func(Progress)

	BufferSize    int
	Workers       int
	ProgressEvery int64
	// MaxErrorRate in (0,1] aborts the run once MinSamples records were seen
	MaxErrorRate float64
	MinSamples   int64
	SkipHeader   bool
	MaxErrors    int
	MaxLineSize  int

	// Operation and TaskID label the run in the monitor
	Operation string
	TaskID    string
}

// RecordError describes one failed line
type RecordError struct {
	Line    int64  `json:"line"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Stats exposes queue behaviour of a run
type Stats struct {
	BufferSize   int   `json:"buffer_size"`
	Workers      int   `json:"workers"`
	PeakInFlight int64 `json:"peak_in_flight"`
}

// Result summarizes a run
type Result[R any] struct {
	Results    []R
	Total      int64
	Success    int64
	Errors     int64
	Skipped    int64
	DurationMs int64
	// Throughput is records per millisecond
	Throughput   float64
	RecordErrors []RecordError
	Stopped      bool
	Stats        Stats
}

// Pipeline streams a stored file through a parse and handle stage with
// bounded queues between reader, workers, and consumer.
type Pipeline[T, R any] struct {
	blobs   storage.Client
	monitor *metrics.Monitor
	logger  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a pipeline. monitor may be nil.
func New[T, R any](blobs storage.Client, monitor *metrics.Monitor, logger *zap.Logger) *Pipeline[T, R] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline[T, R]{
		blobs:   blobs,
		monitor: monitor,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Stop ends the current run at the next record boundary. Records already
// being handled finish and are counted; queued records are dropped unhandled
// and nothing new is read.
func (p *Pipeline[T, R]) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Process reads fileRef from the blob store and runs it through the pipeline
func (p *Pipeline[T, R]) Process(ctx context.Context, fileRef string, opts Options[T, R]) (*Result[R], error) {
	if p.blobs == nil {
		return nil, errors.New("pipeline has no blob store")
	}
	obj, err := p.blobs.Get(ctx, fileRef)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fileRef, err)
	}
	defer obj.Close()

	return p.ProcessReader(ctx, obj, opts)
}

type item[T any] struct {
	lineNo int64
	rec    T
	err    error
}

type outcome[R any] struct {
	lineNo int64
	res    R
	stage  string
	err    error
}

// ProcessReader runs r through the pipeline. Results reach Sink in
// completion order, not line order.
func (p *Pipeline[T, R]) ProcessReader(ctx context.Context, r io.Reader, opts Options[T, R]) (*Result[R], error) {
	if opts.Parse == nil || opts.Handle == nil {
		return nil, errors.New("parse and handle functions are required")
	}
	opts = withDefaults(opts)

	var span *metrics.Span
	if p.monitor != nil {
		span = p.monitor.StartProcessing(opts.Operation, opts.TaskID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	var (
		inFlight atomic.Int64
		peak     atomic.Int64
		skipped  atomic.Int64
	)
	// slots caps records between the reader and the consumer at BufferSize
	slots := make(chan struct{}, opts.BufferSize)
	acquire := func(ctx context.Context) bool {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return false
		}
		n := inFlight.Inc()
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				return true
			}
		}
	}
	release := func() {
		inFlight.Dec()
		<-slots
	}

	in := make(chan item[T], opts.BufferSize)
	out := make(chan outcome[R], opts.BufferSize)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer close(in)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), opts.MaxLineSize)

		var lineNo int64
		for scanner.Scan() {
			lineNo++
			if lineNo == 1 && opts.SkipHeader {
				continue
			}

			rec, ok, err := opts.Parse(scanner.Bytes(), lineNo)
			if err == nil && !ok {
				skipped.Inc()
				continue
			}

			if !acquire(gctx) {
				return nil
			}
			in <- item[T]{lineNo: lineNo, rec: rec, err: err}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read line %d: %w", lineNo+1, err)
		}
		return nil
	})

	var workers sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for it := range in {
				// drain without handling once the run is stopping
				if gctx.Err() != nil {
					release()
					continue
				}
				o := outcome[R]{lineNo: it.lineNo}
				if it.err != nil {
					o.stage, o.err = "parse", it.err
				} else {
					o.res, o.err = opts.Handle(gctx, it.rec)
					o.stage = "handle"
				}
				// the consumer drains out until it is closed
				out <- o
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(out)
	}()

	start := time.Now()
	res := &Result[R]{Stats: Stats{BufferSize: opts.BufferSize, Workers: opts.Workers}}
	var abortErr error
	emit := func() {
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Processed: res.Total,
				Success:   res.Success,
				Errors:    res.Errors,
				Skipped:   skipped.Load(),
				Elapsed:   time.Since(start),
			})
		}
	}

	for o := range out {
		release()
		if abortErr != nil {
			continue
		}

		res.Total++
		if o.err != nil {
			res.Errors++
			if len(res.RecordErrors) < opts.MaxErrors {
				res.RecordErrors = append(res.RecordErrors, RecordError{Line: o.lineNo, Stage: o.stage, Message: o.err.Error()})
			}
		} else {
			res.Success++
			if opts.Sink != nil {
				if err := opts.Sink(o.res); err != nil {
					abortErr = fmt.Errorf("result sink failed at line %d: %w", o.lineNo, err)
					cancel()
				}
			} else {
				res.Results = append(res.Results, o.res)
			}
		}

		if abortErr == nil && opts.MaxErrorRate > 0 && res.Total >= opts.MinSamples &&
			float64(res.Errors)/float64(res.Total) > opts.MaxErrorRate {
			abortErr = &domain.ErrorRateExceededError{Errors: res.Errors, Processed: res.Total, Threshold: opts.MaxErrorRate}
			cancel()
		}

		if res.Total%opts.ProgressEvery == 0 {
			emit()
		}
	}

	readErr := g.Wait()

	select {
	case <-p.stopCh:
		res.Stopped = true
	default:
	}
	res.Skipped = skipped.Load()
	res.Stats.PeakInFlight = peak.Load()
	res.DurationMs = time.Since(start).Milliseconds()
	res.Throughput = float64(res.Total) / float64(max64(res.DurationMs, 1))
	emit()

	err := abortErr
	if err == nil {
		err = readErr
	}
	if err == nil && !res.Stopped {
		err = ctx.Err()
	}

	if p.monitor != nil {
		if err != nil {
			p.monitor.RecordError(opts.Operation, opts.TaskID, err)
		}
		p.monitor.EndProcessing(span, res.Total, err == nil)
	}

	p.logger.Info("Pipeline finished",
		zap.String("operation", opts.Operation),
		zap.String("task_id", opts.TaskID),
		zap.Int64("total", res.Total),
		zap.Int64("success", res.Success),
		zap.Int64("errors", res.Errors),
		zap.Int64("skipped", res.Skipped),
		zap.Int64("duration_ms", res.DurationMs),
		zap.Int64("peak_in_flight", res.Stats.PeakInFlight),
		zap.Bool("stopped", res.Stopped),
		zap.Error(err))

	return res, err
}

func withDefaults[T, R any](opts Options[T, R]) Options[T, R] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 2 * runtime.NumCPU()
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = defaultMaxErrors
	}
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = defaultMaxLineSize
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 1
	}
	if opts.Operation == "" {
		opts.Operation = "pipeline"
	}
	return opts
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
