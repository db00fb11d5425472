package segment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bulkflow/internal/domain"
	"bulkflow/internal/metrics"
	"bulkflow/internal/store"
	"bulkflow/internal/worker"
)

// Config holds coordinator defaults. Options passed to Execute override them.
type Config struct {
	SegmentSize int
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the standard segment settings
func DefaultConfig() Config {
	return Config{
		SegmentSize: 100,
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// CommitFunc writes one segment and returns its results
type CommitFunc[T, R any] func(ctx context.Context, records []T) ([]R, error)

// CompensateFunc undoes side effects of a failed segment
type CompensateFunc[T any] func(ctx context.Context, records []T) error

// Report describes one finished segment attempt
type Report struct {
	Index     int
	Size      int
	Committed bool
	Retry     bool
	Attempt   int
	Err       error
}

// Options configures one Execute call
type Options[T, R any] struct {
	SegmentSize int
	Commit      CommitFunc[T, R]
	Compensate  CompensateFunc[T]
	// OnSegment runs after every segment attempt, outside any transaction.
	// Retries of different segments may call it concurrently.
	OnSegment func(Report)
	// Cancelled is polled before each segment and each retry
	Cancelled func(ctx context.Context) bool

	Timeout time.Duration
	// MaxRetries < 0 disables asynchronous retries
	MaxRetries int
	BaseDelay  time.Duration

	// Operation and TaskID label the run in the monitor
	Operation string
	TaskID    string
}

// Failure records a segment that did not commit
type Failure[T any] struct {
	SegmentIndex int    `json:"segment_index"`
	Data         []T    `json:"-"`
	Message      string `json:"message"`
	Attempts     int    `json:"attempts"`

	// CompensationError is set when the compensating transaction failed too
	CompensationError string `json:"compensation_error,omitempty"`
}

// Snapshot is a consistent view of an Outcome
type Snapshot[T, R any] struct {
	Results        []R
	Total          int
	Success        int
	Failure        int
	// Remaining counts records never attempted because the run was cancelled
	Remaining      int
	FailedSegments []Failure[T]
	Cancelled      bool
	RetriesPending bool
}

// Outcome accumulates segment results. Retries update it in place; every
// update moves a whole segment from failure to success under one lock, so
// Success+Failure+Remaining always equals the number of input records.
type Outcome[T, R any] struct {
	mu        sync.Mutex
	total     int
	results   []R
	success   int
	failure   int
	remaining int
	failed    map[int]*Failure[T]
	cancelled bool

	retries sync.WaitGroup
	done    chan struct{}
	pending bool
}

func newOutcome[T, R any](total int) *Outcome[T, R] {
	return &Outcome[T, R]{
		total:  total,
		failed: make(map[int]*Failure[T]),
		done:   make(chan struct{}),
	}
}

// Snapshot returns a copy of the current state
func (o *Outcome[T, R]) Snapshot() Snapshot[T, R] {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot[T, R]{
		Results:        append([]R(nil), o.results...),
		Total:          o.total,
		Success:        o.success,
		Failure:        o.failure,
		Remaining:      o.remaining,
		Cancelled:      o.cancelled,
		RetriesPending: o.pending,
	}
	for _, f := range o.failed {
		s.FailedSegments = append(s.FailedSegments, *f)
	}
	sort.Slice(s.FailedSegments, func(i, j int) bool {
		return s.FailedSegments[i].SegmentIndex < s.FailedSegments[j].SegmentIndex
	})
	return s
}

// WaitRetries blocks until every asynchronous retry has finished or ctx is done
func (o *Outcome[T, R]) WaitRetries(ctx context.Context) (Snapshot[T, R], error) {
	select {
	case <-o.done:
		return o.Snapshot(), nil
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

// Done is closed once no retries are outstanding
func (o *Outcome[T, R]) Done() <-chan struct{} {
	return o.done
}

func (o *Outcome[T, R]) committed(results []R, size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, results...)
	o.success += size
}

func (o *Outcome[T, R]) failedSegment(f *Failure[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[f.SegmentIndex] = f
	o.failure += len(f.Data)
}

func (o *Outcome[T, R]) resolved(index int, results []R) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.failed[index]
	if !ok {
		return
	}
	delete(o.failed, index)
	o.failure -= len(f.Data)
	o.success += len(f.Data)
	o.results = append(o.results, results...)
}

func (o *Outcome[T, R]) retryFailed(index int, attempts int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.failed[index]; ok {
		f.Attempts = attempts
		f.Message = err.Error()
	}
}

// Coordinator commits large record sets as a series of short, independent
// transactions. Failed segments are compensated immediately and retried in
// the background on the retry pool.
type Coordinator[T, R any] struct {
	tx      store.TxRunner
	pool    *worker.Pool
	monitor *metrics.Monitor
	cfg     Config
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator. pool and monitor may be nil; without
// a pool retries run on their own goroutines.
func NewCoordinator[T, R any](tx store.TxRunner, pool *worker.Pool, monitor *metrics.Monitor, cfg Config, logger *zap.Logger) *Coordinator[T, R] {
	def := DefaultConfig()
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = def.SegmentSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if tx == nil {
		tx = store.NoTx
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator[T, R]{tx: tx, pool: pool, monitor: monitor, cfg: cfg, logger: logger}
}

// Execute splits records into contiguous segments and commits them one
// after another. It returns once the main pass is over; retries of failed
// segments continue in the background and are observed through the
// returned Outcome.
func (c *Coordinator[T, R]) Execute(ctx context.Context, records []T, opts Options[T, R]) (*Outcome[T, R], error) {
	if opts.Commit == nil {
		return nil, errors.New("commit function is required")
	}
	opts = c.withDefaults(opts)

	var span *metrics.Span
	if c.monitor != nil {
		span = c.monitor.StartProcessing(opts.Operation, opts.TaskID)
	}

	out := newOutcome[T, R](len(records))
	logger := c.logger.With(zap.String("task_id", opts.TaskID))

	var runErr error
	for index, start := 0, 0; start < len(records); index, start = index+1, start+opts.SegmentSize {
		end := start + opts.SegmentSize
		if end > len(records) {
			end = len(records)
		}

		if err := ctx.Err(); err != nil {
			runErr = err
		}
		if runErr == nil && opts.Cancelled != nil && opts.Cancelled(ctx) {
			out.mu.Lock()
			out.cancelled = true
			out.mu.Unlock()
			logger.Info("Segmented commit cancelled", zap.Int("segment", index))
		}
		if runErr != nil || out.isCancelled() {
			out.mu.Lock()
			out.remaining = len(records) - start
			out.mu.Unlock()
			break
		}

		seg := records[start:end]
		results, err := c.commit(ctx, seg, opts)
		if err == nil {
			out.committed(results, len(seg))
			report(opts, Report{Index: index, Size: len(seg), Committed: true, Attempt: 1})
			continue
		}

		logger.Warn("Segment commit failed",
			zap.Int("segment", index),
			zap.Int("size", len(seg)),
			zap.Error(err))

		f := &Failure[T]{SegmentIndex: index, Data: seg, Message: err.Error(), Attempts: 1}
		if opts.Compensate != nil {
			if cerr := c.compensate(ctx, seg, opts); cerr != nil {
				f.CompensationError = cerr.Error()
				logger.Error("Segment compensation failed", zap.Int("segment", index), zap.Error(cerr))
			}
		}
		out.failedSegment(f)
		report(opts, Report{Index: index, Size: len(seg), Attempt: 1, Err: err})
	}

	snap := out.Snapshot()
	if c.monitor != nil {
		c.monitor.EndProcessing(span, int64(snap.Success), snap.Failure == 0 && runErr == nil)
		if runErr != nil {
			c.monitor.RecordError(opts.Operation, opts.TaskID, runErr)
		}
	}

	logger.Info("Segmented commit pass finished",
		zap.Int("records", len(records)),
		zap.Int("success", snap.Success),
		zap.Int("failure", snap.Failure),
		zap.Int("failed_segments", len(snap.FailedSegments)),
		zap.Bool("cancelled", snap.Cancelled))

	if runErr == nil && opts.MaxRetries > 0 && len(snap.FailedSegments) > 0 {
		c.scheduleRetries(out, snap.FailedSegments, opts)
	} else {
		close(out.done)
	}
	return out, runErr
}

func (o *Outcome[T, R]) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// commit runs one segment in a fresh transaction bounded by the segment timeout
func (c *Coordinator[T, R]) commit(ctx context.Context, seg []T, opts Options[T, R]) ([]R, error) {
	tctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var results []R
	err := c.tx.InNewTx(tctx, func(txCtx context.Context) error {
		var err error
		results, err = opts.Commit(txCtx, seg)
		if err != nil {
			return err
		}
		if tctx.Err() != nil {
			return fmt.Errorf("segment exceeded %s: %w", opts.Timeout, tctx.Err())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Coordinator[T, R]) compensate(ctx context.Context, seg []T, opts Options[T, R]) error {
	cctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	return c.tx.InNewTx(cctx, func(txCtx context.Context) error {
		return opts.Compensate(txCtx, seg)
	})
}

func (c *Coordinator[T, R]) scheduleRetries(out *Outcome[T, R], failures []Failure[T], opts Options[T, R]) {
	out.mu.Lock()
	out.pending = true
	out.mu.Unlock()

	for _, f := range failures {
		f := f
		out.retries.Add(1)
		task := func(ctx context.Context) {
			defer out.retries.Done()
			c.retry(ctx, out, f, opts)
		}

		if c.pool == nil {
			go task(context.Background())
			continue
		}
		if err := c.pool.Submit(task); err != nil {
			out.retries.Done()
			c.logger.Warn("Segment retry not scheduled",
				zap.String("task_id", opts.TaskID),
				zap.Int("segment", f.SegmentIndex),
				zap.Error(err))
		}
	}

	go func() {
		out.retries.Wait()
		out.mu.Lock()
		out.pending = false
		out.mu.Unlock()
		close(out.done)
	}()
}

// retry re-commits one failed segment with exponential backoff. The
// compensation already ran during the main pass and is not repeated.
func (c *Coordinator[T, R]) retry(ctx context.Context, out *Outcome[T, R], f Failure[T], opts Options[T, R]) {
	logger := c.logger.With(zap.String("task_id", opts.TaskID), zap.Int("segment", f.SegmentIndex))

	attempts := f.Attempts
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if err := worker.Sleep(ctx, worker.Backoff(opts.BaseDelay, attempt, c.cfg.MaxDelay)); err != nil {
			logger.Warn("Segment retry interrupted", zap.Error(err))
			return
		}
		if opts.Cancelled != nil && opts.Cancelled(ctx) {
			logger.Info("Segment retry skipped, task cancelled")
			return
		}

		attempts++
		results, err := c.commit(ctx, f.Data, opts)
		if err == nil {
			out.resolved(f.SegmentIndex, results)
			report(opts, Report{Index: f.SegmentIndex, Size: len(f.Data), Committed: true, Retry: true, Attempt: attempts})
			logger.Info("Segment committed on retry", zap.Int("attempt", attempts))
			return
		}

		out.retryFailed(f.SegmentIndex, attempts, err)
		report(opts, Report{Index: f.SegmentIndex, Size: len(f.Data), Retry: true, Attempt: attempts, Err: err})
		logger.Warn("Segment retry failed", zap.Int("attempt", attempts), zap.Error(err))
	}

	logger.Error("Segment permanently failed", zap.Int("attempts", attempts))
}

// ExecuteWithOptimisticLock runs processor for a single item in its own
// transaction, retrying with backoff while it reports
// domain.ErrOptimisticLockConflict. Other errors return immediately.
func (c *Coordinator[T, R]) ExecuteWithOptimisticLock(ctx context.Context, item T, processor func(ctx context.Context, item T) (R, error), maxRetries int) (R, error) {
	var zero R
	if maxRetries <= 0 {
		maxRetries = c.cfg.MaxRetries
	}

	var result R
	attempts, err := worker.Retry(ctx, worker.RetryPolicy{
		Attempts:  maxRetries,
		BaseDelay: c.cfg.BaseDelay,
		MaxDelay:  c.cfg.MaxDelay,
		Retriable: func(err error) bool { return errors.Is(err, domain.ErrOptimisticLockConflict) },
	}, func(ctx context.Context, attempt int) error {
		return c.tx.InNewTx(ctx, func(txCtx context.Context) error {
			var err error
			result, err = processor(txCtx, item)
			return err
		})
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, domain.ErrOptimisticLockConflict) {
		c.logger.Warn("Optimistic lock retries exhausted", zap.Int("attempts", attempts))
		return zero, &domain.OptimisticLockExhaustedError{Attempts: attempts, Err: err}
	}
	return zero, err
}

func (c *Coordinator[T, R]) withDefaults(opts Options[T, R]) Options[T, R] {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = c.cfg.SegmentSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.Timeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = c.cfg.MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = c.cfg.BaseDelay
	}
	if opts.Operation == "" {
		opts.Operation = "segment"
	}
	return opts
}

func report[T, R any](opts Options[T, R], r Report) {
	if opts.OnSegment != nil {
		opts.OnSegment(r)
	}
}
