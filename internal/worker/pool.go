package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned when submitting to a pool that is shutting down
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a unit of work executed by the pool. ctx is cancelled when the
// pool is forced down.
type Task func(ctx context.Context)

// Config sizes a pool
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	Queued     int    `json:"queued"`
	Completed  int64  `json:"completed"`
	CallerRuns int64  `json:"caller_runs"`
	Panics     int64  `json:"panics"`
}

// Pool runs tasks on a fixed set of goroutines fed by a bounded queue.
// When the queue is full the submitting goroutine runs the task itself,
// which slows producers down instead of dropping work.
type Pool struct {
	name    string
	workers int
	queue   chan Task
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	completed  atomic.Int64
	callerRuns atomic.Int64
	panics     atomic.Int64
}

// NewPool creates and starts a worker pool
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		queue:   make(chan Task, cfg.QueueSize),
		logger:  logger.With(zap.String("pool", cfg.Name)),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.queue {
		p.run(task, id)
	}
}

// run executes one task and never lets a panic escape
func (p *Pool) run(task Task, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Inc()
			p.logger.Error("Task panicked",
				zap.Int("worker_id", workerID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		p.completed.Inc()
	}()
	task(p.ctx)
}

// Submit queues a task. If the queue is full the task runs synchronously
// on the caller's goroutine before Submit returns.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return nil
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	p.callerRuns.Inc()
	p.logger.Debug("Queue full, running task on caller")
	p.run(task, -1)
	return nil
}

// Go submits fn and logs the error it returns
func (p *Pool) Go(fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return p.Submit(func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			p.logger.Warn("Task failed", zap.Error(err))
		}
	})
}

// SubmitWait submits fn and blocks until it finishes or ctx is done
func (p *Pool) SubmitWait(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	err := p.Submit(func(poolCtx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- fn(poolCtx)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If
// ctx expires first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Debug("Pool drained", zap.Int64("completed", p.completed.Load()))
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Pool shutdown timed out, cancelling running tasks")
		return ctx.Err()
	}
}

// Stats returns counters for this pool
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.name,
		Workers:    p.workers,
		Queued:     len(p.queue),
		Completed:  p.completed.Load(),
		CallerRuns: p.callerRuns.Load(),
		Panics:     p.panics.Load(),
	}
}
