package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bulkflow/internal/config"
	logging "bulkflow/internal/logger"
	"bulkflow/internal/metrics"
	"bulkflow/internal/notify"
	"bulkflow/internal/ratelimit"
	"bulkflow/internal/storage"
	"bulkflow/internal/store"
	"bulkflow/internal/task"
	"bulkflow/internal/upload"
	"bulkflow/internal/worker"
)

// Engine wires the task registry, upload coordinator, processing
// components and their shared infrastructure.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *store.SQLiteStore
	blobs    storage.Client
	redis    *redis.Client
	windows  ratelimit.WindowStore
	gate     *ratelimit.Gate
	notifier notify.Notifier
	registry *task.Registry
	uploads  *upload.Coordinator
	monitor  *metrics.Monitor
	promReg  *prometheus.Registry

	uploadPool  *worker.Pool
	segmentPool *worker.Pool

	cancel context.CancelFunc
}

// Option customizes an Engine
type Option func(*engineOptions)

type engineOptions struct {
	blobs    storage.Client
	notifier notify.Notifier
}

// WithBlobStore replaces the configured blob store
func WithBlobStore(c storage.Client) Option {
	return func(o *engineOptions) { o.blobs = c }
}

// WithNotifier adds a notifier next to the log notifier
func WithNotifier(n notify.Notifier) Option {
	return func(o *engineOptions) { o.notifier = n }
}

// New creates a new engine instance
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.OrNop(logger)

	e := &Engine{cfg: cfg, logger: logger}

	// Create blob store
	blobs := o.blobs
	if blobs == nil {
		var err error
		blobs, err = newBlobStore(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob store: %w", err)
		}
	}
	e.blobs = blobs

	// Create task store
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create task store: %w", err)
	}
	e.store = st
	if err := ensureRowTable(ctx, st); err != nil {
		st.Close()
		return nil, err
	}

	// Create rate-limit window store
	e.windows = e.newWindowStore(ctx)
	e.gate = ratelimit.NewGate(e.windows, logger, ratelimit.WithFailOpen(cfg.RateLimit.FailOpen))

	// Create metrics
	e.promReg = prometheus.NewRegistry()
	e.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.monitor = metrics.NewMonitor(e.promReg, metrics.Config{
		SampleInterval: cfg.Monitor.SampleInterval,
		ReportInterval: cfg.Monitor.ReportInterval,
		IdleEviction:   cfg.Monitor.IdleEviction,
		CPUWarnPercent: cfg.Monitor.CPUWarnPercent,
		HeapWarnBytes:  cfg.Monitor.HeapWarnBytes,
		MinThroughput:  cfg.Monitor.MinThroughput,
	}, logger)

	// Create worker pools
	e.uploadPool = worker.NewPool(worker.Config{
		Name:      "upload",
		Workers:   cfg.Workers.Upload.Workers,
		QueueSize: cfg.Workers.Upload.QueueSize,
	}, logger)
	e.segmentPool = worker.NewPool(worker.Config{
		Name:      "segment",
		Workers:   cfg.Workers.Segment.Workers,
		QueueSize: cfg.Workers.Segment.QueueSize,
	}, logger)
	e.monitor.WatchPool(e.uploadPool)
	e.monitor.WatchPool(e.segmentPool)

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if o.notifier != nil {
		notifiers = append(notifiers, o.notifier)
	}
	e.notifier = notifiers

	e.registry = task.NewRegistry(st, task.Config{
		MaxConcurrentPerUser: cfg.Task.MaxConcurrentPerUser,
		MaxConcurrentSystem:  cfg.Task.MaxConcurrentSystem,
		CreateRateMax:        cfg.Task.CreateRateMax,
		CreateRateWindow:     cfg.Task.CreateRateWindow,
		MaxErrorDetails:      cfg.Task.MaxErrorDetails,
	}, logger, task.WithGate(e.gate), task.WithNotifier(e.notifier))

	uploadCfg := upload.DefaultConfig()
	uploadCfg.SessionTTL = cfg.Upload.SessionTTL
	uploadCfg.MaxChunkSize = cfg.Upload.MaxChunkSize
	if cfg.Upload.PutRetries > 0 {
		uploadCfg.PutRetries = cfg.Upload.PutRetries
	}
	e.uploads = upload.NewCoordinator(st, blobs, e.uploadPool, uploadCfg, logger)

	return e, nil
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig) (storage.Client, error) {
	if cfg.Driver == "memory" {
		return storage.NewMemoryClient(cfg.Bucket), nil
	}

	client, err := storage.NewMinIOClient(storage.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Secure:    cfg.Secure,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// newWindowStore prefers Redis so limits hold across processes, and falls
// back to process memory when Redis is not configured or unreachable.
func (e *Engine) newWindowStore(ctx context.Context) ratelimit.WindowStore {
	if e.cfg.Redis.Addr == "" {
		return ratelimit.NewMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     e.cfg.Redis.Addr,
		Password: e.cfg.Redis.Password,
		DB:       e.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		e.logger.Warn("Redis unavailable, using in-memory rate limit windows",
			zap.String("addr", e.cfg.Redis.Addr),
			zap.Error(err))
		client.Close()
		return ratelimit.NewMemoryStore()
	}
	e.redis = client
	return ratelimit.NewRedisStore(client)
}

// Start launches background loops: resource sampling, the upload reaper
// and, when configured, the metrics endpoint. They stop on Close or when
// ctx is done.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.monitor.Start(ctx)
	if e.cfg.Upload.ReapInterval > 0 {
		e.uploads.StartReaper(ctx, e.cfg.Upload.ReapInterval)
	}

	if e.cfg.MetricsAddr != "" {
		go func() {
			e.logger.Info("Serving metrics", zap.String("addr", e.cfg.MetricsAddr))
			if err := e.monitor.Serve(ctx, e.cfg.MetricsAddr); err != nil {
				e.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}
}

// Registry returns the task registry
func (e *Engine) Registry() *task.Registry { return e.registry }

// Uploads returns the chunk upload coordinator
func (e *Engine) Uploads() *upload.Coordinator { return e.uploads }

// Monitor returns the performance monitor
func (e *Engine) Monitor() *metrics.Monitor { return e.monitor }

// Gate returns the request-rate gate
func (e *Engine) Gate() *ratelimit.Gate { return e.gate }

// Blobs returns the blob store
func (e *Engine) Blobs() storage.Client { return e.blobs }

// Store returns the SQLite store
func (e *Engine) Store() *store.SQLiteStore { return e.store }

// Close stops background work and releases resources. Pools get a grace
// period to finish queued retries and cleanups.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := e.segmentPool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("segment pool: %w", err))
	}
	if err := e.uploadPool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("upload pool: %w", err))
	}
	if m, ok := e.windows.(*ratelimit.MemoryStore); ok {
		m.Close()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
