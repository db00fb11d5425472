package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"bulkflow/internal/worker"
)

// Config sets sampling cadence and alert thresholds
type Config struct {
	SampleInterval time.Duration
	ReportInterval time.Duration
	IdleEviction   time.Duration
	// CPUWarnPercent is relative to all cores
	CPUWarnPercent float64
	HeapWarnBytes  uint64
	// MinThroughput in records per second; zero disables the check
	MinThroughput float64
}

// DefaultConfig returns the standard monitor settings
func DefaultConfig() Config {
	return Config{
		SampleInterval: 30 * time.Second,
		ReportInterval: 5 * time.Minute,
		IdleEviction:   time.Hour,
		CPUWarnPercent: 80,
		HeapWarnBytes:  2 << 30,
		MinThroughput:  0,
	}
}

// Span is one running operation returned by StartProcessing
type Span struct {
	Operation string
	TaskID    string
	Start     time.Time
	ended     bool
}

// OperationStats aggregates every finished span of one operation type
type OperationStats struct {
	Count      int64         `json:"count"`
	Active     int64         `json:"active"`
	Succeeded  int64         `json:"succeeded"`
	Failed     int64         `json:"failed"`
	Records    int64         `json:"records"`
	Errors     int64         `json:"errors"`
	TotalTime  time.Duration `json:"total_time"`
	Throughput float64       `json:"throughput"`
}

// TaskStats tracks one task id
type TaskStats struct {
	Operation string    `json:"operation"`
	Records   int64     `json:"records"`
	Errors    int64     `json:"errors"`
	Active    int       `json:"active"`
	LastSeen  time.Time `json:"last_seen"`
}

// ResourceSample is one reading of process resources
type ResourceSample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpu_percent"`
	HeapBytes  uint64    `json:"heap_bytes"`
	RSSBytes   int64     `json:"rss_bytes"`
	Goroutines int       `json:"goroutines"`
	Threads    int       `json:"threads"`
}

// Snapshot is a consistent copy of the monitor state
type Snapshot struct {
	Operations map[string]OperationStats `json:"operations"`
	Tasks      map[string]TaskStats      `json:"tasks"`
	Resources  ResourceSample            `json:"resources"`
	Pools      []worker.Stats            `json:"pools,omitempty"`
}

// Monitor observes processing and resource usage. It only reports; it
// never slows or rejects work.
type Monitor struct {
	cfg    Config
	reg    prometheus.Registerer
	c      *collectors
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	operations map[string]*OperationStats
	tasks      map[string]*TaskStats
	pools      []*worker.Pool
	last       ResourceSample

	// previous CPU reading for delta computation
	lastCPU     float64
	lastCPUTime time.Time
}

// NewMonitor creates a monitor whose collectors are registered on reg.
// A nil reg gets a private registry.
func NewMonitor(reg prometheus.Registerer, cfg Config, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = def.ReportInterval
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = def.IdleEviction
	}
	if cfg.CPUWarnPercent <= 0 {
		cfg.CPUWarnPercent = def.CPUWarnPercent
	}
	if cfg.HeapWarnBytes == 0 {
		cfg.HeapWarnBytes = def.HeapWarnBytes
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		cfg:        cfg,
		reg:        reg,
		c:          newCollectors(reg),
		logger:     logger,
		now:        time.Now,
		operations: make(map[string]*OperationStats),
		tasks:      make(map[string]*TaskStats),
	}
}

// StartProcessing marks the start of an operation
func (m *Monitor) StartProcessing(operation, taskID string) *Span {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.op(operation).Active++
	if taskID != "" {
		t := m.task(taskID, operation)
		t.Active++
		t.LastSeen = now
	}
	m.c.active.WithLabelValues(operation).Inc()
	return &Span{Operation: operation, TaskID: taskID, Start: now}
}

// EndProcessing closes a span. Ending the same span twice has no effect.
func (m *Monitor) EndProcessing(span *Span, records int64, success bool) {
	if span == nil {
		return
	}
	now := m.now()
	elapsed := now.Sub(span.Start)

	m.mu.Lock()
	defer m.mu.Unlock()

	if span.ended {
		return
	}
	span.ended = true

	op := m.op(span.Operation)
	op.Active--
	op.Count++
	op.Records += records
	op.TotalTime += elapsed
	if success {
		op.Succeeded++
	} else {
		op.Failed++
	}
	if secs := op.TotalTime.Seconds(); secs > 0 {
		op.Throughput = float64(op.Records) / secs
	}

	if span.TaskID != "" {
		t := m.task(span.TaskID, span.Operation)
		t.Active--
		t.Records += records
		t.LastSeen = now
	}

	result := "success"
	if !success {
		result = "failure"
	}
	m.c.active.WithLabelValues(span.Operation).Dec()
	m.c.recordsTotal.WithLabelValues(span.Operation, result).Add(float64(records))
	m.c.duration.WithLabelValues(span.Operation).Observe(elapsed.Seconds())
	if secs := elapsed.Seconds(); secs > 0 {
		m.c.throughput.WithLabelValues(span.Operation).Set(float64(records) / secs)
	}
}

// RecordError counts a failed operation
func (m *Monitor) RecordError(operation, taskID string, err error) {
	m.mu.Lock()
	m.op(operation).Errors++
	if taskID != "" {
		t := m.task(taskID, operation)
		t.Errors++
		t.LastSeen = m.now()
	}
	m.mu.Unlock()

	m.c.errorsTotal.WithLabelValues(operation).Inc()
	m.logger.Warn("Operation error",
		zap.String("operation", operation),
		zap.String("task_id", taskID),
		zap.Error(err))
}

// ObserveThroughput publishes an externally measured rate in records per second
func (m *Monitor) ObserveThroughput(operation string, recordsPerSecond float64) {
	m.c.throughput.WithLabelValues(operation).Set(recordsPerSecond)
}

// WatchPool includes a worker pool in samples and snapshots
func (m *Monitor) WatchPool(p *worker.Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = append(m.pools, p)
}

// Measure runs fn inside a span. fn returns the number of records it handled.
func Measure(m *Monitor, operation, taskID string, fn func() (int64, error)) error {
	if m == nil {
		_, err := fn()
		return err
	}
	span := m.StartProcessing(operation, taskID)
	records, err := fn()
	if err != nil {
		m.RecordError(operation, taskID, err)
	}
	m.EndProcessing(span, records, err == nil)
	return err
}

// Sample reads process resources, updates gauges, and returns any
// threshold warnings it logged.
func (m *Monitor) Sample() (ResourceSample, []string) {
	now := m.now()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := ResourceSample{
		At:         now,
		HeapBytes:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}

	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil {
			s.RSSBytes = int64(stat.ResidentMemory())
			s.Threads = stat.NumThreads
			s.CPUPercent = m.cpuPercent(stat.CPUTime(), now)
		}
	}

	m.mu.Lock()
	m.last = s
	pools := append([]*worker.Pool(nil), m.pools...)
	m.mu.Unlock()

	m.c.cpuPercent.Set(s.CPUPercent)
	m.c.heapBytes.Set(float64(s.HeapBytes))
	m.c.rssBytes.Set(float64(s.RSSBytes))
	m.c.goroutines.Set(float64(s.Goroutines))
	m.c.threads.Set(float64(s.Threads))
	for _, p := range pools {
		st := p.Stats()
		m.c.poolQueued.WithLabelValues(st.Name).Set(float64(st.Queued))
		m.c.poolCallers.WithLabelValues(st.Name).Set(float64(st.CallerRuns))
	}

	return s, m.checkThresholds(s)
}

func (m *Monitor) cpuPercent(cpuSeconds float64, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, prevAt := m.lastCPU, m.lastCPUTime
	m.lastCPU, m.lastCPUTime = cpuSeconds, now
	if prevAt.IsZero() {
		return 0
	}
	wall := now.Sub(prevAt).Seconds()
	if wall <= 0 {
		return 0
	}
	return (cpuSeconds - prev) / wall / float64(runtime.NumCPU()) * 100
}

// checkThresholds logs a warning for every exceeded limit
func (m *Monitor) checkThresholds(s ResourceSample) []string {
	var alerts []string
	if s.CPUPercent > m.cfg.CPUWarnPercent {
		alerts = append(alerts, fmt.Sprintf("cpu usage %.1f%% above %.1f%%", s.CPUPercent, m.cfg.CPUWarnPercent))
	}
	if s.HeapBytes > m.cfg.HeapWarnBytes {
		alerts = append(alerts, fmt.Sprintf("heap %d bytes above %d bytes", s.HeapBytes, m.cfg.HeapWarnBytes))
	}
	if m.cfg.MinThroughput > 0 {
		if avg, ok := m.averageThroughput(); ok && avg < m.cfg.MinThroughput {
			alerts = append(alerts, fmt.Sprintf("average throughput %.1f records/s below %.1f", avg, m.cfg.MinThroughput))
		}
	}

	for _, a := range alerts {
		m.logger.Warn("Performance threshold exceeded", zap.String("alert", a))
	}
	return alerts
}

func (m *Monitor) averageThroughput() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		sum float64
		n   int
	)
	for _, op := range m.operations {
		if op.Count > 0 && op.Records > 0 {
			sum += op.Throughput
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// EvictIdle drops per-task stats not touched for the idle period and returns how many were removed
func (m *Monitor) EvictIdle() int {
	cutoff := m.now().Add(-m.cfg.IdleEviction)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, t := range m.tasks {
		if t.Active <= 0 && t.LastSeen.Before(cutoff) {
			delete(m.tasks, id)
			evicted++
		}
	}
	return evicted
}

// Report logs a summary line per operation
func (m *Monitor) Report() {
	snap := m.Snapshot()

	names := make([]string, 0, len(snap.Operations))
	for name := range snap.Operations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		op := snap.Operations[name]
		m.logger.Info("Performance report",
			zap.String("operation", name),
			zap.Int64("count", op.Count),
			zap.Int64("active", op.Active),
			zap.Int64("records", op.Records),
			zap.Int64("errors", op.Errors),
			zap.Float64("throughput", op.Throughput))
	}
	m.logger.Info("Resource report",
		zap.Float64("cpu_percent", snap.Resources.CPUPercent),
		zap.Uint64("heap_bytes", snap.Resources.HeapBytes),
		zap.Int64("rss_bytes", snap.Resources.RSSBytes),
		zap.Int("goroutines", snap.Resources.Goroutines),
		zap.Int("tracked_tasks", len(snap.Tasks)))
}

// Snapshot returns a copy of the current state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Operations: make(map[string]OperationStats, len(m.operations)),
		Tasks:      make(map[string]TaskStats, len(m.tasks)),
		Resources:  m.last,
	}
	for name, op := range m.operations {
		snap.Operations[name] = *op
	}
	for id, t := range m.tasks {
		snap.Tasks[id] = *t
	}
	for _, p := range m.pools {
		snap.Pools = append(snap.Pools, p.Stats())
	}
	return snap
}

// Start runs sampling, reporting and eviction until ctx is done
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		sample := time.NewTicker(m.cfg.SampleInterval)
		report := time.NewTicker(m.cfg.ReportInterval)
		defer sample.Stop()
		defer report.Stop()

		m.Sample()
		for {
			select {
			case <-sample.C:
				m.Sample()
			case <-report.C:
				m.Report()
				if n := m.EvictIdle(); n > 0 {
					m.logger.Debug("Evicted idle task metrics", zap.Int("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Handler serves the registry in the Prometheus text format
func (m *Monitor) Handler() http.Handler {
	if g, ok := m.reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Monitor) op(name string) *OperationStats {
	op, ok := m.operations[name]
	if !ok {
		op = &OperationStats{}
		m.operations[name] = op
	}
	return op
}

func (m *Monitor) task(id, operation string) *TaskStats {
	t, ok := m.tasks[id]
	if !ok {
		t = &TaskStats{Operation: operation}
		m.tasks[id] = t
	}
	return t
}
