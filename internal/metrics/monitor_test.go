package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"bulkflow/internal/worker"
)

func TestMonitor_SpansAggregate(t *testing.T) {
	m := NewMonitor(prometheus.NewRegistry(), Config{}, nil)

	s1 := m.StartProcessing("import", "t1")
	s2 := m.StartProcessing("import", "t2")
	assert.Equal(t, int64(2), m.Snapshot().Operations["import"].Active)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.c.active.WithLabelValues("import")))

	m.EndProcessing(s1, 100, true)
	m.EndProcessing(s2, 50, false)
	// ending twice is ignored
	m.EndProcessing(s1, 100, true)

	op := m.Snapshot().Operations["import"]
	assert.Equal(t, int64(2), op.Count)
	assert.Equal(t, int64(0), op.Active)
	assert.Equal(t, int64(150), op.Records)
	assert.Equal(t, int64(1), op.Succeeded)
	assert.Equal(t, int64(1), op.Failed)

	assert.Equal(t, float64(100), testutil.ToFloat64(m.c.recordsTotal.WithLabelValues("import", "success")))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.c.recordsTotal.WithLabelValues("import", "failure")))
	assert.Equal(t, int64(100), m.Snapshot().Tasks["t1"].Records)
}

func TestMonitor_RecordError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewMonitor(nil, Config{}, zap.New(core))

	m.RecordError("export", "t9", errors.New("bucket gone"))
	m.RecordError("export", "", errors.New("bucket gone"))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Operations["export"].Errors)
	assert.Equal(t, int64(1), snap.Tasks["t9"].Errors)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.c.errorsTotal.WithLabelValues("export")))
	assert.Equal(t, 2, logs.FilterMessage("Operation error").Len())
}

func TestMeasure(t *testing.T) {
	m := NewMonitor(nil, Config{}, nil)

	require.NoError(t, Measure(m, "segment", "t1", func() (int64, error) { return 10, nil }))
	boom := errors.New("boom")
	assert.ErrorIs(t, Measure(m, "segment", "t1", func() (int64, error) { return 3, boom }), boom)

	op := m.Snapshot().Operations["segment"]
	assert.Equal(t, int64(13), op.Records)
	assert.Equal(t, int64(1), op.Errors)
	assert.Equal(t, int64(1), op.Failed)

	// a nil monitor only runs fn
	assert.NoError(t, Measure(nil, "x", "", func() (int64, error) { return 1, nil }))
}

func TestMonitor_SampleAndThresholds(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewMonitor(nil, Config{HeapWarnBytes: 1}, zap.New(core))

	s, alerts := m.Sample()
	assert.Greater(t, s.HeapBytes, uint64(0))
	assert.Greater(t, s.Goroutines, 0)
	require.NotEmpty(t, alerts)
	assert.Contains(t, alerts[0], "heap")
	assert.GreaterOrEqual(t, logs.FilterMessage("Performance threshold exceeded").Len(), 1)
	assert.Equal(t, s, m.Snapshot().Resources)
}

func TestMonitor_LowThroughputAlert(t *testing.T) {
	m := NewMonitor(nil, Config{MinThroughput: 1e12}, nil)
	span := m.StartProcessing("import", "")
	time.Sleep(5 * time.Millisecond)
	m.EndProcessing(span, 1, true)

	_, alerts := m.Sample()
	found := false
	for _, a := range alerts {
		if strings.Contains(a, "throughput") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMonitor_EvictIdle(t *testing.T) {
	m := NewMonitor(nil, Config{IdleEviction: time.Minute}, nil)
	base := time.Now()
	m.now = func() time.Time { return base }

	done := m.StartProcessing("import", "old")
	m.EndProcessing(done, 1, true)
	running := m.StartProcessing("import", "running")

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Equal(t, 1, m.EvictIdle())

	snap := m.Snapshot()
	assert.NotContains(t, snap.Tasks, "old")
	assert.Contains(t, snap.Tasks, "running")
	m.EndProcessing(running, 0, true)
}

func TestMonitor_WatchPool(t *testing.T) {
	m := NewMonitor(nil, Config{}, nil)
	p := worker.NewPool(worker.Config{Name: "cleanup", Workers: 1, QueueSize: 4}, nil)
	defer p.Shutdown(context.Background())

	m.WatchPool(p)
	m.Sample()

	snap := m.Snapshot()
	require.Len(t, snap.Pools, 1)
	assert.Equal(t, "cleanup", snap.Pools[0].Name)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor(prometheus.NewRegistry(), Config{}, nil)
	m.EndProcessing(m.StartProcessing("import", ""), 7, true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `bulkflow_records_total{operation="import",result="success"} 7`)
}
