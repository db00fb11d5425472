package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collectors holds the Prometheus series exported by a Monitor
type collectors struct {
	recordsTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	active       *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
	throughput   *prometheus.GaugeVec
	cpuPercent   prometheus.Gauge
	heapBytes    prometheus.Gauge
	rssBytes     prometheus.Gauge
	goroutines   prometheus.Gauge
	threads      prometheus.Gauge
	poolQueued   *prometheus.GaugeVec
	poolCallers  *prometheus.GaugeVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkflow_records_total",
				Help: "Total number of records processed",
			},
			[]string{"operation", "result"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkflow_errors_total",
				Help: "Total number of failed operations",
			},
			[]string{"operation"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bulkflow_active_operations",
				Help: "Number of operations currently running",
			},
			[]string{"operation"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkflow_operation_duration_seconds",
				Help:    "Time taken by one operation",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"operation"},
		),
		throughput: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bulkflow_throughput_records_per_second",
				Help: "Throughput of the last finished operation",
			},
			[]string{"operation"},
		),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkflow_process_cpu_percent",
			Help: "Process CPU usage over the last sample interval",
		}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkflow_heap_bytes",
			Help: "Heap bytes in use",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkflow_resident_memory_bytes",
			Help: "Resident set size of the process",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkflow_goroutines",
			Help: "Number of goroutines",
		}),
		threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkflow_os_threads",
			Help: "Number of OS threads",
		}),
		poolQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bulkflow_pool_queued_tasks",
				Help: "Tasks waiting in a worker pool queue",
			},
			[]string{"pool"},
		),
		poolCallers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bulkflow_pool_caller_runs",
				Help: "Tasks run on the submitting goroutine because the pool queue was full",
			},
			[]string{"pool"},
		),
	}

	reg.MustRegister(
		c.recordsTotal,
		c.errorsTotal,
		c.active,
		c.duration,
		c.throughput,
		c.cpuPercent,
		c.heapBytes,
		c.rssBytes,
		c.goroutines,
		c.threads,
		c.poolQueued,
		c.poolCallers,
	)

	return c
}
