// Package metrics exposes the pipeline's prometheus instrumentation and the
// anomaly callback that fires when the API failure rate crosses a threshold.
package metrics

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	anomalyWindowSize = 100
	anomalyThreshold  = 0.20
)

// Metrics holds every collector the pipeline emits.
type Metrics struct {
	FilesProcessed      prometheus.Counter
	FilesFailed         prometheus.Counter
	UnitsCreated        prometheus.Counter
	APICalls            prometheus.Counter
	APIFailures         prometheus.Counter
	StructurerFallbacks prometheus.Counter

	QueueDepth prometheus.Gauge
	MemoryMB   prometheus.Gauge

	UnitDuration   prometheus.Histogram
	DBWriteLatency prometheus.Histogram

	registry *prometheus.Registry

	mu        sync.Mutex
	window    [anomalyWindowSize]bool // true = failure
	idx       int
	filled    bool
	failures  int
	onAnomaly func(failureRate float64)
	armed     bool
}

// New registers all collectors on a fresh registry. The anomaly callback may
// be nil.
func New(onAnomaly func(failureRate float64)) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		onAnomaly: onAnomaly,
		armed:     true,
	}
	m.FilesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "podgraph_files_processed_total",
		Help: "VTT files fully processed",
	})
	m.FilesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "podgraph_files_failed_total",
		Help: "VTT files that failed processing",
	})
	m.UnitsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "podgraph_units_created_total",
		Help: "MeaningfulUnits created",
	})
	m.APICalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "podgraph_api_calls_total",
		Help: "LLM and embedding provider calls",
	})
	m.APIFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "podgraph_api_failures_total",
		Help: "Provider calls that failed after retries",
	})
	m.StructurerFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "podgraph_structurer_fallback_total",
		Help: "Episodes that degraded to the single-unit fallback",
	})
	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "podgraph_queue_depth",
		Help: "Episodes waiting in the input queue",
	})
	m.MemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "podgraph_memory_mb",
		Help: "Process heap in MB",
	})
	m.UnitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "podgraph_unit_processing_duration_seconds",
		Help:    "Per-unit extract+embed wall time",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	m.DBWriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "podgraph_db_write_latency_ms",
		Help:    "Graph write transaction latency",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	})

	m.registry.MustRegister(
		m.FilesProcessed, m.FilesFailed, m.UnitsCreated,
		m.APICalls, m.APIFailures, m.StructurerFallbacks,
		m.QueueDepth, m.MemoryMB,
		m.UnitDuration, m.DBWriteLatency,
	)
	return m
}

// Handler serves the registry for the optional --metrics-addr listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAPICall counts one provider call and feeds the anomaly window. The
// callback fires once when the failure rate over the last 100 calls exceeds
// 20%, and re-arms when the rate falls back under the threshold.
func (m *Metrics) RecordAPICall(failed bool) {
	m.APICalls.Inc()
	if failed {
		m.APIFailures.Inc()
	}

	m.mu.Lock()
	if m.window[m.idx] {
		m.failures--
	}
	m.window[m.idx] = failed
	if failed {
		m.failures++
	}
	m.idx = (m.idx + 1) % anomalyWindowSize
	if m.idx == 0 {
		m.filled = true
	}

	var fire bool
	var rate float64
	if m.filled {
		rate = float64(m.failures) / anomalyWindowSize
		if rate > anomalyThreshold && m.armed {
			fire = true
			m.armed = false
		} else if rate <= anomalyThreshold {
			m.armed = true
		}
	}
	cb := m.onAnomaly
	m.mu.Unlock()

	if fire && cb != nil {
		cb(rate)
	}
}

// UpdateMemory samples the heap into the memory gauge.
func (m *Metrics) UpdateMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.MemoryMB.Set(float64(ms.HeapAlloc) / (1024 * 1024))
}
