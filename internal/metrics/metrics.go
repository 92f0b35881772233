package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Inference counters
	InferenceRequests  atomic.Uint64
	InferenceSucceeded atomic.Uint64
	PreprocessJobs     atomic.Uint64
	ModelsLoaded       atomic.Uint64
	ActiveRequests     atomic.Int64

	// Capture counters
	StreamsOpen    atomic.Int64
	FramesCaptured atomic.Uint64
	FramesEvicted  atomic.Uint64
	CaptureErrors  atomic.Uint64

	// Latency tracking (last observed)
	InferenceLatencyMs   atomic.Uint64
	AcceleratorLatencyMs atomic.Uint64

	inferenceFailures *prometheus.CounterVec
	rpcCalls          *prometheus.CounterVec
	latency           prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		f,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("inference_requests_total", "Total predict requests received",
		func() float64 { return float64(m.InferenceRequests.Load()) })
	m.gauge("inference_succeeded_total", "Total predict requests that produced a response",
		func() float64 { return float64(m.InferenceSucceeded.Load()) })
	m.gauge("inference_preprocess_jobs_total", "Total resize/convert jobs run before inference",
		func() float64 { return float64(m.PreprocessJobs.Load()) })
	m.gauge("inference_models_loaded", "Models currently loaded on the accelerator",
		func() float64 { return float64(m.ModelsLoaded.Load()) })
	m.gauge("inference_active_requests", "Predict requests in flight",
		func() float64 { return float64(m.ActiveRequests.Load()) })

	m.gauge("capture_streams_open", "Open capture streams",
		func() float64 { return float64(m.StreamsOpen.Load()) })
	m.gauge("capture_frames_captured_total", "Frames captured and cached for reuse",
		func() float64 { return float64(m.FramesCaptured.Load()) })
	m.gauge("capture_frames_evicted_total", "Cached frames released by eviction",
		func() float64 { return float64(m.FramesEvicted.Load()) })
	m.gauge("capture_errors_total", "Failed capture calls",
		func() float64 { return float64(m.CaptureErrors.Load()) })

	m.gauge("inference_latency_ms", "Last predict request latency in milliseconds",
		func() float64 { return float64(m.InferenceLatencyMs.Load()) })
	m.gauge("inference_accelerator_latency_ms", "Last accelerator job latency in milliseconds",
		func() float64 { return float64(m.AcceleratorLatencyMs.Load()) })

	m.inferenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_failures_total",
		Help: "Failed predict requests by error class",
	}, []string{"class"})
	m.registry.MustRegister(m.inferenceFailures)

	m.rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_calls_total",
		Help: "RPC calls by method and status code",
	}, []string{"method", "code"})
	m.registry.MustRegister(m.rpcCalls)

	m.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_request_duration_seconds",
		Help:    "Predict request duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	m.registry.MustRegister(m.latency)
}

// ObserveInference records one finished predict request.
func (m *Metrics) ObserveInference(duration time.Duration, class string) {
	m.InferenceLatencyMs.Store(uint64(duration.Milliseconds()))
	m.latency.Observe(duration.Seconds())
	if class == "ok" {
		m.InferenceSucceeded.Add(1)
		return
	}
	m.inferenceFailures.WithLabelValues(class).Inc()
}

// UpdateAcceleratorLatency stores the latest accelerator job latency.
func (m *Metrics) UpdateAcceleratorLatency(duration time.Duration) {
	m.AcceleratorLatencyMs.Store(uint64(duration.Milliseconds()))
}

// ObserveRPC counts one RPC call.
func (m *Metrics) ObserveRPC(method, code string) {
	m.rpcCalls.WithLabelValues(method, code).Inc()
}

// Registry exposes the private registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr. The caller
// owns its lifecycle.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
