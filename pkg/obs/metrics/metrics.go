package metrics

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FilenCloudDienste/filen-s3/pkg/backend"
)

// Metrics provides a self-contained Prometheus registry, common HTTP metrics,
// and gateway-specific collectors, without creating import cycles.
type Metrics struct {
	reg         *prometheus.Registry
	inflight    prometheus.Gauge
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited prometheus.Counter
	backendOps  *prometheus.HistogramVec
}

// New creates a Metrics instance with a fresh registry and registers collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filens3",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of inflight HTTP requests.",
	})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filens3",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed, partitioned by status code and method.",
	}, []string{"code", "method"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "filens3",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Histogram of latencies for HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code", "method"})
	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filens3",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total number of requests rejected by the rate limiter.",
	})
	backendOps := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "filens3",
		Subsystem: "backend",
		Name:      "op_duration_seconds",
		Help:      "Histogram of backend operation latencies, partitioned by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	_ = reg.Register(inflight)
	_ = reg.Register(requests)
	_ = reg.Register(latency)
	_ = reg.Register(rateLimited)
	_ = reg.Register(backendOps)

	return &Metrics{
		reg:         reg,
		inflight:    inflight,
		requests:    requests,
		latency:     latency,
		rateLimited: rateLimited,
		backendOps:  backendOps,
	}
}

// Handler returns an http.Handler that serves Prometheus metrics using the internal registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RateLimitRejected counts one rejected request.
func (m *Metrics) RateLimitRejected() {
	m.rateLimited.Inc()
}

// ObserveBackendOp records the latency of one backend call.
func (m *Metrics) ObserveBackendOp(op string, elapsed time.Duration) {
	m.backendOps.WithLabelValues(op).Observe(elapsed.Seconds())
}

// statusRecorder captures the HTTP status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to collect basic HTTP metrics:
// - inflight gauge
// - requests_total counter (labels: method, code)
// - request_duration_seconds histogram (labels: method, code)
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		method := r.Method
		code := strconv.Itoa(rec.status)
		elapsed := time.Since(start).Seconds()

		m.requests.WithLabelValues(code, method).Inc()
		m.latency.WithLabelValues(code, method).Observe(elapsed)
	})
}

// Registry returns the underlying Prometheus registry for advanced usage.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// InstrumentStore wraps a backend.Store so every call feeds the backend
// operation histogram.
func (m *Metrics) InstrumentStore(s backend.Store) backend.Store {
	return &instrumentedStore{inner: s, metrics: m}
}

type instrumentedStore struct {
	inner   backend.Store
	metrics *Metrics
}

func (s *instrumentedStore) observe(op string, start time.Time) {
	s.metrics.ObserveBackendOp(op, time.Since(start))
}

func (s *instrumentedStore) Stat(ctx context.Context, path string) (backend.ObjectStats, error) {
	defer s.observe("stat", time.Now())
	return s.inner.Stat(ctx, path)
}

func (s *instrumentedStore) ReadDir(ctx context.Context, path string) ([]string, error) {
	defer s.observe("readdir", time.Now())
	return s.inner.ReadDir(ctx, path)
}

func (s *instrumentedStore) MkdirAll(ctx context.Context, path string) error {
	defer s.observe("mkdirall", time.Now())
	return s.inner.MkdirAll(ctx, path)
}

func (s *instrumentedStore) Unlink(ctx context.Context, path string, permanent bool) error {
	defer s.observe("unlink", time.Now())
	return s.inner.Unlink(ctx, path, permanent)
}

func (s *instrumentedStore) Copy(ctx context.Context, from, to string) error {
	defer s.observe("copy", time.Now())
	return s.inner.Copy(ctx, from, to)
}

func (s *instrumentedStore) Upload(ctx context.Context, r io.Reader, parent, name string, ts *backend.Timestamps) (backend.ObjectStats, error) {
	defer s.observe("upload", time.Now())
	return s.inner.Upload(ctx, r, parent, name, ts)
}

func (s *instrumentedStore) DownloadRange(ctx context.Context, st backend.ObjectStats, start, end int64) (io.ReadCloser, error) {
	defer s.observe("download", time.Now())
	return s.inner.DownloadRange(ctx, st, start, end)
}
