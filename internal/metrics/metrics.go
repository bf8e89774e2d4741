// Package metrics holds the Prometheus collectors for the analysis service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Napageneral/reframe/internal/gemini"
)

const namespace = "reframe"

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	workerRuns     *prometheus.CounterVec
	workerAttempts *prometheus.CounterVec
	workerDuration *prometheus.HistogramVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	persistWrites *prometheus.CounterVec
	rateLimited   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}, []string{"method", "path"}),
		workerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Worker invocations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		workerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "attempts_total",
			Help:      "Model calls made by workers, including retries.",
		}, []string{"kind"}),
		workerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "duration_seconds",
			Help:      "Wall time of worker invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~50s
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "requests_total",
			Help:      "Analysis requests by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "duration_seconds",
			Help:      "End-to-end analysis duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11),
		}, []string{"outcome"}),
		persistWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "writes_total",
			Help:      "Persistence writes by target and result.",
		}, []string{"target", "success"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
	}
	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.workerRuns,
		m.workerAttempts,
		m.workerDuration,
		m.requests,
		m.requestDuration,
		m.persistWrites,
		m.rateLimited,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// RegisterUsage exposes the model client's token and call counters.
func (m *Metrics) RegisterUsage(usage func() gemini.UsageStats) {
	gauge := func(name, help string, pick func(gemini.UsageStats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(usage())) })
	}
	m.Registry.MustRegister(
		gauge("prompt_tokens", "Prompt tokens sent since start.", func(u gemini.UsageStats) int64 { return u.PromptTokens }),
		gauge("output_tokens", "Output tokens received since start.", func(u gemini.UsageStats) int64 { return u.OutputTokens }),
		gauge("generate_calls", "Successful generateContent calls since start.", func(u gemini.UsageStats) int64 { return u.GenerateCalls }),
		gauge("failed_calls", "Failed generateContent calls since start.", func(u gemini.UsageStats) int64 { return u.FailedCalls }),
	)
}

// WorkerFinished records one worker outcome. outcome is "success" or the
// failure reason.
func (m *Metrics) WorkerFinished(kind, outcome string, attempts int, d time.Duration) {
	m.workerRuns.WithLabelValues(kind, outcome).Inc()
	if attempts > 0 {
		m.workerAttempts.WithLabelValues(kind).Add(float64(attempts))
	}
	m.workerDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RequestFinished(outcome string, d time.Duration) {
	m.requests.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) PersistFinished(target string, ok bool) {
	m.persistWrites.WithLabelValues(target, strconv.FormatBool(ok)).Inc()
}

func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument wraps next with HTTP request metrics.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath keeps label cardinality bounded: known routes pass through,
// anything else collapses to "other".
func canonicalPath(raw string) string {
	switch raw {
	case "/functions/v1/analyze-entry", "/healthz", "/metrics":
		return raw
	}
	return "other"
}
