// Package metrics exposes the scraper's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes recorded by the worker.
const (
	OutcomeCompleted     = "completed"
	OutcomeDuplicate     = "duplicate"
	OutcomeRequeued      = "requeued"
	OutcomeDeadLettered  = "dead_lettered"
	FetchOutcomeSuccess  = "success"
	FetchOutcomeCacheHit = "cache_hit"
	FetchOutcomeError    = "error"
)

// Metrics owns a private registry so tests and both binaries can build
// independent instances without colliding on the global one.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsPending  *prometheus.GaugeVec
	jobsCreated      *prometheus.CounterVec
	jobsProcessed    *prometheus.CounterVec
	jobsDeadLettered *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, endpoint and status.",
		},
		[]string{"method", "endpoint", "status"},
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_requests_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	m.requestsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_pending",
			Help: "HTTP requests currently being served.",
		},
		[]string{"method", "endpoint"},
	)
	m.jobsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_jobs_created_total",
			Help: "Jobs accepted and published.",
		},
		[]string{"registry"},
	)
	m.jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_jobs_processed_total",
			Help: "Job deliveries handled by workers, by outcome.",
		},
		[]string{"registry", "outcome"},
	)
	m.jobsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_jobs_dead_lettered_total",
			Help: "Job messages rejected to the dead-letter queue.",
		},
		[]string{"registry", "reason"},
	)
	m.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_registry_fetch_duration_seconds",
			Help:    "Registry fetch latency including internal retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"registry", "outcome"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.requestsPending,
		m.jobsCreated,
		m.jobsProcessed,
		m.jobsDeadLettered,
		m.fetchDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobCreated(registry models.Registry) {
	m.jobsCreated.WithLabelValues(string(registry)).Inc()
}

func (m *Metrics) JobProcessed(registry models.Registry, outcome string) {
	m.jobsProcessed.WithLabelValues(string(registry), outcome).Inc()
}

func (m *Metrics) JobDeadLettered(registry models.Registry, reason string) {
	m.jobsDeadLettered.WithLabelValues(string(registry), reason).Inc()
}

func (m *Metrics) ObserveFetch(registry models.Registry, outcome string, d time.Duration) {
	m.fetchDuration.WithLabelValues(string(registry), outcome).Observe(d.Seconds())
}

// Middleware records request count, latency and in-flight requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := EndpointLabel(r.URL.Path)
		pending := m.requestsPending.WithLabelValues(r.Method, endpoint)
		pending.Inc()
		defer pending.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		status := strconv.Itoa(rec.status)
		m.requestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, endpoint, status).Observe(time.Since(start).Seconds())
	})
}

// EndpointLabel collapses id path segments so label cardinality stays bounded.
func EndpointLabel(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if _, err := uuid.Parse(s); err == nil {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
