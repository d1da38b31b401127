package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds every metric the gateway emits. The pipeline only ever
// writes to these; reads happen through the scrape endpoint.
type Telemetry struct {
	registry *prometheus.Registry

	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	QueueDepth    *prometheus.GaugeVec
	QueueWaitTime *prometheus.HistogramVec

	RateLimitRejections *prometheus.CounterVec

	BackendHealth   *prometheus.GaugeVec
	BackendRequests *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec

	ActiveRequests  *prometheus.GaugeVec
	TokensProcessed *prometheus.CounterVec

	QuotaUsage    *prometheus.GaugeVec
	QuotaExceeded *prometheus.CounterVec

	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerFailures *prometheus.CounterVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

func New() *Telemetry {
	registry := prometheus.NewRegistry()

	t := &Telemetry{
		registry: registry,

		RequestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests",
		}, []string{"endpoint", "method", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		}, []string{"endpoint", "method"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Current queue depth per tenant",
		}, []string{"tenant"}),

		QueueWaitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_queue_wait_seconds",
			Help:    "Time spent waiting in queue",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		}, []string{"tenant"}),

		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Number of requests rejected due to rate limiting",
		}, []string{"tenant", "reason"}),

		BackendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_backend_health",
			Help: "Backend health status (1=healthy, 0=unhealthy)",
		}, []string{"backend", "role"}),

		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_requests_total",
			Help: "Total requests to backends",
		}, []string{"backend", "role", "status"}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_backend_duration_seconds",
			Help:    "Backend request duration",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		}, []string{"backend", "role"}),

		ActiveRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "Number of currently active requests",
		}, []string{"tenant"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_processed_total",
			Help: "Total tokens processed",
		}, []string{"tenant", "model", "role"}),

		QuotaUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_quota_usage",
			Help: "Current quota usage",
		}, []string{"tenant", "quota"}),

		QuotaExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_quota_exceeded_total",
			Help: "Number of requests rejected due to quota",
		}, []string{"tenant", "quota"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"backend"}),

		CircuitBreakerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_failures_total",
			Help: "Circuit breaker failure count",
		}, []string{"backend"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Response cache hits",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Response cache misses",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.RequestCount, t.RequestDuration,
		t.QueueDepth, t.QueueWaitTime,
		t.RateLimitRejections,
		t.BackendHealth, t.BackendRequests, t.BackendDuration,
		t.ActiveRequests, t.TokensProcessed,
		t.QuotaUsage, t.QuotaExceeded,
		t.CircuitBreakerState, t.CircuitBreakerFailures,
		t.CacheHits, t.CacheMisses,
	)

	return t
}

// Handler serves the exposition format for this registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
