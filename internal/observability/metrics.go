package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dispatch runtime.
type Metrics struct {
	selectionsTotal    *prometheus.CounterVec
	selectionErrors    *prometheus.CounterVec
	inFlightRequests   *prometheus.GaugeVec
	deploymentHealth   *prometheus.GaugeVec
	cooldownsTotal     *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitChecks    *prometheus.CounterVec
	rateLimitedKeys    prometheus.Gauge
	poolSlotsFree      *prometheus.GaugeVec
	poolSlotsInUse     *prometheus.GaugeVec
	poolExhaustedTotal *prometheus.CounterVec
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "llmdispatch"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Total number of deployment selections",
		},
		[]string{"model", "strategy"},
	)

	m.selectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_errors_total",
			Help:      "Total number of failed selections",
		},
		[]string{"model", "reason"},
	)

	m.inFlightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current in-flight requests per deployment",
		},
		[]string{"deployment"},
	)

	m.deploymentHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deployment_healthy",
			Help:      "Deployment health status (1=healthy, 0=cooling)",
		},
		[]string{"deployment"},
	)

	m.cooldownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_total",
			Help:      "Total number of cooldown transitions",
		},
		[]string{"deployment"},
	)

	m.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Reported request latency per deployment",
			Buckets: []float64{
				.005, .01, .025, .05, .1, .25,
				.5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"deployment"},
	)

	m.rateLimitChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_checks_total",
			Help:      "Total number of rate limit checks",
		},
		[]string{"algorithm", "allowed"},
	)

	m.rateLimitedKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limited_keys",
			Help:      "Current number of tracked rate limit keys",
		},
	)

	m.poolSlotsFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_slots_free",
			Help:      "Free connection slots per backend",
		},
		[]string{"backend"},
	)

	m.poolSlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_slots_in_use",
			Help:      "Checked-out connection slots per backend",
		},
		[]string{"backend"},
	)

	m.poolExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Total number of pool exhaustion errors",
		},
		[]string{"backend"},
	)

	m.registry.MustRegister(
		m.selectionsTotal,
		m.selectionErrors,
		m.inFlightRequests,
		m.deploymentHealth,
		m.cooldownsTotal,
		m.requestLatency,
		m.rateLimitChecks,
		m.rateLimitedKeys,
		m.poolSlotsFree,
		m.poolSlotsInUse,
		m.poolExhaustedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordSelection records a successful deployment selection.
func (m *Metrics) RecordSelection(model, strategy string) {
	m.selectionsTotal.WithLabelValues(model, strategy).Inc()
}

// RecordSelectionError records a failed selection.
func (m *Metrics) RecordSelectionError(model, reason string) {
	m.selectionErrors.WithLabelValues(model, reason).Inc()
}

// SetInFlight sets the in-flight gauge for a deployment.
func (m *Metrics) SetInFlight(deployment string, n int64) {
	m.inFlightRequests.WithLabelValues(deployment).Set(float64(n))
}

// SetDeploymentHealth sets the health gauge for a deployment.
func (m *Metrics) SetDeploymentHealth(deployment string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.deploymentHealth.WithLabelValues(deployment).Set(v)
}

// RecordCooldown records a cooldown transition.
func (m *Metrics) RecordCooldown(deployment string) {
	m.cooldownsTotal.WithLabelValues(deployment).Inc()
}

// RecordLatency records a reported request latency.
func (m *Metrics) RecordLatency(deployment string, seconds float64) {
	m.requestLatency.WithLabelValues(deployment).Observe(seconds)
}

// RecordRateLimitCheck records a rate limit decision.
func (m *Metrics) RecordRateLimitCheck(algorithm string, allowed bool) {
	label := "false"
	if allowed {
		label = "true"
	}
	m.rateLimitChecks.WithLabelValues(algorithm, label).Inc()
}

// SetRateLimitedKeys sets the tracked key gauge.
func (m *Metrics) SetRateLimitedKeys(n int) {
	m.rateLimitedKeys.Set(float64(n))
}

// SetPoolSlots sets the pool slot gauges for a backend.
func (m *Metrics) SetPoolSlots(backend string, free, inUse int) {
	m.poolSlotsFree.WithLabelValues(backend).Set(float64(free))
	m.poolSlotsInUse.WithLabelValues(backend).Set(float64(inUse))
}

// RecordPoolExhausted records a pool exhaustion error.
func (m *Metrics) RecordPoolExhausted(backend string) {
	m.poolExhaustedTotal.WithLabelValues(backend).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
