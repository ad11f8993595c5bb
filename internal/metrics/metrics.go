// Package metrics holds the Prometheus instrumentation of the gateway. All
// methods are safe on a nil *Metrics so that components can run unmetered.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	CompletionsTotal     *prometheus.CounterVec
	AnonymizedTotal      *prometheus.CounterVec
	EntitiesTotal        *prometheus.CounterVec
	UpstreamDuration     *prometheus.HistogramVec
	RestoreFailures      prometheus.Counter
	SkippedEntries       prometheus.Counter
	HistoryFailures      prometheus.Counter
	PolicyLookupFailures prometheus.Counter
	PolicyCacheResults   *prometheus.CounterVec
	AuditRequests        *prometheus.CounterVec
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	RateLimited          prometheus.Counter
	DashboardConnections prometheus.Gauge
}

// New creates and registers all metrics on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CompletionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pii_gateway_completions_total",
			Help: "Chat completion requests by provider and outcome",
		}, []string{"provider", "status"}),
		AnonymizedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pii_gateway_anonymized_requests_total",
			Help: "Completion requests whose messages were anonymized",
		}, []string{"provider"}),
		EntitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pii_gateway_pii_entities_total",
			Help: "Distinct PII values replaced, by category",
		}, []string{"category"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pii_gateway_upstream_duration_seconds",
			Help:    "Latency of upstream provider calls",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		RestoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pii_gateway_restore_failures_total",
			Help: "Responses returned in anonymized form because restoration failed",
		}),
		SkippedEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "pii_gateway_restore_skipped_entries_total",
			Help: "Mapping entries left unrestored because their placeholder collided",
		}),
		HistoryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pii_gateway_history_failures_total",
			Help: "Request history writes that failed",
		}),
		PolicyLookupFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pii_gateway_policy_lookup_failures_total",
			Help: "Policy lookups answered by the configured fail mode",
		}),
		PolicyCacheResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pii_gateway_policy_cache_results_total",
			Help: "Policy cache lookups by result (hit, miss, error)",
		}, []string{"result"}),
		AuditRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pii_gateway_audit_deanonymize_total",
			Help: "Audit deanonymization requests by outcome",
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pii_gateway_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pii_gateway_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "pii_gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		DashboardConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pii_gateway_dashboard_connections",
			Help: "Open dashboard websocket connections",
		}),
	}
}

// Registry exposes the registry for tests and custom exporters
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCompletion(provider, status string, upstream time.Duration) {
	if m == nil {
		return
	}
	m.CompletionsTotal.WithLabelValues(provider, status).Inc()
	if upstream > 0 {
		m.UpstreamDuration.WithLabelValues(provider).Observe(upstream.Seconds())
	}
}

// ObserveAnonymization records one anonymized request and its entity counts
func (m *Metrics) ObserveAnonymization(provider string, categories map[string]int) {
	if m == nil {
		return
	}
	m.AnonymizedTotal.WithLabelValues(provider).Inc()
	for category, n := range categories {
		m.EntitiesTotal.WithLabelValues(category).Add(float64(n))
	}
}

func (m *Metrics) IncrementRestoreFailures() {
	if m != nil {
		m.RestoreFailures.Inc()
	}
}

func (m *Metrics) AddSkippedEntries(n int) {
	if m != nil && n > 0 {
		m.SkippedEntries.Add(float64(n))
	}
}

func (m *Metrics) IncrementHistoryFailures() {
	if m != nil {
		m.HistoryFailures.Inc()
	}
}

func (m *Metrics) IncrementPolicyLookupFailures() {
	if m != nil {
		m.PolicyLookupFailures.Inc()
	}
}

// ObservePolicyCache records a cache hit, miss or error
func (m *Metrics) ObservePolicyCache(result string) {
	if m != nil {
		m.PolicyCacheResults.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveAudit(status string) {
	if m != nil {
		m.AuditRequests.WithLabelValues(status).Inc()
	}
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) IncrementRateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}

func (m *Metrics) SetDashboardConnections(n int) {
	if m != nil {
		m.DashboardConnections.Set(float64(n))
	}
}
