// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway's Prometheus collectors behind a private
// registry so tests can run multiple instances without collisions.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	CostUSD         *prometheus.CounterVec
	TokensTotal     *prometheus.CounterVec
	FallbacksTotal  *prometheus.CounterVec
	StubsTotal      prometheus.Counter
	BudgetRejects   prometheus.Counter
	AlertsTotal     *prometheus.CounterVec
	RateLimitedHits prometheus.Counter
}

// New creates and registers all gateway collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_requests_total",
			Help: "Total generation requests by provider and outcome",
		}, []string{"provider", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigate_request_latency_ms",
			Help:    "Provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"provider", "model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_cost_usd_total",
			Help: "Estimated USD spend",
		}, []string{"provider", "model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_tokens_total",
			Help: "Tokens consumed by direction",
		}, []string{"provider", "model", "direction"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_fallbacks_total",
			Help: "Requests served by a non-primary provider",
		}, []string{"provider"}),
		StubsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigate_stub_responses_total",
			Help: "Requests answered by the rule-based stub",
		}),
		BudgetRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigate_budget_rejections_total",
			Help: "Requests rejected by the pre-flight cost check",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_alerts_total",
			Help: "Alerts raised by the performance monitor",
		}, []string{"type", "severity"}),
		RateLimitedHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigate_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.CostUSD,
		m.TokensTotal,
		m.FallbacksTotal,
		m.StubsTotal,
		m.BudgetRejects,
		m.AlertsTotal,
		m.RateLimitedHits,
	)
	return m
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
