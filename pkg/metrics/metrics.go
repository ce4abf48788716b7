// Package metrics exposes prometheus instrumentation for the cascade
// engine. The recorder is optional; a nil *Registry is a no-op everywhere.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the cascade metric families on a private prometheus
// registry so embedders can mount them wherever they serve metrics.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestLatency      *prometheus.HistogramVec
	CostUSD             *prometheus.CounterVec
	DraftsAccepted      prometheus.Counter
	DraftsRejected      prometheus.Counter
	AdmissionRejections *prometheus.CounterVec
	GuardrailRejections *prometheus.CounterVec
}

// New creates a registry with all cascade metric families registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_requests_total",
			Help: "Total requests processed by the cascade engine",
		}, []string{"route", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cascade_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"route", "model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_cost_usd_total",
			Help: "Attributed USD cost by model and role",
		}, []string{"model", "role"}),
		DraftsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascade_drafts_accepted_total",
			Help: "Drafter responses accepted by the quality validator",
		}),
		DraftsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascade_drafts_rejected_total",
			Help: "Drafter responses rejected or escalated",
		}),
		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_admission_rejections_total",
			Help: "Requests refused by admission control",
		}, []string{"reason"}),
		GuardrailRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_guardrail_rejections_total",
			Help: "Requests refused by guardrails",
		}, []string{"category"}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.CostUSD,
		m.DraftsAccepted,
		m.DraftsRejected,
		m.AdmissionRejections,
		m.GuardrailRejections,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request. Nil-safe.
func (m *Registry) ObserveRequest(route, model, status string, latencyMs float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, model, status).Inc()
	m.RequestLatency.WithLabelValues(route, model).Observe(latencyMs)
}

// ObserveCost adds attributed cost for a model acting in a role
// ("drafter" or "verifier"). Nil-safe.
func (m *Registry) ObserveCost(model, role string, costUSD float64) {
	if m == nil || costUSD <= 0 {
		return
	}
	m.CostUSD.WithLabelValues(model, role).Add(costUSD)
}

// ObserveDraftDecision counts an accept or reject of a drafter response.
// Nil-safe.
func (m *Registry) ObserveDraftDecision(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.DraftsAccepted.Inc()
	} else {
		m.DraftsRejected.Inc()
	}
}

// ObserveAdmissionRejection counts an admission refusal. Nil-safe.
func (m *Registry) ObserveAdmissionRejection(reason string) {
	if m == nil {
		return
	}
	m.AdmissionRejections.WithLabelValues(reason).Inc()
}

// ObserveGuardrailRejection counts a guardrail refusal. Nil-safe.
func (m *Registry) ObserveGuardrailRejection(category string) {
	if m == nil {
		return
	}
	m.GuardrailRejections.WithLabelValues(category).Inc()
}
