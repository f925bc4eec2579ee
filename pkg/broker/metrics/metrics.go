// Package metrics exposes the broker's Prometheus counters and gauges: live
// session count, tool dispatch outcomes, RAG cache hit/miss, and the
// low-confidence escalation rate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	ToolCallsTotal    *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	RAGCacheTotal     *prometheus.CounterVec
	LowConfidenceHits prometheus.Counter
	Escalations       prometheus.Counter

	UpstreamErrorsTotal *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sonju"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of currently open broker sessions.",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total broker sessions closed, by close reason.",
	}, []string{"reason"})

	toolCallsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Total rag_search tool dispatches, by outcome.",
	}, []string{"outcome"})

	toolCallDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Latency of rag_search tool dispatches.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	ragCacheTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rag_cache_total",
		Help:      "RAG cache lookups, by hit or miss.",
	}, []string{"result"})

	lowConfidenceHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "low_confidence_total",
		Help:      "Total rag_search answers flagged low-confidence.",
	})

	escalations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Total sessions escalated after repeated low-confidence answers.",
	})

	upstreamErrorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_errors_total",
		Help:      "Upstream realtime protocol errors, by code.",
	}, []string{"code"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		toolCallsTotal,
		toolCallDuration,
		ragCacheTotal,
		lowConfidenceHits,
		escalations,
		upstreamErrorsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		ToolCallsTotal:      toolCallsTotal,
		ToolCallDuration:    toolCallDuration,
		RAGCacheTotal:       ragCacheTotal,
		LowConfidenceHits:   lowConfidenceHits,
		Escalations:         escalations,
		UpstreamErrorsTotal: upstreamErrorsTotal,
	}
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTool(outcome string, seconds float64) {
	m.ToolCallsTotal.WithLabelValues(outcome).Inc()
	m.ToolCallDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.RAGCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.RAGCacheTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) RecordLowConfidence(escalated bool) {
	m.LowConfidenceHits.Inc()
	if escalated {
		m.Escalations.Inc()
	}
}

func (m *Metrics) RecordUpstreamError(code string) {
	m.UpstreamErrorsTotal.WithLabelValues(code).Inc()
}
