package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics holds the Prometheus metrics served on /metrics.
type PromMetrics struct {
	registry *prometheus.Registry

	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	Routes            *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	Continuations     *prometheus.CounterVec
	Tokens            *prometheus.CounterVec
}

// NewPromMetrics creates the metrics on a private registry.
func NewPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &PromMetrics{
		registry: reg,

		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_request_total",
			Help: "Requests forwarded to upstream providers.",
		}, []string{"provider", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccr_request_duration_ms",
			Help:    "Request duration in milliseconds, including streaming.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000},
		}, []string{"provider"}),

		Routes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_route_total",
			Help: "Routing decisions by rule and target.",
		}, []string{"rule", "target"}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_tool_call_total",
			Help: "Intercepted agent tool calls.",
		}, []string{"tool", "result"}),

		Continuations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_continuation_total",
			Help: "Continuation requests issued after agent tool calls.",
		}, []string{"result"}),

		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_tokens_total",
			Help: "Tokens reported by upstream usage.",
		}, []string{"target", "direction"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *PromMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *PromMetrics) observeRequest(provider string, status int, d time.Duration) {
	m.RequestTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	m.RequestDurationMs.WithLabelValues(provider).Observe(float64(d.Milliseconds()))
}
