// Package monitoring - metrics.go provides in-memory counters for /stats.
//
// DESIGN: Lightweight atomic counters for operational metrics:
//   - requests/successes: Total and successful request counts
//   - routes:             Decisions per routing rule
//   - tools:              Agent tool calls, failures and continuations
//   - tokens:             Input/output tokens reported by upstreams
//
// Every Record* call is mirrored to Prometheus when a PromMetrics is attached.
package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time
	prom      *PromMetrics

	// Request counters
	requests  atomic.Int64
	successes atomic.Int64

	// Tool interception counters
	toolCalls            atomic.Int64
	toolFailures         atomic.Int64
	continuations        atomic.Int64
	continuationFailures atomic.Int64

	// Token counters (from upstream usage)
	totalInputTokens  atomic.Int64
	totalOutputTokens atomic.Int64

	routesMu sync.Mutex
	routes   map[string]int64 // rule -> count
}

// NewMetricsCollector creates a new metrics collector. prom may be nil.
func NewMetricsCollector(prom *PromMetrics) *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
		prom:      prom,
		routes:    make(map[string]int64),
	}
}

// RecordRequest records a finished request.
func (mc *MetricsCollector) RecordRequest(provider string, status int, d time.Duration) {
	mc.requests.Add(1)
	if status >= 200 && status < 400 {
		mc.successes.Add(1)
	}
	if mc.prom != nil {
		mc.prom.observeRequest(provider, status, d)
	}
}

// RecordRoute records a routing decision.
func (mc *MetricsCollector) RecordRoute(rule, target string) {
	mc.routesMu.Lock()
	mc.routes[rule]++
	mc.routesMu.Unlock()
	if mc.prom != nil {
		mc.prom.Routes.WithLabelValues(rule, target).Inc()
	}
}

// RecordToolCall records an intercepted agent tool call.
func (mc *MetricsCollector) RecordToolCall(tool string, ok bool) {
	mc.toolCalls.Add(1)
	if !ok {
		mc.toolFailures.Add(1)
	}
	if mc.prom != nil {
		mc.prom.ToolCalls.WithLabelValues(tool, okLabel(ok)).Inc()
	}
}

// RecordContinuation records a continuation request.
func (mc *MetricsCollector) RecordContinuation(ok bool) {
	mc.continuations.Add(1)
	if !ok {
		mc.continuationFailures.Add(1)
	}
	if mc.prom != nil {
		mc.prom.Continuations.WithLabelValues(okLabel(ok)).Inc()
	}
}

// RecordAPIUsage records actual token usage from the API response.
func (mc *MetricsCollector) RecordAPIUsage(target string, inputTokens, outputTokens int) {
	mc.totalInputTokens.Add(int64(inputTokens))
	mc.totalOutputTokens.Add(int64(outputTokens))
	if mc.prom != nil {
		mc.prom.Tokens.WithLabelValues(target, "input").Add(float64(inputTokens))
		mc.prom.Tokens.WithLabelValues(target, "output").Add(float64(outputTokens))
	}
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	requests := mc.requests.Load()
	successes := mc.successes.Load()

	mc.routesMu.Lock()
	rules := make([]string, 0, len(mc.routes))
	for rule := range mc.routes {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	routes := make([]RouteStat, 0, len(rules))
	for _, rule := range rules {
		routes = append(routes, RouteStat{Rule: rule, Count: mc.routes[rule]})
	}
	mc.routesMu.Unlock()

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:      requests,
			Successful: successes,
			Failed:     requests - successes,
		},
		Tokens: TokenStats{
			InputTokens:  mc.totalInputTokens.Load(),
			OutputTokens: mc.totalOutputTokens.Load(),
		},
		Tools: ToolStats{
			Calls:                mc.toolCalls.Load(),
			Failures:             mc.toolFailures.Load(),
			Continuations:        mc.continuations.Load(),
			ContinuationFailures: mc.continuationFailures.Load(),
		},
		Routes: routes,
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string       `json:"uptime"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartedAt     string       `json:"started_at"`
	Requests      RequestStats `json:"requests"`
	Tokens        TokenStats   `json:"tokens"`
	Tools         ToolStats    `json:"tools"`
	Routes        []RouteStat  `json:"routes"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// TokenStats holds upstream-reported token totals.
type TokenStats struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ToolStats holds tool interception metrics.
type ToolStats struct {
	Calls                int64 `json:"calls"`
	Failures             int64 `json:"failures"`
	Continuations        int64 `json:"continuations"`
	ContinuationFailures int64 `json:"continuation_failures"`
}

// RouteStat is the number of decisions taken by one rule.
type RouteStat struct {
	Rule  string `json:"rule"`
	Count int64  `json:"count"`
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
