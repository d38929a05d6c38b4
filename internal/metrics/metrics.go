// Package metrics exposes the broker's Prometheus collectors and a
// small registry-backed extension API for ad hoc counters/gauges.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts cache provider hits, labeled by cache type.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "The total number of cache provider hits",
	}, []string{"cache_type"})

	// CacheMisses counts cache provider misses, labeled by cache type.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "The total number of cache provider misses",
	}, []string{"cache_type"})

	// HTTPRequests counts proxy requests, labeled by method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "The total number of HTTP requests handled by the proxy",
	}, []string{"method", "status"})

	// HTTPRequestDuration measures per-request latency, labeled by
	// method and endpoint.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Time taken to handle an HTTP request",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})

	// CircuitBreakerState reports the current state per upstream:
	// closed=0, half-open=0.5, open=1.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current circuit breaker state per upstream server (0=closed, 0.5=half-open, 1=open)",
	}, []string{"server"})

	// PoolActiveConnections tracks live upstream client connections.
	PoolActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_active_connections",
		Help: "Number of currently connected upstream tool servers",
	}, []string{"server"})

	// UpstreamToolCalls counts tool invocations routed through the pool.
	UpstreamToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_tool_calls_total",
		Help: "The total number of tool calls routed to upstream servers",
	}, []string{"server", "tool", "status"})

	// RateLimitDecisions counts allow/deny outcomes from the rate limiter.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_decisions_total",
		Help: "The total number of rate limiter decisions",
	}, []string{"endpoint", "decision"})

	// ContentFilterViolations counts secrets/PII redactions applied to tool output.
	ContentFilterViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_filter_violations_total",
		Help: "The total number of content filter violations found in tool output",
	}, []string{"kind"})
)

// Registry is a small extension point letting callers register and
// update ad hoc metrics beyond the fixed set above, without importing
// promauto at every call site.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry creates an empty extension registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// RegisterCounter registers (or returns the existing) counter vector
// named name with the given labels.
func (r *Registry) RegisterCounter(name, help string, labels ...string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := promauto.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.counters[name] = c
	return c
}

// RegisterGauge registers (or returns the existing) gauge vector named
// name with the given labels.
func (r *Registry) RegisterGauge(name, help string, labels ...string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.gauges[name] = g
	return g
}

// RegisterHistogram registers (or returns the existing) histogram
// vector named name with the given labels and buckets.
func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := promauto.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.histograms[name] = h
	return h
}

// Increment increments a previously-registered counter by one.
func (r *Registry) Increment(name string, labelValues ...string) {
	r.mu.Lock()
	c, ok := r.counters[name]
	r.mu.Unlock()
	if ok {
		c.WithLabelValues(labelValues...).Inc()
	}
}

// Set sets a previously-registered gauge's value.
func (r *Registry) Set(name string, value float64, labelValues ...string) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	r.mu.Unlock()
	if ok {
		g.WithLabelValues(labelValues...).Set(value)
	}
}

// Observe records a value against a previously-registered histogram.
func (r *Registry) Observe(name string, value float64, labelValues ...string) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	r.mu.Unlock()
	if ok {
		h.WithLabelValues(labelValues...).Observe(value)
	}
}

// BreakerStateValue maps a circuit breaker state name to the gauge
// value CircuitBreakerState expects: closed=0, half-open=0.5, open=1.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 0.5
	case "open":
		return 1
	default:
		return 0
	}
}
