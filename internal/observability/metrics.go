package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for rlm.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec
	LLMCostTotal       *prometheus.CounterVec

	// Rate limiter.
	RateLimitWaits       *prometheus.CounterVec
	RateLimitWaitSeconds *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Daemon worker pool.
	PoolWorkers       *prometheus.GaugeVec
	PoolQueueDepth    prometheus.Gauge
	PoolRejectedTotal prometheus.Counter
	PoolRetiredTotal  *prometheus.CounterVec

	// Daemon IPC.
	IPCConnections     prometheus.Gauge
	IPCRequestsTotal   *prometheus.CounterVec
	IPCRequestDuration *prometheus.HistogramVec

	// Admin HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		LLMCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "cost_usd_total",
			Help:      "Total LLM spend in USD.",
		}, []string{"provider", "model"}),

		RateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "ratelimit",
			Name:      "waits_total",
			Help:      "Requests that had to wait for a rate limit token.",
		}, []string{"provider"}),

		RateLimitWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a rate limit token.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"provider"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"backend", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		PoolWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rlm",
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Worker slots by state.",
		}, []string{"state"}),

		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rlm",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Requests waiting for a worker.",
		}),

		PoolRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "pool",
			Name:      "rejected_total",
			Help:      "Requests rejected because the pool and its queue were full.",
		}),

		PoolRetiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "pool",
			Name:      "retired_total",
			Help:      "Workers destroyed and replaced.",
		}, []string{"reason"}),

		IPCConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rlm",
			Subsystem: "ipc",
			Name:      "connections",
			Help:      "Open client connections.",
		}),

		IPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Total IPC requests.",
		}, []string{"method", "status"}),

		IPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "ipc",
			Name:      "request_duration_seconds",
			Help:      "IPC request duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rlm",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.LLMCostTotal,
		m.RateLimitWaits,
		m.RateLimitWaitSeconds,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.PoolWorkers,
		m.PoolQueueDepth,
		m.PoolRejectedTotal,
		m.PoolRetiredTotal,
		m.IPCConnections,
		m.IPCRequestsTotal,
		m.IPCRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveRateLimitWait records one wait. Its signature matches
// ratelimit.WithWaitObserver. Nil-safe.
func (m *MetricsCollector) ObserveRateLimitWait(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWaits.WithLabelValues(provider).Inc()
	m.RateLimitWaitSeconds.WithLabelValues(provider).Observe(d.Seconds())
}
