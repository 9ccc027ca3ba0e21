package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for memsandbox.
// Uses a custom registry, never the global one.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution outcomes, recorded once per terminal coordinator event.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ViolationsTotal   *prometheus.CounterVec

	// Slot occupancy.
	Executing      prometheus.Gauge
	AwaitingSlot   prometheus.Gauge
	MaxConcurrency prometheus.Gauge

	// Isolated child processes.
	ProcessRunsTotal    *prometheus.CounterVec
	ProcessRunDuration  prometheus.Histogram
	ProcessCrashesTotal prometheus.Counter

	// Gateways.
	RateLimitedTotal *prometheus.CounterVec
	AuditFailures    prometheus.Counter

	// HTTP gateway metrics.
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

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memsandbox",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by outcome kind.",
		}, []string{"outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memsandbox",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Wall time from validation to terminal state in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),

		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memsandbox",
			Subsystem: "sandbox",
			Name:      "violations_total",
			Help:      "Security violations by type and the stage that caught them.",
		}, []string{"violation_type", "stage"}),

		Executing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memsandbox",
			Subsystem: "sandbox",
			Name:      "executing",
			Help:      "Executions currently holding a slot.",
		}),

		AwaitingSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memsandbox",
			Subsystem: "sandbox",
			Name:      "awaiting_slot",
			Help:      "Executions waiting for a slot.",
		}),

		MaxConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memsandbox",
			Subsystem: "sandbox",
			Name:      "max_concurrency",
			Help:      "Configured executor slot count.",
		}),

		ProcessRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memsandbox",
			Subsystem: "process",
			Name:      "runs_total",
			Help:      "Isolated child process runs by status.",
		}, []string{"status"}),

		ProcessRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memsandbox",
			Subsystem: "process",
			Name:      "run_duration_seconds",
			Help:      "Isolated child process lifetime in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		ProcessCrashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memsandbox",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Child processes that exited without a terminal frame.",
		}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memsandbox",
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}, []string{"gateway"}),

		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memsandbox",
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Audit events that could not be written.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memsandbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memsandbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memsandbox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ViolationsTotal,
		m.Executing,
		m.AwaitingSlot,
		m.MaxConcurrency,
		m.ProcessRunsTotal,
		m.ProcessRunDuration,
		m.ProcessCrashesTotal,
		m.RateLimitedTotal,
		m.AuditFailures,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
