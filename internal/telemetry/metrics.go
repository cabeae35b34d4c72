package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records control API latency by method, route pattern,
// and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "previewctl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Control API request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"method", "route", "status"},
)

// SessionsCreatedTotal counts session creation attempts by tier and outcome
// (active/error).
var SessionsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "previewctl",
		Subsystem: "sessions",
		Name:      "created_total",
		Help:      "Total number of session creation attempts by tier and outcome.",
	},
	[]string{"tier", "outcome"},
)

// SessionsDestroyedTotal counts session teardowns by reason.
var SessionsDestroyedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "previewctl",
		Subsystem: "sessions",
		Name:      "destroyed_total",
		Help:      "Total number of session teardowns by reason.",
	},
	[]string{"reason"},
)

// ProviderRequestDuration records latency of calls into the provider
// adapter, by operation and outcome.
var ProviderRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "previewctl",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Provider adapter call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"op", "outcome"},
)

// SchedulerJobDuration records each periodic job's run duration.
var SchedulerJobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "previewctl",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Scheduled job run duration in seconds.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	},
	[]string{"job"},
)

// SchedulerJobOverrunsTotal counts jobs that exceeded their wall-time budget
// (period minus 10s).
var SchedulerJobOverrunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "previewctl",
		Subsystem: "scheduler",
		Name:      "job_overruns_total",
		Help:      "Total number of scheduled job runs that exceeded their wall-time budget.",
	},
	[]string{"job"},
)

// QuotaDecisionsTotal counts quota engine decisions by resource and outcome
// (allowed/denied/degraded/fail_open).
var QuotaDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "previewctl",
		Subsystem: "quota",
		Name:      "decisions_total",
		Help:      "Total number of quota engine decisions by resource and outcome.",
	},
	[]string{"resource", "outcome"},
)

// All returns every previewctl-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		SessionsCreatedTotal,
		SessionsDestroyedTotal,
		ProviderRequestDuration,
		SchedulerJobDuration,
		SchedulerJobOverrunsTotal,
		QuotaDecisionsTotal,
	}
}
