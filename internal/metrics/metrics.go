// Package metrics holds the agent's Prometheus metrics.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes every series.
const Namespace = "deployagent"

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	// Application metrics
	AppInfo             *prometheus.GaugeVec
	AppStartTimeSeconds prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	// Deployment metrics
	DeploymentsTotal          *prometheus.CounterVec
	DeploymentDurationSeconds *prometheus.HistogramVec
	LockConflictsTotal        *prometheus.CounterVec
	FetchesQueuedTotal        *prometheus.CounterVec

	// Job metrics
	JobInvocationsTotal   *prometheus.CounterVec
	JobRunDurationSeconds *prometheus.HistogramVec
	ScheduledJobs         *prometheus.GaugeVec
	ContinuousJobRestarts *prometheus.CounterVec

	// Unexpected failures reported through the analytics sink
	UnexpectedErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all metrics.
func NewMetrics(buildInfo map[string]string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.AppInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "app_info",
			Help:      "Application build information",
		},
		[]string{"version", "commit", "build_date", "go_version"},
	)

	m.AppStartTimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "app_start_time_seconds",
			Help:      "Unix timestamp of agent start",
		},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	m.DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deployments_total",
			Help:      "Completed deployments by outcome",
		},
		[]string{"project", "status"},
	)

	m.DeploymentDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Deployment duration from lock acquisition to outcome",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"project", "status"},
	)

	m.LockConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lock_conflicts_total",
			Help:      "Requests rejected because the deployment lock was busy",
		},
		[]string{"project", "source"},
	)

	m.FetchesQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetches_queued_total",
			Help:      "Fetch requests deferred to the current lock holder",
		},
		[]string{"project"},
	)

	m.JobInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "job_invocations_total",
			Help:      "Triggered job invocation attempts by result",
		},
		[]string{"project", "job", "result"},
	)

	m.JobRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Job run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
		},
		[]string{"project", "job", "status"},
	)

	m.ScheduledJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "scheduled_jobs",
			Help:      "Triggered jobs with an armed schedule",
		},
		[]string{"project"},
	)

	m.ContinuousJobRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "continuous_job_restarts_total",
			Help:      "Continuous job process restarts",
		},
		[]string{"project", "job"},
	)

	m.UnexpectedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "unexpected_errors_total",
			Help:      "Unexpected failures reported for operators",
		},
		[]string{"kind"},
	)

	m.register()

	m.AppInfo.WithLabelValues(
		buildInfo["version"],
		buildInfo["commit"],
		buildInfo["date"],
		runtime.Version(),
	).Set(1)

	m.AppStartTimeSeconds.Set(float64(time.Now().Unix()))

	return m
}

func (m *Metrics) register() {
	m.registry.MustRegister(
		m.AppInfo,
		m.AppStartTimeSeconds,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.DeploymentsTotal,
		m.DeploymentDurationSeconds,
		m.LockConflictsTotal,
		m.FetchesQueuedTotal,
		m.JobInvocationsTotal,
		m.JobRunDurationSeconds,
		m.ScheduledJobs,
		m.ContinuousJobRestarts,
		m.UnexpectedErrorsTotal,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
