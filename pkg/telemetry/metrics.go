package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for matrix resolution and job runs.
// A Metrics built from a disabled config is a no-op.
type Metrics struct {
	config MetricsConfig

	// Resolution metrics
	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	matrixJobs         prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	// Job run metrics
	jobRuns        *prometheus.CounterVec
	jobRunDuration *prometheus.HistogramVec
	activeRuns     prometheus.Gauge

	// Definition watch metrics
	reloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of matrix resolutions by outcome",
			},
			[]string{"status"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Time spent loading, expanding and checking a matrix definition",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		matrixJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "matrix_jobs",
				Help:      "Number of jobs in the most recently resolved matrix",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by code",
			},
			[]string{"code"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy findings by policy and severity",
			},
			[]string{"policy", "severity"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Total number of job runs by runner and outcome",
			},
			[]string{"runner", "status"},
		),
		jobRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_run_duration_seconds",
				Help:      "Job run duration in seconds",
				Buckets:   buckets,
			},
			[]string{"runner"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of jobs currently running",
			},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "definition_reloads_total",
				Help:      "Total number of definition reloads triggered by file changes",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.resolutions,
		m.resolutionDuration,
		m.matrixJobs,
		m.errorsByClass,
		m.errorsByCode,
		m.policyViolations,
		m.jobRuns,
		m.jobRunDuration,
		m.activeRuns,
		m.reloads,
	)

	return m, nil
}

// Enabled reports whether the collector records anything.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the registry backing the collector, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordResolution records a finished resolution. jobs is ignored for
// failed resolutions.
func (m *Metrics) RecordResolution(status string, duration time.Duration, jobs int) {
	if m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(status).Inc()
	m.resolutionDuration.WithLabelValues(status).Observe(duration.Seconds())
	if status == "succeeded" {
		m.matrixJobs.Set(float64(jobs))
	}
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordPolicyViolation records one policy finding.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// RecordJobStarted marks a job as running.
func (m *Metrics) RecordJobStarted() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordJobCompleted records a finished job run.
func (m *Metrics) RecordJobCompleted(runner, status string, duration time.Duration) {
	if m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(runner, status).Inc()
	m.jobRunDuration.WithLabelValues(runner).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordReload records a definition reload triggered by the watcher.
func (m *Metrics) RecordReload(status string) {
	if m.reloads == nil {
		return
	}
	m.reloads.WithLabelValues(status).Inc()
}

// Timer measures one operation from NewTimer on.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration is the time elapsed so far.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint on the configured listen
// address. It returns nil when metrics are disabled or no address is set;
// callers stop the server with Shutdown.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("path", path).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	return server
}
