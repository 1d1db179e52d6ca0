package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config selects which telemetry signals a buildmatrix process produces
// and where they go.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Environment is reported as the deployment.environment resource
	// attribute on spans (development, ci, ...).
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level        string // trace, debug, info, warn, error, fatal
	Format       string // console or json
	Output       string // stderr, stdout or a file path
	EnableCaller bool
	NoColor      bool
	TimeFormat   string // rfc3339, unix, unixms, kitchen
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool
	// Exporter is otlp, stdout or none.
	Exporter string
	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint           string
	Insecure           bool
	Headers            map[string]string
	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool
	// ListenAddress serves Path over HTTP when set. Collectors are
	// registered either way.
	ListenAddress           string
	Path                    string
	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the EventPublisher. With EnableAsync events are
// buffered and delivered in batches of up to MaxBatchSize, at least every
// FlushInterval.
type EventsConfig struct {
	Enabled       bool
	EnableAsync   bool
	BufferSize    int
	MaxBatchSize  int
	FlushInterval time.Duration
}

var (
	logLevels      = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats     = []string{"console", "json"}
	traceExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs to stderr in console format and collects metrics.
// Tracing and events start disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "buildmatrix",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "kitchen",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Insecure:           true,
			Headers:            map[string]string{},
			SamplingRate:       1,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "buildmatrix",
			// resolutions take milliseconds, jobs take minutes
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60, 300,
			},
		},
		Events: EventsConfig{
			EnableAsync:   true,
			BufferSize:    1000,
			MaxBatchSize:  100,
			FlushInterval: time.Second,
		},
	}
}

// CIConfig emits uncolored JSON logs with RFC 3339 timestamps and enables
// events.
func CIConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "ci"
	cfg.Logging.Format = "json"
	cfg.Logging.NoColor = true
	cfg.Logging.TimeFormat = "rfc3339"
	cfg.Events.Enabled = true
	return cfg
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName != "", "service name is required")
	check(c.ServiceVersion != "", "service version is required")
	check(slices.Contains(logLevels, c.Logging.Level), "invalid log level %q", c.Logging.Level)
	check(slices.Contains(logFormats, c.Logging.Format), "invalid log format %q (want console or json)", c.Logging.Format)
	if c.Tracing.Enabled {
		check(slices.Contains(traceExporters, c.Tracing.Exporter), "invalid trace exporter %q", c.Tracing.Exporter)
		check(c.Tracing.Exporter != "otlp" || c.Tracing.Endpoint != "", "otlp exporter requires an endpoint")
	}
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1,
		"trace sampling rate must be in [0, 1], got %g", c.Tracing.SamplingRate)
	if c.Events.Enabled {
		check(c.Events.BufferSize > 0, "event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return errors.Join(errs...)
}
