package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "ci", mutate: func(c *Config) { *c = *CIConfig() }},
		{name: "no service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "log format"},
		{
			name: "bad exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "trace exporter",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "endpoint",
		},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling"},
		{
			name: "zero buffer",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.BufferSize = 0
			},
			wantErr: "buffer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Error("debug not parsed")
	}
	if ParseLevel("nonsense") != zerolog.InfoLevel {
		t.Error("unknown level should default to info")
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordResolution("succeeded", 30*time.Millisecond, 4)
	m.RecordResolution("failed", time.Millisecond, 0)
	m.RecordError("validation", "UNKNOWN_OS")
	m.RecordPolicyViolation("pinned-toolchain", "warning")
	m.RecordJobStarted()
	m.RecordJobStarted()
	m.RecordJobCompleted("local", "passed", time.Second)
	m.RecordReload("succeeded")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"resolutions succeeded", testutil.ToFloat64(m.resolutions.WithLabelValues("succeeded")), 1},
		{"resolutions failed", testutil.ToFloat64(m.resolutions.WithLabelValues("failed")), 1},
		{"matrix jobs", testutil.ToFloat64(m.matrixJobs), 4},
		{"errors by class", testutil.ToFloat64(m.errorsByClass.WithLabelValues("validation")), 1},
		{"errors by code", testutil.ToFloat64(m.errorsByCode.WithLabelValues("UNKNOWN_OS")), 1},
		{"policy", testutil.ToFloat64(m.policyViolations.WithLabelValues("pinned-toolchain", "warning")), 1},
		{"job runs", testutil.ToFloat64(m.jobRuns.WithLabelValues("local", "passed")), 1},
		{"active", testutil.ToFloat64(m.activeRuns), 1},
		{"reloads", testutil.ToFloat64(m.reloads.WithLabelValues("succeeded")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if m.Enabled() {
		t.Error("disabled metrics report enabled")
	}

	// no-ops must not panic
	m.RecordResolution("succeeded", time.Second, 1)
	m.RecordJobStarted()
	m.RecordJobCompleted("dry", "passed", 0)

	if srv := m.StartMetricsServer(zerolog.Nop()); srv != nil {
		t.Error("disabled metrics started a server")
	}
}

func TestMetricsHandler(t *testing.T) {
	m, _ := NewMetrics(DefaultConfig().Metrics)
	m.RecordResolution("succeeded", time.Millisecond, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "buildmatrix_resolutions_total") {
		t.Errorf("handler output missing resolutions counter:\n%s", body)
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "buildmatrix", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}

	ctx, span := tracer.StartResolutionSpan(context.Background(), "matrix.yaml")
	defer span.End()

	if TraceID(ctx) != "" {
		t.Error("disabled tracer produced a valid trace id")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTracerSampled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{
		Enabled:            true,
		Exporter:           "none",
		SamplingRate:       1,
		MaxExportBatchSize: 16,
		ExportTimeout:      time.Second,
	}, "buildmatrix", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartJobSpan(context.Background(), "linux", "linux", "dry")
	defer span.End()

	if TraceID(ctx) == "" || SpanID(ctx) == "" {
		t.Error("sampled span has no ids")
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    64,
		MaxBatchSize:  10,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var jobs []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		jobs = append(jobs, e.Job)
	}, FilterByType(EventTypeJobPassed))

	for _, job := range []string{"a", "b", "c"} {
		if err := ep.PublishJobResult("res-1", job, "dry", true, 0, 0); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	_ = ep.PublishResolutionStarted("matrix.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(jobs, ",") != "a,b,c" {
		t.Errorf("delivered jobs = %v, want [a b c] in order", jobs)
	}

	if err := ep.PublishResolutionStarted("matrix.yaml"); err == nil {
		t.Error("Publish() after Shutdown should fail")
	}
}

func TestEventPublisherFillsDefaults(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})

	var got Event
	ep.Subscribe(func(e Event) { got = e }, FilterByResolution("res-2"))
	_ = ep.Publish(Event{Type: EventTypeDefinitionReloaded, ResolutionID: "res-2"})

	if got.ID == "" || got.Timestamp.IsZero() {
		t.Errorf("event defaults not filled: %+v", got)
	}
	if got.Level != EventLevelInfo {
		t.Errorf("Level = %q, want info", got.Level)
	}
}

func TestPolicyViolationLevel(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})

	var levels []string
	ep.Subscribe(func(e Event) { levels = append(levels, e.Level) }, nil)
	_ = ep.PublishPolicyViolation("m.yaml", "linux", "pinned-toolchain", "warning", "floating")
	_ = ep.PublishPolicyViolation("m.yaml", "linux", "signed-sources", "critical", "unsigned")

	if strings.Join(levels, ",") != "warning,error" {
		t.Errorf("levels = %v", levels)
	}
}

func TestDisabledPublisher(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	if err := ep.PublishResolutionStarted("x"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if called {
		t.Error("disabled publisher delivered an event")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
