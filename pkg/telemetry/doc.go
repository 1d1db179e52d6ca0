// Package telemetry provides observability for buildmatrix: structured
// logging (zerolog), tracing (OpenTelemetry), metrics (Prometheus) and an
// in-process event publisher.
//
// Initialize once at startup and pass the bundle to components:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9090"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv := tel.Metrics.StartMetricsServer(tel.Logger.Zerolog())
//	defer srv.Shutdown(context.Background())
//
// # Logging
//
// Loggers are derived per component and enriched with resolution and job
// fields:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger.WithResolutionID(id).WithJob("linux", "linux").Info("job passed")
//
// Packages that take a plain zerolog.Logger receive tel.Logger.Zerolog().
//
// # Tracing
//
// Each resolution runs under a "matrix.resolve" span and each job run under
// a "job.run" span. Exporters are otlp (gRPC), stdout and none.
//
// # Metrics
//
// Metrics live in a private registry under the "buildmatrix" namespace:
//
//	buildmatrix_resolutions_total{status}
//	buildmatrix_resolution_duration_seconds{status}
//	buildmatrix_matrix_jobs
//	buildmatrix_errors_by_class_total{class}
//	buildmatrix_errors_by_code_total{code}
//	buildmatrix_policy_violations_total{policy,severity}
//	buildmatrix_job_runs_total{runner,status}
//	buildmatrix_job_run_duration_seconds{runner}
//	buildmatrix_active_runs
//	buildmatrix_definition_reloads_total{status}
//
// # Events
//
// The EventPublisher delivers resolution, job, policy and reload events to
// subscribers in publish order. With EnableAsync the events are buffered
// and batched; Shutdown delivers whatever is still buffered.
package telemetry
