package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/buildmatrix/pkg/config"
	"github.com/openfroyo/buildmatrix/pkg/engine"
	"github.com/openfroyo/buildmatrix/pkg/policy"
	"github.com/openfroyo/buildmatrix/pkg/stores"
	"github.com/openfroyo/buildmatrix/pkg/telemetry"
)

// Result is one resolved definition.
type Result struct {
	// ID is the stored resolution ID, or empty when nothing was recorded.
	ID string

	// PreviousID is the most recent stored resolution that emitted an
	// identical matrix, if any.
	PreviousID string

	// Source is the definition file.
	Source string

	// Format is the syntax the definition was written in.
	Format config.Format

	// Matrix is the emitted matrix. It is nil when expansion failed.
	Matrix *engine.Matrix

	// Fingerprint identifies the matrix content.
	Fingerprint string

	// Policy is the policy evaluation, or nil when no policy engine is set.
	Policy *policy.Result

	// Duration is how long the resolution took.
	Duration time.Duration
}

// JobOutcome is the result of handing one entry to a runner.
type JobOutcome struct {
	Job    string
	Result *engine.RunResult
	Err    error
}

// Status reports the stored run status of the outcome.
func (o JobOutcome) Status() stores.JobRunStatus {
	switch {
	case o.Err != nil:
		return stores.JobRunStatusError
	case o.Result != nil && o.Result.Passed:
		return stores.JobRunStatusPassed
	default:
		return stores.JobRunStatusFailed
	}
}

// RunSummary aggregates the outcomes of a run.
type RunSummary struct {
	Runner   string
	Outcomes []JobOutcome
	Passed   int
	Failed   int
	Errored  int
	Duration time.Duration
}

// OK reports whether every job passed.
func (s *RunSummary) OK() bool {
	return s.Failed == 0 && s.Errored == 0
}

// Orchestrator ties loading, expansion, policy checks, persistence and
// execution together.
type Orchestrator struct {
	loader  *config.Loader
	policy  *policy.Engine
	store   stores.Store
	tel     *telemetry.Telemetry
	enforce bool
	logger  zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLoader sets the definition loader.
func WithLoader(loader *config.Loader) Option {
	return func(o *Orchestrator) { o.loader = loader }
}

// WithPolicyEngine enables policy evaluation of every emitted matrix.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(o *Orchestrator) { o.policy = e }
}

// WithStore records resolutions and job runs.
func WithStore(s stores.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithTelemetry sets the logging, tracing, metrics and event sinks.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = t }
}

// WithEnforcement makes blocking policy violations fail the resolution.
func WithEnforcement(enforce bool) Option {
	return func(o *Orchestrator) { o.enforce = enforce }
}

// New creates an orchestrator. Without options it loads definitions with
// a default loader, skips policy checks and records nothing.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{}
	for _, opt := range opts {
		opt(o)
	}
	if o.tel == nil {
		o.tel = telemetry.Nop()
	}
	o.logger = o.tel.Logger.NewComponentLogger("orchestrator").Zerolog()
	if o.loader == nil {
		o.loader = config.NewLoader(config.WithLogger(o.logger))
	}
	return o
}

// Loader returns the loader used for definitions.
func (o *Orchestrator) Loader() *config.Loader { return o.loader }

// Resolve loads the definition at path and resolves it.
func (o *Orchestrator) Resolve(ctx context.Context, path string) (*Result, error) {
	doc, err := o.loader.Load(ctx, path)
	if err != nil {
		format, _ := config.FormatFromPath(path)
		ctx, span := o.tel.Tracer.StartResolutionSpan(ctx, path)
		defer span.End()
		o.tel.Events.PublishResolutionStarted(path)

		result := &Result{Source: path, Format: format}
		return result, o.fail(ctx, span, result, err, time.Now())
	}
	return o.ResolveDocument(ctx, doc)
}

// ResolveDocument expands an already loaded document, checks the matrix
// against policy and records the outcome. When policy enforcement rejects
// the matrix, the returned result still carries the matrix and findings.
func (o *Orchestrator) ResolveDocument(ctx context.Context, doc *config.Document) (*Result, error) {
	start := time.Now()
	ctx, span := o.tel.Tracer.StartResolutionSpan(ctx, doc.Source)
	defer span.End()
	span.SetAttributes(telemetry.AttrFormat.String(string(doc.Format)))

	o.tel.Events.PublishResolutionStarted(doc.Source)
	result := &Result{Source: doc.Source, Format: doc.Format}

	matrix, err := engine.Build(doc.Definition())
	if err != nil {
		return result, o.fail(ctx, span, result, err, start)
	}
	result.Matrix = matrix

	if result.Fingerprint, err = matrix.Fingerprint(); err != nil {
		return result, o.fail(ctx, span, result, err, start)
	}
	span.SetAttributes(
		telemetry.AttrFingerprint.String(result.Fingerprint),
		telemetry.AttrJobCount.Int(matrix.Len()),
	)

	if o.policy != nil {
		if result.Policy, err = o.policy.EvaluateSource(ctx, matrix, doc.Source); err != nil {
			return result, o.fail(ctx, span, result, fmt.Errorf("policy evaluation: %w", err), start)
		}
		o.reportFindings(result)
		if o.enforce && !result.Policy.Allowed {
			return result, o.fail(ctx, span, result, policyError(result.Policy), start)
		}
	}

	if err := o.record(ctx, result, stores.ResolutionStatusSucceeded, nil); err != nil {
		telemetry.RecordError(span, err)
		return result, err
	}

	result.Duration = time.Since(start)
	if result.ID != "" {
		span.SetAttributes(telemetry.AttrResolutionID.String(result.ID))
	}
	telemetry.RecordSuccess(span)
	o.tel.Metrics.RecordResolution(string(stores.ResolutionStatusSucceeded), result.Duration, matrix.Len())
	o.tel.Events.PublishResolutionSucceeded(doc.Source, result.ID, matrix.Len(), result.Duration)

	o.logger.Info().
		Str("source", doc.Source).
		Str("resolution_id", result.ID).
		Int("jobs", matrix.Len()).
		Dur("duration", result.Duration).
		Msg("definition resolved")

	return result, nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, result *Result, cause error, start time.Time) error {
	result.Duration = time.Since(start)
	telemetry.RecordError(span, cause)

	class, code := classify(cause)
	o.tel.Metrics.RecordError(class, code)
	o.tel.Metrics.RecordResolution(string(stores.ResolutionStatusFailed), result.Duration, 0)

	msg := cause.Error()
	if err := o.record(ctx, result, stores.ResolutionStatusFailed, &msg); err != nil {
		o.logger.Warn().Err(err).Str("source", result.Source).Msg("failed to record resolution")
	}
	o.tel.Events.PublishResolutionFailed(result.Source, result.ID, cause)

	o.logger.Error().
		Err(cause).
		Str("source", result.Source).
		Str("error_class", class).
		Msg("resolution failed")

	return cause
}

// record stores the resolution and its jobs. It is a no-op without a store.
func (o *Orchestrator) record(ctx context.Context, result *Result, status stores.ResolutionStatus, errMsg *string) error {
	if o.store == nil {
		return nil
	}

	if result.Fingerprint != "" && status == stores.ResolutionStatusSucceeded {
		prev, err := o.store.FindResolutionByFingerprint(ctx, result.Fingerprint)
		switch {
		case err == nil:
			result.PreviousID = prev.ID
		case !errors.Is(err, stores.ErrNotFound):
			return fmt.Errorf("failed to look up fingerprint: %w", err)
		}
	}

	resolution := &stores.Resolution{
		ID:          uuid.New().String(),
		Source:      result.Source,
		Format:      string(result.Format),
		Fingerprint: result.Fingerprint,
		Status:      status,
		Error:       errMsg,
		CreatedAt:   time.Now().UTC(),
	}

	if result.Policy != nil {
		data, err := json.Marshal(result.Policy)
		if err != nil {
			return fmt.Errorf("failed to encode policy result: %w", err)
		}
		encoded := string(data)
		resolution.Policy = &encoded
	}

	var jobs []*stores.Job
	if result.Matrix != nil {
		data, err := result.Matrix.Bytes(engine.FormatCBOR)
		if err != nil {
			return fmt.Errorf("failed to encode matrix: %w", err)
		}
		resolution.Matrix = data

		for i, entry := range result.Matrix.Entries {
			body, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode job %s: %w", entry.Name, err)
			}
			jobs = append(jobs, &stores.Job{
				ResolutionID:     resolution.ID,
				Position:         i,
				Name:             entry.Name,
				OperatingSystem:  string(entry.OperatingSystem),
				Distribution:     entry.DistributionTag,
				ToolchainVersion: entry.ToolchainVersion,
				Entry:            string(body),
			})
		}
	}

	if err := o.store.CreateResolution(ctx, resolution, jobs); err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	result.ID = resolution.ID
	return nil
}

func (o *Orchestrator) reportFindings(result *Result) {
	for _, v := range result.Policy.Findings() {
		o.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		o.tel.Events.PublishPolicyViolation(result.Source, v.Job, v.Policy, string(v.Severity), v.Message)

		event := o.logger.Warn()
		if v.Severity.Blocking() {
			event = o.logger.Error()
		}
		event.Str("policy", v.Policy).Str("job", v.Job).Str("severity", string(v.Severity)).Msg(v.Message)
	}
}

func policyError(res *policy.Result) error {
	msgs := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		if !v.Severity.Blocking() {
			continue
		}
		if v.Job != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s: %s", v.Policy, v.Job, v.Message))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return engine.NewValidationError("policy", strings.Join(msgs, "; ")).WithCode(engine.ErrCodePolicy)
}

// classify maps an error onto the metric labels it is counted under.
func classify(err error) (class, code string) {
	var me *engine.MatrixError
	if errors.As(err, &me) {
		return string(me.Class), me.Code
	}
	var diags config.Diagnostics
	if errors.As(err, &diags) {
		return string(engine.ErrorClassValidation), engine.ErrCodeValidation
	}
	return "internal", ""
}

// Run hands each entry of the resolved matrix to runner in emitted order.
// A failing job does not stop later jobs; only cancellation of ctx does.
func (o *Orchestrator) Run(ctx context.Context, result *Result, runner engine.PipelineRunner) (*RunSummary, error) {
	if result == nil || result.Matrix == nil {
		return nil, engine.NewValidationError("matrix", "nothing to run").WithCode(engine.ErrCodeValidation)
	}

	start := time.Now()
	summary := &RunSummary{Runner: runner.Name()}
	logger := o.logger.With().Str("runner", runner.Name()).Str("resolution_id", result.ID).Logger()

	for _, entry := range result.Matrix.Entries {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}

		outcome := o.runJob(ctx, result, runner, entry)
		if outcome.Err != nil && ctx.Err() != nil {
			summary.Duration = time.Since(start)
			return summary, ctx.Err()
		}

		summary.Outcomes = append(summary.Outcomes, outcome)
		switch outcome.Status() {
		case stores.JobRunStatusPassed:
			summary.Passed++
		case stores.JobRunStatusFailed:
			summary.Failed++
		default:
			summary.Errored++
		}
	}

	summary.Duration = time.Since(start)
	logger.Info().
		Int("passed", summary.Passed).
		Int("failed", summary.Failed).
		Int("errored", summary.Errored).
		Dur("duration", summary.Duration).
		Msg("run finished")

	return summary, nil
}

func (o *Orchestrator) runJob(ctx context.Context, result *Result, runner engine.PipelineRunner, entry engine.MatrixEntry) JobOutcome {
	ctx, span := o.tel.Tracer.StartJobSpan(ctx, entry.Name, string(entry.OperatingSystem), runner.Name())
	defer span.End()
	if result.ID != "" {
		span.SetAttributes(telemetry.AttrResolutionID.String(result.ID))
	}

	o.tel.Metrics.RecordJobStarted()
	started := time.Now().UTC()
	res, err := runner.Run(ctx, entry)
	completed := time.Now().UTC()
	if res == nil && err == nil {
		err = fmt.Errorf("runner %s returned no result", runner.Name())
	}

	outcome := JobOutcome{Job: entry.Name, Result: res, Err: err}
	status := outcome.Status()

	duration := completed.Sub(started)
	if res != nil && res.Duration > 0 {
		duration = res.Duration
	}
	o.tel.Metrics.RecordJobCompleted(runner.Name(), string(status), duration)

	run := &stores.JobRun{
		ID:           uuid.New().String(),
		ResolutionID: result.ID,
		JobName:      entry.Name,
		Runner:       runner.Name(),
		Status:       status,
		Duration:     duration,
		StartedAt:    started,
		CompletedAt:  completed,
	}

	switch {
	case err != nil:
		telemetry.RecordError(span, err)
		msg := err.Error()
		run.Error = &msg
		run.ExitCode = -1
		o.logger.Error().Err(err).Str("job", entry.Name).Str("runner", runner.Name()).Msg("runner error")
	default:
		span.SetAttributes(telemetry.AttrPassed.Bool(res.Passed))
		run.ExitCode = res.ExitCode
		run.Logs = res.Logs
		if res.Passed {
			telemetry.RecordSuccess(span)
		} else {
			telemetry.RecordError(span, fmt.Errorf("job %s exited with %d", entry.Name, res.ExitCode))
		}
	}
	o.tel.Events.PublishJobResult(result.ID, entry.Name, runner.Name(), status == stores.JobRunStatusPassed, run.ExitCode, duration)

	if o.store != nil && result.ID != "" {
		// the run outlives a cancelled job context
		if err := o.store.RecordJobRun(context.WithoutCancel(ctx), run); err != nil {
			o.logger.Warn().Err(err).Str("job", entry.Name).Msg("failed to record job run")
		}
	}

	return outcome
}
