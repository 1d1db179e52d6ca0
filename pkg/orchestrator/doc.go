// Package orchestrator resolves build-matrix definitions end to end.
//
// Resolve loads a definition, expands it with engine.Build, evaluates the
// emitted matrix against the policy engine and records the outcome in a
// store. Run hands each entry of a resolved matrix to a PipelineRunner in
// emitted order and records every job run. Both report through the
// telemetry bundle they were given: spans, metrics, structured logs and
// events.
//
// Every collaborator is optional. An orchestrator built with New() alone
// behaves like engine.Build over a file.
package orchestrator
