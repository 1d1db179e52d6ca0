package engine

import "context"

// PipelineRunner executes one matrix entry: its shell actions in order, then
// the pipeline script with the entry's environment, restoring cache
// directories before and persisting them after.
//
// Implementations may run entries concurrently; each entry is self-contained.
// The returned result is passed through uninterpreted.
type PipelineRunner interface {
	// Run executes the entry and reports pass/fail with captured logs.
	// An error means the runner itself failed, not the job.
	Run(ctx context.Context, entry MatrixEntry) (*RunResult, error)

	// Name identifies the runner (e.g., "local", "ssh").
	Name() string
}
