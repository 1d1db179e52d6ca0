package runner

import (
	"context"
	"sync"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

// DryRunner executes nothing. Every job passes and its log is the script
// that would have run.
type DryRunner struct {
	opts ScriptOptions

	mu   sync.Mutex
	seen []engine.MatrixEntry
}

var _ engine.PipelineRunner = (*DryRunner)(nil)

// NewDryRunner creates a dry runner rendering scripts with opts.
func NewDryRunner(opts ScriptOptions) *DryRunner {
	return &DryRunner{opts: opts}
}

// Name implements engine.PipelineRunner.
func (r *DryRunner) Name() string { return "dry" }

// Run implements engine.PipelineRunner.
func (r *DryRunner) Run(ctx context.Context, entry engine.MatrixEntry) (*engine.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	script, err := RenderScript(entry, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.seen = append(r.seen, entry)
	r.mu.Unlock()

	return &engine.RunResult{
		Job:    entry.Name,
		Passed: true,
		Logs:   script,
	}, nil
}

// Entries returns the entries run so far, in call order.
func (r *DryRunner) Entries() []engine.MatrixEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.MatrixEntry(nil), r.seen...)
}
