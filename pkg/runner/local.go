package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

// ErrPlatformMismatch is returned when a runner cannot host an entry's
// operating system.
var ErrPlatformMismatch = errors.New("platform mismatch")

// HostOS reports the operating system of the current process, or "" when
// it is not one the engine resolves.
func HostOS() engine.OperatingSystem {
	switch runtime.GOOS {
	case "linux":
		return engine.OSLinux
	case "darwin":
		return engine.OSMacOS
	case "windows":
		return engine.OSWindows
	default:
		return ""
	}
}

// LocalRunner runs entries on this machine through "sh -c". Cache
// directories are restored from and persisted to a cache root on the local
// filesystem.
type LocalRunner struct {
	workDir   string
	cacheRoot string
	shell     string
	anyOS     bool
	logger    zerolog.Logger
}

var _ engine.PipelineRunner = (*LocalRunner)(nil)

// LocalOption configures a LocalRunner.
type LocalOption func(*LocalRunner)

// WithWorkDir sets the directory jobs run in. Defaults to the process
// working directory.
func WithWorkDir(dir string) LocalOption {
	return func(r *LocalRunner) { r.workDir = dir }
}

// WithCacheRoot sets where cache directories are persisted. Empty disables
// caching.
func WithCacheRoot(dir string) LocalOption {
	return func(r *LocalRunner) { r.cacheRoot = dir }
}

// WithShell overrides the shell binary (default "sh").
func WithShell(shell string) LocalOption {
	return func(r *LocalRunner) { r.shell = shell }
}

// WithAnyPlatform runs entries regardless of their operating system.
func WithAnyPlatform() LocalOption {
	return func(r *LocalRunner) { r.anyOS = true }
}

// WithLocalLogger sets the runner's logger.
func WithLocalLogger(logger zerolog.Logger) LocalOption {
	return func(r *LocalRunner) { r.logger = logger }
}

// NewLocalRunner creates a local runner.
func NewLocalRunner(opts ...LocalOption) *LocalRunner {
	r := &LocalRunner{
		shell:  "sh",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "runner").Str("runner", r.Name()).Logger()
	return r
}

// Name implements engine.PipelineRunner.
func (r *LocalRunner) Name() string { return "local" }

// Run implements engine.PipelineRunner. A job that exits non-zero yields a
// failed result; errors are reserved for the runner itself.
func (r *LocalRunner) Run(ctx context.Context, entry engine.MatrixEntry) (*engine.RunResult, error) {
	if !r.anyOS && entry.OperatingSystem != HostOS() {
		return nil, fmt.Errorf("%w: job %s targets %s, host is %s",
			ErrPlatformMismatch, entry.Name, entry.OperatingSystem, runtime.GOOS)
	}

	script, err := RenderScript(entry, ScriptOptions{})
	if err != nil {
		return nil, err
	}

	workDir := r.workDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	logger := r.logger.With().Str("job", entry.Name).Logger()
	start := time.Now()

	r.restoreCaches(entry, workDir, logger)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, r.shell, "-c", script)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	cmd.Stdout = &out
	cmd.Stderr = &out
	// background children may hold the output pipe after sh is killed
	cmd.WaitDelay = 2 * time.Second

	logger.Debug().Int("actions", len(entry.Actions)).Msg("starting job")
	runErr := cmd.Run()

	result := &engine.RunResult{
		Job:      entry.Name,
		Passed:   runErr == nil,
		Logs:     out.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("job %s: %w", entry.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("job %s: %w", entry.Name, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if result.Passed {
		r.persistCaches(entry, workDir, logger)
	}

	logger.Info().
		Bool("passed", result.Passed).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("job finished")

	return result, nil
}

func (r *LocalRunner) restoreCaches(entry engine.MatrixEntry, workDir string, logger zerolog.Logger) {
	if r.cacheRoot == "" {
		return
	}
	for _, dir := range entry.CacheDirectories {
		target, err := resolveDir(dir, workDir)
		if err != nil {
			logger.Warn().Err(err).Str("cache", dir).Msg("cannot resolve cache directory")
			continue
		}
		restored, err := replaceDir(filepath.Join(r.cacheRoot, CacheKey(entry.Name, dir)), target)
		if err != nil {
			logger.Warn().Err(err).Str("cache", dir).Msg("cache restore failed")
			continue
		}
		logger.Debug().Str("cache", dir).Bool("hit", restored).Msg("cache restore")
	}
}

func (r *LocalRunner) persistCaches(entry engine.MatrixEntry, workDir string, logger zerolog.Logger) {
	if r.cacheRoot == "" {
		return
	}
	if err := os.MkdirAll(r.cacheRoot, 0o755); err != nil {
		logger.Warn().Err(err).Msg("cannot create cache root")
		return
	}
	for _, dir := range entry.CacheDirectories {
		source, err := resolveDir(dir, workDir)
		if err != nil {
			logger.Warn().Err(err).Str("cache", dir).Msg("cannot resolve cache directory")
			continue
		}
		saved, err := replaceDir(source, filepath.Join(r.cacheRoot, CacheKey(entry.Name, dir)))
		if err != nil {
			logger.Warn().Err(err).Str("cache", dir).Msg("cache persist failed")
			continue
		}
		logger.Debug().Str("cache", dir).Bool("saved", saved).Msg("cache persist")
	}
}
