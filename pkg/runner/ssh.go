package runner

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/buildmatrix/pkg/engine"
	"github.com/openfroyo/buildmatrix/pkg/transports/ssh"
)

// SSHRunner runs entries on a remote build host. Each job's script is
// uploaded over sftp, executed with sh, and removed afterwards. Caches live
// on the remote host under the cache root.
type SSHRunner struct {
	transport ssh.Transport
	platform  engine.OperatingSystem
	workDir   string
	scriptDir string
	cacheRoot string
	logger    zerolog.Logger
}

var _ engine.PipelineRunner = (*SSHRunner)(nil)

// SSHOption configures an SSHRunner.
type SSHOption func(*SSHRunner)

// WithRemotePlatform restricts the runner to entries for os. By default
// every entry is attempted.
func WithRemotePlatform(os engine.OperatingSystem) SSHOption {
	return func(r *SSHRunner) { r.platform = os }
}

// WithRemoteWorkDir sets the directory jobs run in on the remote host.
func WithRemoteWorkDir(dir string) SSHOption {
	return func(r *SSHRunner) { r.workDir = dir }
}

// WithScriptDir sets where job scripts are uploaded. Relative paths are
// resolved against the login directory.
func WithScriptDir(dir string) SSHOption {
	return func(r *SSHRunner) { r.scriptDir = dir }
}

// WithRemoteCacheRoot sets the remote cache root. Empty disables caching.
func WithRemoteCacheRoot(dir string) SSHOption {
	return func(r *SSHRunner) { r.cacheRoot = dir }
}

// WithSSHLogger sets the runner's logger.
func WithSSHLogger(logger zerolog.Logger) SSHOption {
	return func(r *SSHRunner) { r.logger = logger }
}

// NewSSHRunner creates a runner over transport. The transport is connected
// on first use.
func NewSSHRunner(transport ssh.Transport, opts ...SSHOption) *SSHRunner {
	r := &SSHRunner{
		transport: transport,
		scriptDir: ".buildmatrix/scripts",
		cacheRoot: "~/.buildmatrix/cache",
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	info := transport.GetConnectionInfo()
	r.logger = r.logger.With().
		Str("component", "runner").
		Str("runner", r.Name()).
		Str("host", info.Host).
		Logger()
	return r
}

// Name implements engine.PipelineRunner.
func (r *SSHRunner) Name() string { return "ssh" }

// Run implements engine.PipelineRunner.
func (r *SSHRunner) Run(ctx context.Context, entry engine.MatrixEntry) (*engine.RunResult, error) {
	if r.platform != "" && entry.OperatingSystem != r.platform {
		return nil, fmt.Errorf("%w: job %s targets %s, host is %s",
			ErrPlatformMismatch, entry.Name, entry.OperatingSystem, r.platform)
	}

	script, err := RenderScript(entry, ScriptOptions{
		WorkDir:   r.workDir,
		CacheRoot: r.cacheRoot,
	})
	if err != nil {
		return nil, err
	}

	if err := r.transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("job %s: %w", entry.Name, err)
	}

	logger := r.logger.With().Str("job", entry.Name).Logger()
	start := time.Now()

	remote := path.Join(r.scriptDir, "buildmatrix-"+uuid.NewString()+".sh")
	if _, err := r.transport.Upload(ctx, strings.NewReader(script), remote, 0o700); err != nil {
		return nil, fmt.Errorf("job %s: upload script: %w", entry.Name, err)
	}
	defer func() {
		if err := r.transport.Remove(context.WithoutCancel(ctx), remote); err != nil {
			logger.Warn().Err(err).Str("script", remote).Msg("failed to remove job script")
		}
	}()

	logger.Debug().Str("script", remote).Msg("starting job")
	exec, err := r.transport.Execute(ctx, "sh "+shellQuote(remote), ssh.ExecOptions{Combined: true})
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", entry.Name, err)
	}

	result := &engine.RunResult{
		Job:      entry.Name,
		Passed:   exec.ExitCode == 0,
		ExitCode: exec.ExitCode,
		Logs:     exec.Stdout,
		Duration: time.Since(start),
	}

	logger.Info().
		Bool("passed", result.Passed).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("job finished")

	return result, nil
}

// Close disconnects the transport.
func (r *SSHRunner) Close() error {
	return r.transport.Disconnect()
}
