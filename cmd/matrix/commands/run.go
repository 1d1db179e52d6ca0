package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/buildmatrix/pkg/engine"
	"github.com/openfroyo/buildmatrix/pkg/orchestrator"
	"github.com/openfroyo/buildmatrix/pkg/runner"
	"github.com/openfroyo/buildmatrix/pkg/stores"
	"github.com/openfroyo/buildmatrix/pkg/transports/ssh"
)

type runFlags struct {
	runner      string
	jobs        []string
	record      bool
	workDir     string
	cacheRoot   string
	anyPlatform bool

	host        string
	identity    string
	useAgent    bool
	passwordEnv string
	knownHosts  string
	insecure    bool
	remoteOS    string
}

func newRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Resolve a definition and run its jobs",
		Long: `Resolve a definition and hand every job to a runner, in matrix order.

Runners:
  local  run jobs for this machine's platform through sh
  ssh    upload each job script to a build host and run it there
  dry    print the scripts without running anything

A failing job does not stop the jobs after it. The command exits non-zero
when any job failed.`,
		Example: `  # Run the jobs for this platform
  matrix run ci/matrix.yaml --job linux-focal-0

  # Run on a remote macOS builder with the ssh agent
  matrix run ci/matrix.yaml --runner ssh --host ci@mac-mini.local --agent --remote-os macos

  # Show what would run
  matrix run ci/matrix.yaml --runner dry`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{record: f.record})
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.orch.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if result, err = filterJobs(result, f.jobs); err != nil {
				return err
			}

			r, closeRunner, err := newRunner(f, s.logger)
			if err != nil {
				return err
			}
			defer closeRunner()

			summary, err := s.orch.Run(cmd.Context(), result, r)
			if summary != nil {
				if jsonOutput {
					if err := writeSummaryJSON(cmd.OutOrStdout(), summary); err != nil {
						return err
					}
				} else {
					printSummary(cmd.OutOrStdout(), summary, f.runner == "dry")
				}
			}
			if err != nil {
				return err
			}

			if !summary.OK() {
				return fmt.Errorf("%d of %d jobs did not pass", summary.Failed+summary.Errored, len(summary.Outcomes))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.runner, "runner", "r", "local", "job runner (local, ssh, dry)")
	flags.StringSliceVarP(&f.jobs, "job", "j", nil, "run only the named jobs")
	flags.BoolVar(&f.record, "record", true, "record the resolution and job runs")
	flags.StringVar(&f.workDir, "workdir", "", "working directory for jobs")
	flags.StringVar(&f.cacheRoot, "cache-root", "", "cache root (local default .buildmatrix/cache, ssh default ~/.buildmatrix/cache)")
	flags.BoolVar(&f.anyPlatform, "any-platform", false, "run local jobs whatever platform they target")

	flags.StringVar(&f.host, "host", "", "ssh target as [user@]host[:port]")
	flags.StringVarP(&f.identity, "identity", "i", "", "ssh private key path")
	flags.BoolVar(&f.useAgent, "agent", false, "authenticate through SSH_AUTH_SOCK")
	flags.StringVar(&f.passwordEnv, "password-env", "", "environment variable holding the ssh password")
	flags.StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	flags.BoolVar(&f.insecure, "insecure", false, "skip host key verification")
	flags.StringVar(&f.remoteOS, "remote-os", "", "only run jobs for this platform on the ssh host")

	return cmd
}

// filterJobs narrows the result to the named jobs, keeping matrix order.
func filterJobs(result *orchestrator.Result, names []string) (*orchestrator.Result, error) {
	if len(names) == 0 {
		return result, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := result.Matrix.Entry(n); !ok {
			return nil, fmt.Errorf("no job named %q", n)
		}
		want[n] = true
	}

	filtered := *result
	filtered.Matrix = &engine.Matrix{}
	for _, e := range result.Matrix.Entries {
		if want[e.Name] {
			filtered.Matrix.Entries = append(filtered.Matrix.Entries, e)
		}
	}
	return &filtered, nil
}

func newRunner(f runFlags, logger zerolog.Logger) (engine.PipelineRunner, func(), error) {
	noop := func() {}

	switch f.runner {
	case "local":
		cacheRoot := f.cacheRoot
		if cacheRoot == "" {
			cacheRoot = ".buildmatrix/cache"
		}
		opts := []runner.LocalOption{
			runner.WithWorkDir(f.workDir),
			runner.WithCacheRoot(cacheRoot),
			runner.WithLocalLogger(logger),
		}
		if f.anyPlatform {
			opts = append(opts, runner.WithAnyPlatform())
		}
		return runner.NewLocalRunner(opts...), noop, nil

	case "dry":
		return runner.NewDryRunner(runner.ScriptOptions{WorkDir: f.workDir, CacheRoot: f.cacheRoot}), noop, nil

	case "ssh":
		cfg, err := sshConfig(f)
		if err != nil {
			return nil, nil, err
		}
		client, err := ssh.NewClient(cfg, logger)
		if err != nil {
			return nil, nil, err
		}

		opts := []runner.SSHOption{
			runner.WithRemoteWorkDir(f.workDir),
			runner.WithSSHLogger(logger),
		}
		if f.cacheRoot != "" {
			opts = append(opts, runner.WithRemoteCacheRoot(f.cacheRoot))
		}
		if f.remoteOS != "" {
			remote := engine.OperatingSystem(f.remoteOS)
			if err := remote.Validate(); err != nil {
				return nil, nil, err
			}
			opts = append(opts, runner.WithRemotePlatform(remote))
		}

		r := runner.NewSSHRunner(client, opts...)
		return r, func() {
			if err := r.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close ssh connection")
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown runner %q (want local, ssh or dry)", f.runner)
	}
}

func sshConfig(f runFlags) (*ssh.Config, error) {
	if f.host == "" {
		return nil, fmt.Errorf("--host is required for the ssh runner")
	}
	cfg, err := ssh.ParseTarget(f.host)
	if err != nil {
		return nil, err
	}

	switch {
	case f.passwordEnv != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = os.Getenv(f.passwordEnv)
		if cfg.Password == "" {
			return nil, fmt.Errorf("%s is empty", f.passwordEnv)
		}
	case f.useAgent:
		cfg.AuthMethod = ssh.AuthMethodAgent
	default:
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = f.identity
	}

	if f.knownHosts != "" {
		cfg.KnownHostsPath = f.knownHosts
	}
	cfg.StrictHostKeyChecking = !f.insecure
	return cfg, nil
}

func printSummary(w io.Writer, summary *orchestrator.RunSummary, showLogs bool) {
	for _, o := range summary.Outcomes {
		switch o.Status() {
		case stores.JobRunStatusPassed:
			fmt.Fprintf(w, "PASS  %s (%s)\n", o.Job, o.Result.Duration.Round(time.Millisecond))
			if showLogs {
				fmt.Fprintln(w, indent(o.Result.Logs))
			}
		case stores.JobRunStatusFailed:
			fmt.Fprintf(w, "FAIL  %s exit %d (%s)\n", o.Job, o.Result.ExitCode, o.Result.Duration.Round(time.Millisecond))
			fmt.Fprintln(w, indent(o.Result.Logs))
		default:
			fmt.Fprintf(w, "ERROR %s: %v\n", o.Job, o.Err)
		}
	}
	fmt.Fprintf(w, "%d passed, %d failed, %d errors (%s runner, %s)\n",
		summary.Passed, summary.Failed, summary.Errored, summary.Runner, summary.Duration.Round(time.Millisecond))
}

func writeSummaryJSON(w io.Writer, summary *orchestrator.RunSummary) error {
	type outcome struct {
		Job      string `json:"job"`
		Status   string `json:"status"`
		ExitCode int    `json:"exit_code"`
		Duration string `json:"duration,omitempty"`
		Error    string `json:"error,omitempty"`
	}

	out := struct {
		Runner   string    `json:"runner"`
		Passed   int       `json:"passed"`
		Failed   int       `json:"failed"`
		Errored  int       `json:"errored"`
		Outcomes []outcome `json:"outcomes"`
	}{Runner: summary.Runner, Passed: summary.Passed, Failed: summary.Failed, Errored: summary.Errored}

	for _, o := range summary.Outcomes {
		item := outcome{Job: o.Job, Status: string(o.Status())}
		if o.Result != nil {
			item.ExitCode = o.Result.ExitCode
			item.Duration = o.Result.Duration.String()
		}
		if o.Err != nil {
			item.Error = o.Err.Error()
		}
		out.Outcomes = append(out.Outcomes, item)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func indent(text string) string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return "    (no output)"
	}
	return "    " + strings.ReplaceAll(text, "\n", "\n    ")
}
