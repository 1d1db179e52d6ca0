package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose       bool
	jsonOutput    bool
	dbPath        string
	policyPaths   []string
	enforce       bool
	traceExporter string
	otlpEndpoint  string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "matrix",
		Short: "Build matrix - cross-platform CI job resolver",
		Long: `matrix expands a declarative build-matrix definition into one concrete
job per target platform.

Each platform inherits the shared defaults, overrides what it needs, and
gets the shell actions that provision its toolchain and system packages.
Definitions may be written in YAML, JSON(C), CUE or HCL.

Features:
  - Inheritance with append-only cache directories
  - Package-manager aware provisioning (apt, brew, choco)
  - Rego policy checks over every emitted job
  - Local, SSH and dry-run job runners
  - Resolution and run history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&dbPath, "db", defaultDBPath, "history database path")
	flags.StringSliceVar(&policyPaths, "policy", nil, "extra .rego policy files or directories")
	flags.BoolVar(&enforce, "enforce", false, "fail on error-severity policy violations")
	flags.StringVar(&traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for --trace=otlp")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newExpandCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
