package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildmatrix/pkg/engine"
	"github.com/openfroyo/buildmatrix/pkg/runner"
)

func newExpandCommand() *cobra.Command {
	var (
		platform  string
		script    bool
		workDir   string
		cacheRoot string
	)

	cmd := &cobra.Command{
		Use:   "expand <file>",
		Short: "Show the shell actions of one platform",
		Long: `Resolve a definition and print the provisioning actions generated for one
platform, selected by job name or by position.

With --script the complete job script is printed instead: environment,
actions, pipeline script and cache handling, exactly as runners execute it.`,
		Example: `  # Actions of the first platform
  matrix expand ci/matrix.yaml --platform 0

  # Full script of a named job
  matrix expand ci/matrix.yaml --platform windows-2 --script`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.orch.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			entry, err := selectEntry(result.Matrix, platform)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch {
			case script:
				text, err := runner.RenderScript(entry, runner.ScriptOptions{WorkDir: workDir, CacheRoot: cacheRoot})
				if err != nil {
					return err
				}
				_, err = io.WriteString(w, text)
				return err
			case jsonOutput:
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(entry.Actions)
			default:
				printActions(w, entry)
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "0", "job name or zero-based position")
	cmd.Flags().BoolVar(&script, "script", false, "print the complete job script")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for --script")
	cmd.Flags().StringVar(&cacheRoot, "cache-root", "", "cache root for --script")

	return cmd
}

// selectEntry finds an entry by name, falling back to a position.
func selectEntry(m *engine.Matrix, selector string) (engine.MatrixEntry, error) {
	if entry, ok := m.Entry(selector); ok {
		return entry, nil
	}
	i, err := strconv.Atoi(selector)
	if err != nil {
		return engine.MatrixEntry{}, fmt.Errorf("no job named %q", selector)
	}
	if i < 0 || i >= m.Len() {
		return engine.MatrixEntry{}, fmt.Errorf("platform index %d out of range (matrix has %d jobs)", i, m.Len())
	}
	return m.Entries[i], nil
}

func printActions(w io.Writer, entry engine.MatrixEntry) {
	fmt.Fprintf(w, "# %s (%s", entry.Name, entry.OperatingSystem)
	if entry.DistributionTag != "" {
		fmt.Fprintf(w, " %s", entry.DistributionTag)
	}
	fmt.Fprintf(w, ", toolchain %s)\n", entry.ToolchainVersion)

	if len(entry.Actions) == 0 {
		fmt.Fprintln(w, "# no provisioning actions")
		return
	}
	for _, a := range entry.Actions {
		fmt.Fprintln(w, a.Command)
	}
}
