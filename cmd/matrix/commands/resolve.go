package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

func newResolveCommand() *cobra.Command {
	var (
		format string
		out    string
		record bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <file>",
		Short: "Resolve a definition into a job matrix",
		Long: `Resolve a build-matrix definition and emit one job per platform.

The emitted matrix is written as JSON (default), YAML or deterministic CBOR.
With --record the resolution is stored in the history database, and an
identical earlier resolution is reported.`,
		Example: `  # Print the matrix as JSON
  matrix resolve ci/matrix.yaml

  # Write YAML for a CI system that reads it
  matrix resolve ci/matrix.yaml --format yaml --out .ci/jobs.yaml

  # Record the resolution
  matrix resolve ci/matrix.cue --record`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := engine.ParseFormat(format)
			if err != nil {
				return err
			}

			s, err := openSession(cmd, sessionOptions{record: record})
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.orch.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if result.PreviousID != "" {
				s.logger.Info().
					Str("resolution_id", result.ID).
					Str("previous_id", result.PreviousID).
					Msg("matrix unchanged since an earlier resolution")
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer file.Close()
				w = file
			}

			if err := result.Matrix.Encode(w, f); err != nil {
				return fmt.Errorf("failed to write matrix: %w", err)
			}

			if out != "" {
				s.logger.Info().Str("path", out).Int("jobs", result.Matrix.Len()).Msg("matrix written")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml, cbor)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the matrix to a file instead of stdout")
	cmd.Flags().BoolVar(&record, "record", false, "record the resolution in the history database")

	return cmd
}
