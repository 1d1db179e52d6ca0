package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildmatrix/pkg/config"
	"github.com/openfroyo/buildmatrix/pkg/engine"
	"github.com/openfroyo/buildmatrix/pkg/orchestrator"
	"github.com/openfroyo/buildmatrix/pkg/policy"
)

// errInvalid is returned once the report has been printed.
var errInvalid = errors.New("definition is invalid")

type validationReport struct {
	Source      string             `json:"source"`
	Valid       bool               `json:"valid"`
	Jobs        []string           `json:"jobs,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Findings    []policy.Violation `json:"findings,omitempty"`
	Errors      []string           `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a definition",
		Long: `Validate a build-matrix definition.

This command checks:
  - Syntax and schema conformance
  - Platform, step and source references
  - Policy compliance (OPA/rego), failing on error-severity findings`,
		Example: `  # Validate a definition
  matrix validate ci/matrix.yaml

  # Validate with extra policies and a machine-readable report
  matrix validate ci/matrix.hcl --policy ./policies --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enforcing := true
			s, err := openSession(cmd, sessionOptions{enforce: &enforcing})
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.orch.Resolve(cmd.Context(), args[0])
			report := buildReport(args[0], result, err)

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}

			if !report.Valid {
				return errInvalid
			}
			return nil
		},
	}

	return cmd
}

func buildReport(source string, result *orchestrator.Result, err error) validationReport {
	report := validationReport{Source: source, Valid: err == nil}

	if result != nil {
		if result.Matrix != nil {
			for _, e := range result.Matrix.Entries {
				report.Jobs = append(report.Jobs, e.Name)
			}
			report.Fingerprint = result.Fingerprint
		}
		if result.Policy != nil {
			report.Findings = result.Policy.Findings()
		}
	}

	var diags config.Diagnostics
	var me *engine.MatrixError
	switch {
	case err == nil:
	case errors.As(err, &diags):
		for _, d := range diags {
			report.Errors = append(report.Errors, d.String())
		}
	case errors.As(err, &me) && me.Code == engine.ErrCodePolicy:
		// findings already carry the detail
	default:
		report.Errors = append(report.Errors, err.Error())
	}
	return report
}

func printReport(w io.Writer, r validationReport) {
	for _, e := range r.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, f := range r.Findings {
		where := f.Policy
		if f.Job != "" {
			where += " (" + f.Job + ")"
		}
		fmt.Fprintf(w, "%s: %s: %s\n", f.Severity, where, f.Message)
		if f.Remediation != "" {
			fmt.Fprintf(w, "  hint: %s\n", f.Remediation)
		}
	}

	if r.Valid {
		fmt.Fprintf(w, "%s: ok, %d jobs\n", r.Source, len(r.Jobs))
	} else {
		fmt.Fprintf(w, "%s: invalid\n", r.Source)
	}
}
