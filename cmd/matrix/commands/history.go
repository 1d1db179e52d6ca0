package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildmatrix/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		events bool
		prune  bool
	)

	cmd := &cobra.Command{
		Use:   "history [resolution-id]",
		Short: "Show recorded resolutions and job runs",
		Long: `Show the resolution history kept in the history database.

Without arguments the most recent resolutions are listed. Given a resolution
ID, its jobs and their runs are shown, or its event log with --events.`,
		Example: `  # Recent resolutions
  matrix history

  # Jobs and runs of one resolution
  matrix history 3f2c9a1e-...

  # Event log as JSON
  matrix history 3f2c9a1e-... --events --json

  # Delete a resolution and everything recorded for it
  matrix history 3f2c9a1e-... --prune`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openExistingStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()

			if len(args) == 0 {
				resolutions, err := store.ListResolutions(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(w, resolutions)
				}
				printResolutions(w, resolutions)
				return nil
			}

			id := args[0]
			resolution, err := store.GetResolution(ctx, id)
			if err != nil {
				return fmt.Errorf("resolution %s: %w", id, err)
			}

			switch {
			case prune:
				if err := store.DeleteResolution(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(w, "deleted resolution %s\n", id)
				return nil

			case events:
				evts, err := store.GetEvents(ctx, &id, nil, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(w, evts)
				}
				printEvents(w, evts)
				return nil
			}

			jobs, err := store.ListJobs(ctx, id)
			if err != nil {
				return err
			}
			runs, err := store.ListJobRuns(ctx, &id, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(w, struct {
					Resolution *stores.Resolution `json:"resolution"`
					Jobs       []*stores.Job      `json:"jobs"`
					Runs       []*stores.JobRun   `json:"runs"`
				}{resolution, jobs, runs})
			}
			printResolution(w, resolution, jobs, runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")
	cmd.Flags().BoolVar(&events, "events", false, "show the resolution's event log")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete the resolution")

	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResolutions(w io.Writer, resolutions []*stores.Resolution) {
	if len(resolutions) == 0 {
		fmt.Fprintln(w, "no resolutions recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tJOBS\tSOURCE")
	for _, r := range resolutions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Status, r.JobCount, r.Source)
	}
	tw.Flush()
}

func printResolution(w io.Writer, r *stores.Resolution, jobs []*stores.Job, runs []*stores.JobRun) {
	fmt.Fprintf(w, "resolution  %s\n", r.ID)
	fmt.Fprintf(w, "source      %s (%s)\n", r.Source, r.Format)
	fmt.Fprintf(w, "status      %s\n", r.Status)
	if r.Fingerprint != "" {
		fmt.Fprintf(w, "fingerprint %s\n", r.Fingerprint)
	}
	if r.Error != nil {
		fmt.Fprintf(w, "error       %s\n", *r.Error)
	}

	if len(jobs) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tJOB\tOS\tDISTRIBUTION\tTOOLCHAIN")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", j.Position, j.Name, j.OperatingSystem, j.Distribution, j.ToolchainVersion)
		}
		tw.Flush()
	}

	if len(runs) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tRUNNER\tSTATUS\tEXIT\tDURATION\tSTARTED")
		for _, run := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				run.JobName, run.Runner, run.Status, run.ExitCode,
				run.Duration.Round(time.Millisecond), run.StartedAt.Local().Format(time.DateTime))
		}
		tw.Flush()
	}
}

func printEvents(w io.Writer, events []*stores.Event) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tLEVEL\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Level, e.Message)
	}
	tw.Flush()
}
