package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/buildmatrix/pkg/config"
	"github.com/openfroyo/buildmatrix/pkg/engine"
	"github.com/openfroyo/buildmatrix/pkg/policy"
	"github.com/openfroyo/buildmatrix/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		out         string
		format      string
		record      bool
		metricsAddr string
		debounce    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Re-resolve a definition whenever it changes",
		Long: `Watch a definition, its generator script and any --policy paths, and
resolve again after every change. The emitted matrix is rewritten to --out
on each successful resolution; failures are logged and the last good matrix
is kept.`,
		Example: `  # Keep .ci/jobs.json in sync with the definition
  matrix watch ci/matrix.yaml --out .ci/jobs.json

  # Expose Prometheus metrics while watching
  matrix watch ci/matrix.yaml --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := engine.ParseFormat(format)
			if err != nil {
				return err
			}

			s, err := openSession(cmd, sessionOptions{record: record, metricsAddr: metricsAddr})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()

			if srv := s.tel.Metrics.StartMetricsServer(s.logger); srv != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if len(policyPaths) > 0 {
				policies := policy.NewLoader(s.logger)
				err := policies.Watch(ctx, policyPaths, func(p []policy.Policy) error {
					return s.policy.ReloadPolicies(ctx, p)
				})
				if err != nil {
					return err
				}
				defer policies.StopWatching()
			}

			path := args[0]
			watcher := config.NewWatcher(s.orch.Loader(), s.logger)
			watcher.SetDebounce(debounce)
			defer watcher.Close()

			err = watcher.Watch(ctx, path, func(doc *config.Document, loadErr error) {
				if loadErr != nil {
					s.tel.Metrics.RecordReload("failed")
					s.tel.Events.PublishDefinitionReloaded(path, loadErr)
					s.logger.Error().Err(loadErr).Str("source", path).Msg("definition failed to load")
					return
				}

				result, err := s.orch.ResolveDocument(ctx, doc)
				if err != nil {
					s.tel.Metrics.RecordReload("failed")
					s.tel.Events.PublishDefinitionReloaded(path, err)
					return
				}
				s.tel.Metrics.RecordReload("succeeded")
				s.tel.Events.PublishDefinitionReloaded(path, nil)

				if out == "" {
					return
				}
				op := telemetry.StartOperation(s.tel.WithContext(ctx), "matrix.write",
					telemetry.AttrSource.String(path), telemetry.AttrJobCount.Int(result.Matrix.Len()))
				err = writeMatrixFile(out, result.Matrix, f)
				op.End(err)
				log := op.Logger.Zerolog()
				if err != nil {
					log.Error().Err(err).Str("path", out).Msg("failed to write matrix")
					return
				}
				log.Info().Str("path", out).Int("jobs", result.Matrix.Len()).Dur("took", op.Timer.Duration()).Msg("matrix written")
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			s.logger.Info().Msg("stopped watching")
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "rewrite the matrix to this file after each resolution")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml, cbor)")
	cmd.Flags().BoolVar(&record, "record", false, "record every resolution in the history database")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "wait for writes to settle")

	return cmd
}

// writeMatrixFile replaces path atomically so readers never see a partial
// matrix.
func writeMatrixFile(path string, m *engine.Matrix, format engine.Format) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := m.Encode(tmp, format); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
