package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/buildmatrix/pkg/config"
	"github.com/openfroyo/buildmatrix/pkg/orchestrator"
	"github.com/openfroyo/buildmatrix/pkg/policy"
	"github.com/openfroyo/buildmatrix/pkg/stores"
	"github.com/openfroyo/buildmatrix/pkg/telemetry"
)

const defaultDBPath = ".buildmatrix/history.db"

// session holds the collaborators a command works with.
type session struct {
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	policy *policy.Engine
	orch   *orchestrator.Orchestrator
	logger zerolog.Logger
}

type sessionOptions struct {
	// record opens the history store.
	record bool

	// metricsAddr serves Prometheus metrics when set.
	metricsAddr string

	// enforce overrides the global --enforce flag when set.
	enforce *bool
}

func telemetryConfig(opts sessionOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	// CI systems set CI; their log viewers want one JSON object per line
	if ci, _ := strconv.ParseBool(os.Getenv("CI")); ci {
		cfg = telemetry.CIConfig()
	}
	cfg.Logging.Level = zerolog.GlobalLevel().String()

	switch traceExporter {
	case "", "none":
	default:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = otlpEndpoint
		cfg.Tracing.Insecure = true
	}

	cfg.Metrics.ListenAddress = opts.metricsAddr
	cfg.Events.Enabled = opts.record
	return cfg
}

func openSession(cmd *cobra.Command, opts sessionOptions) (*session, error) {
	ctx := cmd.Context()
	cfg := telemetryConfig(opts)

	tel, err := telemetry.NewTelemetryWithLogger(cfg, telemetry.NewLoggerWithWriter(cfg.Logging, cmd.ErrOrStderr()))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	s := &session{
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("cli").Zerolog(),
	}

	if s.policy, err = policy.NewEngine(s.logger); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(policyPaths) > 0 {
		if err := s.policy.LoadPolicies(ctx, policyPaths); err != nil {
			s.Close()
			return nil, err
		}
	}

	enforcing := enforce
	if opts.enforce != nil {
		enforcing = *opts.enforce
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLoader(config.NewLoader(config.WithLogger(s.logger))),
		orchestrator.WithPolicyEngine(s.policy),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithEnforcement(enforcing),
	}

	if opts.record {
		if s.store, err = openStore(ctx, dbPath); err != nil {
			s.Close()
			return nil, err
		}
		orchestrator.PersistEvents(tel.Events, s.store, nil, s.logger)
		orchOpts = append(orchOpts, orchestrator.WithStore(s.store))
	}

	s.orch = orchestrator.New(orchOpts...)
	return s, nil
}

// Close flushes telemetry and closes the store.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("telemetry shutdown")
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close store")
		}
	}
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// openExistingStore opens the history database without creating it.
func openExistingStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no history at %s (resolve with --record first)", path)
	}
	return openStore(ctx, path)
}
