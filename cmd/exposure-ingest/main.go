package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/exposure-ingest/internal/audit"
	"github.com/rcourtman/exposure-ingest/internal/config"
	"github.com/rcourtman/exposure-ingest/internal/ingest"
	"github.com/rcourtman/exposure-ingest/internal/logging"
	"github.com/rcourtman/exposure-ingest/internal/quarantine"
	"github.com/rcourtman/exposure-ingest/internal/reconcile"
	"github.com/rcourtman/exposure-ingest/internal/storage"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	var metricsAddr string

	root := &cobra.Command{
		Use:           "exposure-ingest",
		Short:         "Validate and reconcile canonical exposure events",
		Long:          `exposure-ingest validates canonical exposure events, appends them to the event history and reconciles the current exposure state per office.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if metricsAddr == "" {
			return nil
		}
		_, err := startMetricsServer(cmd.Context(), metricsAddr)
		return err
	}

	root.AddCommand(
		newVersionCmd(),
		newMigrateCmd(),
		newIngestCmd(),
		newExposuresCmd(),
		newEventsCmd(),
		newQuarantineCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "exposure-ingest %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			version, err := a.db.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (%s)\n", version, a.db.Driver())
			return nil
		},
	}
}

// app holds the process-wide store handle and the components built on it.
type app struct {
	cfg     *config.Config
	db      *storage.DB
	history *audit.Store
	current *reconcile.Store
	sink    *quarantine.Sink
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "exposure-ingest",
		FilePath:  cfg.LogFile,
	})

	db, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		logging.Shutdown()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{
		cfg:     cfg,
		db:      db,
		history: audit.NewStore(db),
		current: reconcile.NewStore(db),
		sink:    quarantine.NewSink(db),
	}, nil
}

func (a *app) coordinator() *ingest.Coordinator {
	return ingest.New(a.db, a.history, a.current, a.sink, ingest.Options{
		ChunkSize:    a.cfg.ChunkSize,
		Workers:      a.cfg.Workers,
		MaxRetries:   a.cfg.MergeMaxRetries,
		Backoff:      ingest.DefaultBackoff,
		MaxFileBytes: a.cfg.MaxFileBytes,
	})
}

func (a *app) Close() error {
	err := a.db.Close()
	logging.Shutdown()
	return err
}

func main() {
	// Initialize logger with baseline defaults for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "exposure-ingest",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("Interrupted")
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
