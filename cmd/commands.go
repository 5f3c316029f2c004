package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/fatgrid/warehouse-etl/internal/api"
	"github.com/fatgrid/warehouse-etl/internal/core/mongoexport"
	"github.com/fatgrid/warehouse-etl/internal/core/source"
	"github.com/fatgrid/warehouse-etl/internal/core/syncer"
	"github.com/fatgrid/warehouse-etl/internal/core/warehouse"
	"github.com/fatgrid/warehouse-etl/internal/server"
)

// app bundles the connections every command needs.
type app struct {
	cfg    config
	log    *slog.Logger
	src    *source.ClickHouse
	wh     *warehouse.DB
	driver *syncer.Driver
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	src, err := source.NewClickHouse(ctx, cfg.ClickHouse, log)
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	wh, err := warehouse.Open(cfg.Warehouse.Path, log)
	if err != nil {
		src.Close() //nolint:errcheck,gosec // best-effort cleanup
		return nil, err
	}

	return &app{
		cfg:    cfg,
		log:    log,
		src:    src,
		wh:     wh,
		driver: syncer.NewDriver(src, wh, log),
	}, nil
}

func (a *app) Close() {
	if err := a.wh.Close(); err != nil {
		a.log.Error("failed to close warehouse", slog.Any("error", err))
	}
	if err := a.src.Close(); err != nil {
		a.log.Error("failed to close clickhouse connection", slog.Any("error", err))
	}
}

func newRootCmd() *cobra.Command {
	var targetsFile string

	rootCmd := &cobra.Command{
		Use:   "warehouse-etl [table]",
		Short: "Sync ClickHouse tables into the local analytical warehouse",
		Long: `warehouse-etl incrementally syncs configured ClickHouse tables into a
local SQLite warehouse file. Without arguments it syncs every configured
table; with a table name it syncs just that one.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), targetsFile, args)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&targetsFile, "targets", "t", "", "Path to a JSON file with sync targets")

	rootCmd.AddCommand(
		newStatusCmd(&targetsFile),
		newServeCmd(&targetsFile),
		newMongoCmd(),
	)

	return rootCmd
}

func runSync(parent context.Context, targetsFile string, args []string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	targets, err := loadTargets(targetsFile)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		targets, err = selectTarget(targets, args[0])
		if err != nil {
			return err
		}
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.driver.SyncAll(ctx, targets)
}

func selectTarget(targets []syncer.Target, name string) ([]syncer.Target, error) {
	for _, t := range targets {
		if t.Table == name {
			return []syncer.Target{t}, nil
		}
	}
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Table
	}
	return nil, fmt.Errorf("unknown table %q, configured tables: %v", name, names)
}

func newStatusCmd(targetsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-table row counts and sync lag without transferring data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			targets, err := loadTargets(*targetsFile)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			targets, err = dropMissingTargets(cmd.Context(), a, targets)
			if err != nil {
				return err
			}

			statuses, err := a.driver.Status(cmd.Context(), targets)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tSOURCE\tWAREHOUSE\tBEHIND")
			for _, st := range statuses {
				behind := "up to date"
				if st.Behind > 0 {
					behind = syncer.FormatCount(st.Behind)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					st.Table,
					syncer.FormatCount(st.SourceRows),
					syncer.FormatCount(st.WarehouseRows),
					behind,
				)
			}
			return w.Flush()
		},
	}
}

// dropMissingTargets filters out configured tables that do not exist at the
// source, with a warning, so one stale entry does not fail the whole report.
func dropMissingTargets(ctx context.Context, a *app, targets []syncer.Target) ([]syncer.Target, error) {
	tables, err := a.src.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source tables: %w", err)
	}
	existing := make(map[string]bool, len(tables))
	for _, t := range tables {
		existing[t] = true
	}

	kept := targets[:0]
	for _, t := range targets {
		if !existing[t.Table] {
			a.log.Warn("configured table not found at source", slog.String("table", t.Table))
			continue
		}
		kept = append(kept, t)
	}
	return kept, nil
}

func newServeCmd(targetsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the status HTTP API, with optional scheduled syncs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			targets, err := loadTargets(*targetsFile)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return runServer(cmd.Context(), a, targets)
		},
	}
}

func runServer(parent context.Context, a *app, targets []syncer.Target) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := api.NewRouter(a.log, func(ctx context.Context) ([]syncer.TableStatus, error) {
		return a.driver.Status(ctx, targets)
	})

	apiServer := server.NewHTTPServer(
		a.cfg.ServerAddr,
		router,
		a.cfg.ServerReadTimeout,
		a.cfg.ServerWriteTimeout,
		a.cfg.ServerIdleTimeout,
		a.log,
	)

	if a.cfg.SyncSchedule != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(a.cfg.SyncSchedule, func() {
			a.log.Info("scheduled sync starting", slog.String("schedule", a.cfg.SyncSchedule))
			if err := a.driver.SyncAll(ctx, targets); err != nil {
				a.log.Error("scheduled sync failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid sync schedule %q: %w", a.cfg.SyncSchedule, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
		a.log.Info("Received termination signal - service will shutdown")
		if err := apiServer.Shutdown(a.cfg.ServerShutdownTimeout); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	}
}

func newMongoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mongo",
		Short: "Export MongoDB collections into the warehouse (full replace)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			wh, err := warehouse.Open(cfg.Warehouse.Path, log)
			if err != nil {
				return err
			}
			defer wh.Close() //nolint:errcheck // best-effort cleanup

			exporter, err := mongoexport.NewExporter(ctx, cfg.Mongo, wh, log)
			if err != nil {
				return err
			}
			defer exporter.Close(ctx) //nolint:errcheck // best-effort cleanup

			return exporter.ExportAll(ctx, mongoexport.DefaultCollections())
		},
	}
}
