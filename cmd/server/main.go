// GopherScan
//
// Entry point: parses the command line, wires all components together and
// manages graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg    *config.Config
		logger *slog.Logger
	)

	rootCmd := &cobra.Command{
		Use:           "gopherscan",
		Short:         "Chunked upload gateway and asynchronous file analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			logger = newLogger(cfg.LogLevel)
			slog.SetDefault(logger)
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers, the worker pool and the sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the MySQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context(), cfg.DB)
			if err != nil {
				return fail(logger, "open database", err)
			}
			defer db.Close()
			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return fail(logger, "migrate", err)
			}
			logger.Info("schema applied")
			return nil
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run every maintenance sweep once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSweep(ctx, cfg, logger)
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd)
	rootCmd.RunE = serveCmd.RunE
	return rootCmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// fail logs err and hands it back for cobra to turn into a non-zero exit.
func fail(logger *slog.Logger, msg string, err error) error {
	logger.Error(msg, slog.String("error", err.Error()))
	return err
}

// runSweep runs the store sweeps once. Requeueing stale jobs needs a live
// worker pool, so it only runs inside serve.
func runSweep(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fail(logger, "init", err)
	}
	defer a.close()

	sched := a.scheduler(false)
	if err := sched.RunAll(ctx); err != nil {
		return fail(logger, "sweep", err)
	}
	logger.Info("sweeps finished", slog.Any("tasks", sched.Names()))
	return nil
}
