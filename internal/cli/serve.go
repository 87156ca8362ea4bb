package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/floe-run/floe/internal/api"
	"github.com/floe-run/floe/internal/config"
	"github.com/floe-run/floe/internal/scheduler"
	"github.com/floe-run/floe/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the floe API server. Runs are submitted over HTTP and executed
asynchronously; task state changes and log lines stream to clients over SSE.`,
		Args: cobra.NoArgs,
		RunE: serve,
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("floe: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"default_backend", cfg.Backend,
	)

	reg, err := buildRegistry(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sched := scheduler.New(db, logger, scheduler.Options{
		MaxConcurrency:     cfg.MaxConcurrency,
		DefaultTaskTimeout: cfg.TaskTimeout,
		WorkdirRoot:        cfg.WorkdirRoot,
	})

	srv := api.NewServer(cfg.ListenAddr, db, reg, sched, cfg.Backend, logger)
	return srv.Run()
}
