// Package main contains the entrypoint for the Expy Discord bot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/config"
	"github.com/edgard/expybot/internal/database"
	"github.com/edgard/expybot/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "expy",
		Short:         "Expy rewards Discord activity with XP, levels and rank roles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to the configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and start rewarding activity (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), configPath)
		},
	})
	root.AddCommand(newMigrateCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logger.NewLogger("info", false)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := database.NewDB(dbPath, log)
			if err != nil {
				log.Error("Migration failed", zap.String("path", dbPath), zap.Error(err))
				return err
			}
			database.CloseDB(db, log)
			log.Info("Database is up to date", zap.String("path", dbPath))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "expy.db", "path to the SQLite database")
	return cmd
}

// runBot loads the configuration, wires every component and blocks until
// ctx is cancelled or a component fails.
func runBot(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		return err
	}

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("Logger initialized", zap.String("level", cfg.Logger.Level), zap.Bool("json", cfg.Logger.JSON))

	app, cleanup, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start", zap.Error(err))
		return err
	}
	defer cleanup()

	if err := app.Run(ctx); err != nil {
		log.Error("Bot stopped due to error", zap.Error(err))
		return err
	}
	log.Info("Bot stopped gracefully")
	return nil
}
