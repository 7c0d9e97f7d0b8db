package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nubiot/fleetsync/pkg/api"
	"github.com/nubiot/fleetsync/pkg/config"
	"github.com/nubiot/fleetsync/pkg/engine"
	"github.com/nubiot/fleetsync/pkg/log"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the sync engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		godotenv.Load()

		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		eng, err := engine.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}

		ctx := context.Background()
		if err := eng.Start(ctx); err != nil {
			eng.Stop()
			return fmt.Errorf("failed to start engine: %w", err)
		}

		srv := api.NewServer(cfg.APIAddr, eng.Registry(), eng.Store(), eng.Index(), eng.Notifier())

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("Received %s, shutting down", sig))
		case err := <-errCh:
			if err != nil {
				eng.Stop()
				return fmt.Errorf("API server failed: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithComponent("main").Error().Err(err).Msg("Failed to drain API server")
		}
		eng.Stop()
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
}
