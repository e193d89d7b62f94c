package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikey/mail-triage/internal/api"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/di"
	"github.com/mikey/mail-triage/internal/outbound"
	"github.com/mikey/mail-triage/internal/ports"
	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// dependencies holds everything the server needs from the container
type dependencies struct {
	dig.In

	Config     *config.Config
	Logger     *zap.Logger
	Server     *api.Server
	Sources    []ports.MailSource
	Dispatcher *outbound.Dispatcher
	LLMClient  core.LLMClient
	Cache      core.ClassificationCache
	Store      core.Store
}

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "mail-triage",
		Short: "Email triage service",
		Long:  "Classifies incoming email by importance, manages mailbox state and drafts replies",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the triage API and the enabled ingestion sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Build the dependency injection container
			container, err := di.BuildContainer(configFile)
			if err != nil {
				return fmt.Errorf("failed to build dependency container: %w", err)
			}
			return container.Invoke(run)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(deps dependencies) error {
	logger := deps.Logger
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := deps.Server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	var started []ports.MailSource
	for _, source := range deps.Sources {
		if err := source.Start(); err != nil {
			logger.Error("Failed to start source", zap.String("source", source.Name()), zap.Error(err))
			continue
		}
		logger.Info("Source started", zap.String("source", source.Name()))
		started = append(started, source)
	}

	if deps.Dispatcher != nil {
		if err := deps.Dispatcher.Start(); err != nil {
			return fmt.Errorf("failed to start outbound dispatcher: %w", err)
		}
	}

	// Handle graceful shutdown
	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), deps.Config.GetServer().ShutdownTimeout)
	defer cancel()
	if err := deps.Server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down API server", zap.Error(err))
	}

	for _, source := range started {
		if err := source.Stop(); err != nil {
			logger.Error("Failed to stop source", zap.String("source", source.Name()), zap.Error(err))
		}
	}

	if deps.Dispatcher != nil {
		if err := deps.Dispatcher.Stop(); err != nil {
			logger.Error("Failed to stop outbound dispatcher", zap.Error(err))
		}
	}

	// Close any resources that need closing
	if closer, ok := deps.LLMClient.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close LLM client", zap.Error(err))
		}
	}

	// Stop the cache cleanup loop
	if stopper, ok := deps.Cache.(interface{ Stop() }); ok {
		stopper.Stop()
	}

	if err := deps.Store.Close(); err != nil {
		logger.Error("Failed to close store", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
