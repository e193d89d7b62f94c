package main

import (
	"fmt"
	"os"

	"github.com/mikey/mail-triage/internal/adapters/source"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/di"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	flags := &di.CLIFlags{}

	rootCmd := &cobra.Command{
		Use:   "triage-cli",
		Short: "Offline tools for the email triage engine",
	}

	classifyCmd := &cobra.Command{
		Use:   "classify [file...]",
		Short: "Classify email files and print the result",
		Long:  "Parses each email file, runs it through the triage pipeline and prints the classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Files = append(flags.Files, args...)
			if len(flags.Files) == 0 {
				return fmt.Errorf("no email file given, use --file or pass paths as arguments")
			}

			// Build the dependency injection container
			container, err := di.BuildCLIContainer(flags)
			if err != nil {
				return fmt.Errorf("failed to build dependency container: %w", err)
			}
			return container.Invoke(run)
		},
	}
	flags.Register(classifyCmd)

	rootCmd.AddCommand(classifyCmd)
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run classifies every requested file
func run(logger *zap.Logger, files *source.FileSource, llmClient core.LLMClient, cache core.ClassificationCache) error {
	defer logger.Sync()

	err := files.Start()

	// Close any resources that need closing
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close LLM client", zap.Error(err))
		}
	}
	if stopper, ok := cache.(interface{ Stop() }); ok {
		stopper.Stop()
	}

	return err
}
