// Package cmd defines and implements the CLI commands for the analyzer executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-url-analyzer/internal/config"
	"github.com/JakeFAU/realtime-url-analyzer/internal/server"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// runApp builds and runs one process role. It's a variable so tests can
// replace it and inspect what a command would start.
var runApp = func(ctx context.Context, cfg config.Config, opts server.Options) error {
	app, err := server.Build(ctx, cfg, opts)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "analyzer",
		Short: "Realtime URL analysis pipeline.",
		Long: `analyzer accepts URLs over HTTP, fetches and analyzes each page, scores the
analysis, and streams every status change to subscribers.

Run "serve" for a single-process deployment, or "serve --workers=false" next
to separate "processor" and "evaluator" processes sharing a Redis or Pub/Sub
broker and a Postgres database.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Loads configuration before any subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (YAML); ANALYZER_* environment variables override it")

	cmd.AddCommand(newServeCmd(), newProcessorCmd(), newEvaluatorCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", root.Name(), err)
		os.Exit(1)
	}
}
