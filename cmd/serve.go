package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-url-analyzer/internal/server"
)

// newServeCmd creates the 'serve' subcommand: gateway, status hub, and HTTP
// API, plus both worker stages unless --workers=false.
func newServeCmd() *cobra.Command {
	var workers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, gateway, and status hub",
		Long: `Starts the HTTP API that accepts submissions and streams status events.
With --workers (the default) the processor and evaluator run in the same
process, which is the only option with the in-memory broker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), cfg, server.Options{
				Role:    server.RoleServe,
				Workers: workers,
				Version: Version,
			})
		},
	}
	cmd.Flags().BoolVar(&workers, "workers", true, "run the processor and evaluator in this process")
	return cmd
}

// newProcessorCmd creates the 'processor' subcommand.
func newProcessorCmd() *cobra.Command {
	return newWorkerCmd(server.RoleProcessor,
		"Runs the processing stage (fetch, extract, analyze)",
		"Consumes URL tasks, fetches and analyzes each page, and hands results to the evaluation queue.")
}

// newEvaluatorCmd creates the 'evaluator' subcommand.
func newEvaluatorCmd() *cobra.Command {
	return newWorkerCmd(server.RoleEvaluator,
		"Runs the evaluation stage (score, cache, settle)",
		"Consumes evaluation tasks, scores each analysis against the threshold, and settles the request.")
}

func newWorkerCmd(role server.Role, short, long string) *cobra.Command {
	return &cobra.Command{
		Use:   string(role),
		Short: short,
		Long:  long + "\nRequires a redis or pubsub broker and a database DSN shared with \"serve\".",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), cfg, server.Options{Role: role, Version: Version})
		},
	}
}
