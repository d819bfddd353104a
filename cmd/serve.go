package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"authcoord/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveCmd defines the serve command structure.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auth coordinator and serve its MCP tools",
	Long: `Starts the auth coordinator with the providers from config.yaml.

On startup it restores sessions persisted in the credential store, then runs
the background loops (credential refresh, session cleanup, cache sweep,
security-context expiry and audit trimming) and serves the MCP tools on the
configured transport:

  stdio            - tools are served on stdin/stdout (default)
  streamable-http  - tools are served on facade.host:facade.port

Prometheus metrics are served on facade.metricsAddr when it is set.

The process runs until it receives SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(serveDebug, false, resolveConfigPath(), GetVersion())

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging regardless of logging.level")
}
