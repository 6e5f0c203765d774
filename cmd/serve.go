package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"agora/internal/app"
)

var (
	serveDataDir     string
	serveDebug       bool
	servePort        int
	serveTransport   string
	serveMetricsPort int
)

// serveCmd starts the marketplace core and blocks until terminated.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agora marketplace core",
	Long: `Starts the coordination store, the event fabric, the workflow
coordinator and the MCP tool server, and serves until interrupted.

State lives under the data directory: the sqlite store (agora.db), the
identity lock registry (identities.yaml) and an optional config.yaml
overlaying the built-in defaults. Command-line flags override both.

With --transport stdio the server speaks MCP on stdin/stdout and all
logging is suppressed; use this when the core is launched directly by
an MCP client.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir := serveDataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot resolve home directory, pass --data-dir: %w", err)
		}
		dataDir = filepath.Join(home, ".agora")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("cannot create data directory %s: %w", dataDir, err)
	}

	application, err := app.NewApplication(app.Options{
		DataDir:     dataDir,
		Debug:       serveDebug,
		Silent:      serveTransport == "stdio",
		Port:        servePort,
		Transport:   serveTransport,
		MetricsPort: serveMetricsPort,
	})
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

	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Data directory (default ~/.agora)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Tool server port (overrides config.yaml)")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "Transport: streamable-http, sse or stdio")
	serveCmd.Flags().IntVar(&serveMetricsPort, "metrics-port", 0, "Prometheus metrics port (0 disables)")
}
