package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when agora is called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Multi-agent coordination marketplace core",
	Long: `agora is the coordination core for a marketplace of cooperating
agents: a registry of agents and their capabilities, durable messaging
and task assignment, multi-step workflows, and a real-time event fabric,
all exposed to agents as MCP tools.

Run 'agora serve' to start the core, and 'agora agent' subcommands to
interact with a running core from a project directory.`,
	// Handled errors should not be drowned in usage text.
	SilenceUsage: true,
}

// SetVersion injects the build version from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "agora version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
