// Alignd is a self-correcting alignment daemon for agent runtimes.
//
// It classifies finished agent turns, nudges the agent to retry
// suspicious give-ups, verifies persistent give-ups against an oracle,
// and maintains a tiered store of behavioral patches that is purged of
// model-specific corrections on every engine upgrade.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "alignd",
	Short: "Self-correcting alignment daemon for agent runtimes",
	Long: `alignd watches agent turns for lazy give-ups, verifies them against an
oracle, and injects behavioral patches into future turns so the same
mistake is not repeated.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the alignd daemon",
	Long: `Start the alignd HTTP server and background workers.

Examples:
  # Start with defaults (~/.config/alignd/config.yaml if present)
  alignd serve

  # Start with an explicit config file
  alignd serve --config /etc/alignd/config.yaml`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show detailed version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("alignd %s (commit %s)\n", version, gitCommit)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
