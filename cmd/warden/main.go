// Command warden is the CLI for the warden session daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wardenlabs/warden/internal/config"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Supervise AI-agent sessions via the warden daemon",
	Long: `warden - control plane for local AI-agent sessions.

The daemon (wardend) supervises agent processes and exposes a loopback
control API. This CLI starts the daemon on demand and talks to it.

Examples:
  warden list                     # Sessions the daemon is tracking
  warden spawn ~/repos/project    # Launch an agent session
  warden stop-session <id>        # Stop one session
  warden events                   # Recent lifecycle events
  warden daemon status            # Daemon liveness and health`,
	SilenceUsage: true,
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd, listCmd, spawnCmd, stopSessionCmd, approveCmd, eventsCmd, healthCmd)
}
