// PaneRelay
//
// Remote control for a terminal AI assistant: the daemon watches tmux panes,
// mails or messages you when the assistant goes idle, and types your reply
// back into the pane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "panerelay",
	Short: "PaneRelay - drive a terminal AI assistant from your inbox",
	Long: `PaneRelay relays commands between you and an AI coding assistant running
in a tmux pane. When the assistant goes idle you get a notification; your
reply is typed back into the pane, confirmation prompts included.

  panerelay config set KEY VALUE    Configure transports and panes
  panerelay serve                   Run the relay in the foreground
  panerelay daemon start            Run the relay in the background
  panerelay relay status            Check the running relay
  panerelay commands list           Inspect the command queue`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("RELAY_SERVER", "http://localhost:7350"), "PaneRelay server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
