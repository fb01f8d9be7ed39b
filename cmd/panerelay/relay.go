package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/panerelay/panerelay/internal/clock"
	"github.com/panerelay/panerelay/internal/config"
	"github.com/panerelay/panerelay/internal/queue"
	"github.com/panerelay/panerelay/internal/session"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Control the relay service",
	Long: `Control and inspect the relay service.

  panerelay relay start      Start the relay (background)
  panerelay relay stop       Stop the relay
  panerelay relay status     Show live relay status
  panerelay relay cleanup    Drop expired sessions and old commands`,
}

var relayStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay in the background",
	RunE:  daemonStartCmd.RunE,
}

var relayStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the relay",
	RunE:  daemonStopCmd.RunE,
}

var relayStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live relay status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status struct {
			Uptime     string   `json:"uptime"`
			Sessions   int      `json:"sessions"`
			Queued     int      `json:"queued"`
			Executing  int      `json:"executing"`
			Dispatched int      `json:"dispatched"`
			Rejected   int      `json:"rejected"`
			Policy     string   `json:"promptPolicy"`
			Transports []string `json:"transports"`
		}
		if err := apiGet("/api/status", &status); err != nil {
			return fmt.Errorf("relay is not reachable at %s: %w", serverURL, err)
		}

		fmt.Printf("Uptime:      %s\n", status.Uptime)
		fmt.Printf("Transports:  %v\n", status.Transports)
		fmt.Printf("Policy:      %s\n", status.Policy)
		fmt.Printf("Sessions:    %d\n", status.Sessions)
		fmt.Printf("Queue:       %d queued, %d executing\n", status.Queued, status.Executing)
		fmt.Printf("Dispatched:  %d\n", status.Dispatched)
		fmt.Printf("Rejected:    %d\n", status.Rejected)
		return nil
	},
}

var relayCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop expired sessions and old terminal commands",
	Long: `Offline maintenance: collects expired session files and drops terminal
commands older than the configured queue age. Run this while the daemon is
stopped; the daemon does the same cleanup periodically on its own.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		clk := clock.Real{}

		store, err := session.NewStore(cfg.SessionsDir(), clk)
		if err != nil {
			return err
		}
		collected, err := store.GC(clk.Now())
		if err != nil {
			return err
		}

		q, err := queue.Open(cfg.QueuePath(), clk)
		if err != nil {
			return err
		}
		dropped, err := q.Cleanup(cfg.QueueMaxAge)
		if err != nil {
			return err
		}

		fmt.Printf("Removed %d expired session(s), %d old command(s)\n", collected, dropped)
		return nil
	},
}

func init() {
	relayCmd.AddCommand(relayStartCmd)
	relayCmd.AddCommand(relayStopCmd)
	relayCmd.AddCommand(relayStatusCmd)
	relayCmd.AddCommand(relayCleanupCmd)
	rootCmd.AddCommand(relayCmd)
}

// apiGet fetches a JSON document from the running relay's admin API.
func apiGet(path string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
