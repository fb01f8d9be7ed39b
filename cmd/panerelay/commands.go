package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/panerelay/panerelay/internal/clock"
	"github.com/panerelay/panerelay/internal/config"
	"github.com/panerelay/panerelay/internal/queue"
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Inspect and maintain the command queue",
	Long: `Inspect and maintain the command queue.

  panerelay commands list          List all commands
  panerelay commands status <id>   Show one command
  panerelay commands cleanup       Drop old terminal commands
  panerelay commands clear         Drop every command`,
}

var commandsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all commands in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		var commands []*queue.Command
		if err := apiGet("/api/commands", &commands); err != nil {
			return fmt.Errorf("relay is not reachable at %s: %w", serverURL, err)
		}
		if len(commands) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		fmt.Printf("%-22s %-10s %-8s %-20s %s\n", "ID", "STATUS", "RETRIES", "QUEUED", "COMMAND")
		for _, c := range commands {
			fmt.Printf("%-22s %-10s %d/%-6d %-20s %s\n",
				c.ID, c.Status, c.Retries, c.MaxRetries,
				c.QueuedAt.Local().Format("2006-01-02 15:04:05"),
				truncate(c.Command, 50))
		}
		return nil
	},
}

var commandsStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show one command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c queue.Command
		if err := apiGet("/api/commands/"+args[0], &c); err != nil {
			return err
		}

		fmt.Printf("ID:       %s\n", c.ID)
		fmt.Printf("Session:  %s\n", c.SessionID)
		fmt.Printf("Status:   %s\n", c.Status)
		fmt.Printf("Retries:  %d/%d\n", c.Retries, c.MaxRetries)
		fmt.Printf("Queued:   %s\n", c.QueuedAt.Local().Format(time.RFC3339))
		if c.ExecutedAt != nil {
			fmt.Printf("Executed: %s\n", c.ExecutedAt.Local().Format(time.RFC3339))
		}
		if c.CompletedAt != nil {
			fmt.Printf("Done:     %s\n", c.CompletedAt.Local().Format(time.RFC3339))
		}
		if c.Error != "" {
			fmt.Printf("Error:    %s\n", c.Error)
		}
		fmt.Printf("Command:  %s\n", c.Command)
		return nil
	},
}

var commandsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop terminal commands older than the configured age",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		q, err := queue.Open(cfg.QueuePath(), clock.Real{})
		if err != nil {
			return err
		}
		removed, err := q.Cleanup(cfg.QueueMaxAge)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d command(s)\n", removed)
		return nil
	},
}

var commandsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every command, including queued ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		q, err := queue.Open(cfg.QueuePath(), clock.Real{})
		if err != nil {
			return err
		}
		removed, err := q.Clear()
		if err != nil {
			return err
		}
		fmt.Printf("Cleared %d command(s)\n", removed)
		return nil
	},
}

func init() {
	commandsCmd.AddCommand(commandsListCmd)
	commandsCmd.AddCommand(commandsStatusCmd)
	commandsCmd.AddCommand(commandsCleanupCmd)
	commandsCmd.AddCommand(commandsClearCmd)
	rootCmd.AddCommand(commandsCmd)
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
