package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/panerelay/panerelay/internal/config"
	"github.com/panerelay/panerelay/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background relay process",
	Long: `Run the relay as a detached background process.

  panerelay daemon start      Start the relay in the background
  panerelay daemon stop       Stop it (waits for the current command)
  panerelay daemon restart    Stop then start
  panerelay daemon status     Show whether it is running`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon()
		if err != nil {
			return err
		}
		pid, err := d.Start("serve")
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("already running (pid %d)", pid)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Started (pid %d)\n", pid)
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon()
		if err != nil {
			return err
		}
		if err := d.Stop(); err != nil {
			return err
		}
		fmt.Println("Stopped")
		return nil
	},
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the background relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon()
		if err != nil {
			return err
		}
		pid, err := d.Restart("serve")
		if err != nil {
			return err
		}
		fmt.Printf("Restarted (pid %d)\n", pid)
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background relay is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon()
		if err != nil {
			return err
		}
		if pid, running := d.Status(); running {
			fmt.Printf("Running (pid %d)\n", pid)
		} else {
			fmt.Println("Not running")
		}
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func newDaemon() (*daemon.Daemon, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return daemon.New(cfg.PIDPath(), logPath(cfg)), nil
}
