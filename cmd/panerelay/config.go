package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// configKey describes a single configuration value.
type configKey struct {
	Key    string
	Desc   string
	Secret bool
}

// allConfigKeys lists every configurable value in display order.
var allConfigKeys = []configKey{
	{"RELAY_ADDR", "Admin HTTP listen address (default :7350)", false},
	{"RELAY_PRODUCT", "Product name used in the subject tag", false},
	{"RELAY_PROMPT_POLICY", "Consent-menu policy: permissive or conservative", false},
	{"RELAY_POLL_INTERVAL", "Inbound poll interval (default 30s)", false},
	{"RELAY_SESSION_LIFETIME", "Token lifetime (default 24h)", false},
	{"RELAY_TMUX_BIN", "Multiplexer binary (default tmux)", false},
	{"RELAY_ASSISTANT_CMD", "Assistant start command for pane bootstrap", false},
	{"RELAY_ASSISTANT_FALLBACK", "Absolute-path fallback start command", false},
	{"RELAY_ASSISTANT_WORKDIR", "Working directory for bootstrapped panes", false},
	{"RELAY_DROP_DIR", "Drop-folder path for degraded delivery", false},
	{"IMAP_HOST", "IMAP server host", false},
	{"IMAP_PORT", "IMAP server port (default 993)", false},
	{"IMAP_USER", "IMAP login user", false},
	{"IMAP_PASSWORD", "IMAP login password", true},
	{"IMAP_MAILBOX", "Mailbox to poll (default INBOX)", false},
	{"SMTP_HOST", "SMTP server host", false},
	{"SMTP_PORT", "SMTP server port (default 587)", false},
	{"SMTP_USER", "SMTP login user", false},
	{"SMTP_PASSWORD", "SMTP login password", true},
	{"SMTP_FROM", "From address for notifications", false},
	{"MAIL_ALLOWED_SENDERS", "Comma-separated reply sender whitelist", false},
	{"TELEGRAM_BOT_TOKEN", "Telegram bot token (from @BotFather)", true},
	{"TELEGRAM_ALLOWED_CHATS", "Comma-separated allowed chat IDs", false},
	{"LINE_CHANNEL_SECRET", "LINE channel secret (webhook signature key)", true},
	{"LINE_CHANNEL_TOKEN", "LINE channel access token", true},
	{"LINE_ALLOWED_IDS", "Comma-separated allowed userId/groupId values", false},
	{"SLACK_BOT_TOKEN", "Slack Bot User OAuth Token (xoxb-...)", true},
	{"SLACK_APP_TOKEN", "Slack App-Level Token (xapp-...)", true},
	{"SLACK_ALLOWED_USERS", "Comma-separated allowed Slack user IDs", false},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage PaneRelay configuration",
	Long: `Manage PaneRelay configuration (transport credentials, pane settings).

Configuration is stored in ~/.panerelay/config.env and can be overridden
by environment variables.

  panerelay config set KEY VALUE      Set a single config value
  panerelay config show               Show current configuration
  panerelay config path               Print config file path`,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  panerelay config set TELEGRAM_BOT_TOKEN 123456:ABC-xyz`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(configFilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// configFilePath returns ~/.panerelay/config.env.
func configFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".panerelay", "config.env")
	}
	return filepath.Join(home, ".panerelay", "config.env")
}

// loadConfigFile reads key=value pairs from the config file.
func loadConfigFile() (map[string]string, error) {
	values := make(map[string]string)
	path := configFilePath()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}
	return values, scanner.Err()
}

// saveConfigFile writes key=value pairs to the config file.
func saveConfigFile(values map[string]string) error {
	path := configFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# PaneRelay configuration")
	fmt.Fprintln(f, "# Managed by: panerelay config")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	// Write in a stable order: known keys first, then any extras.
	written := make(map[string]bool)
	for _, ck := range allConfigKeys {
		if v, ok := values[ck.Key]; ok && v != "" {
			fmt.Fprintf(f, "%s=%s\n", ck.Key, v)
			written[ck.Key] = true
		}
	}

	var extras []string
	for k := range values {
		if !written[k] && values[k] != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}

	return nil
}

// effectiveValue returns the current value for a key, preferring env vars
// over the config file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// maskSecret masks a secret string, showing only the first 4 and last 4
// characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// runConfigSet sets a single key=value in the config file.
func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fileValues[key] = value

	if err := saveConfigFile(fileValues); err != nil {
		return err
	}

	isSecret := false
	for _, ck := range allConfigKeys {
		if ck.Key == key && ck.Secret {
			isSecret = true
			break
		}
	}

	if isSecret {
		fmt.Printf("Set %s = %s\n", key, maskSecret(value))
	} else {
		fmt.Printf("Set %s = %s\n", key, value)
	}
	return nil
}

// runConfigShow displays the current effective configuration.
func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fmt.Printf("Config file: %s\n\n", configFilePath())

	for _, ck := range allConfigKeys {
		value := effectiveValue(ck.Key, fileValues)
		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		} else if fileValues[ck.Key] != "" {
			source = " (from config file)"
		}

		display := "(not set)"
		if value != "" {
			if ck.Secret {
				display = maskSecret(value)
			} else {
				display = value
			}
		}

		fmt.Printf("  %-26s %s%s\n", ck.Key, display, source)
	}

	return nil
}
