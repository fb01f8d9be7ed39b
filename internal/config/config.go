// Package config provides configuration management for PaneRelay.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PaneRelay daemon.
type Config struct {
	// ServerAddr is the address the admin/status HTTP server listens on.
	ServerAddr string

	// DataDir is the directory for persistent state (sessions, queue,
	// cursors, audit log, PID file).
	DataDir string

	// Product is the name used in the outbound subject tag
	// ("[<Product> #TOKEN]"). Replies are matched against the same tag.
	Product string

	// PromptPolicy selects how multi-option consent menus are answered:
	// "permissive" (option 2, suppress future prompts) or "conservative"
	// (option 1).
	PromptPolicy string

	// PollInterval is how often inbound transports without push support
	// are polled. Default: 30s.
	PollInterval time.Duration

	// SessionLifetime is how long a minted token stays valid. Default: 24h.
	SessionLifetime time.Duration

	// QueueMaxAge is how long terminal commands are kept. Default: 24h.
	QueueMaxAge time.Duration

	// TmuxBin is the multiplexer binary. Default: "tmux".
	TmuxBin string

	// AssistantCommand starts the assistant CLI when a pane has to be
	// bootstrapped; AssistantFallback is the absolute-path variant tried
	// once if the first fails. AssistantWorkDir is the bootstrap cwd.
	AssistantCommand  string
	AssistantFallback string
	AssistantWorkDir  string

	// DropDir enables the degraded drop-folder delivery mode when set.
	DropDir string

	// Inbound email (IMAP over TLS).
	IMAPHost     string
	IMAPPort     int
	IMAPUser     string
	IMAPPassword string
	IMAPMailbox  string

	// Outbound email (SMTP).
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	// MailAllowedSenders is the whitelist of reply senders.
	MailAllowedSenders []string

	// Telegram (long polling).
	TelegramBotToken     string
	TelegramAllowedChats []int64

	// LINE webhook.
	LINEChannelSecret string
	LINEChannelToken  string
	LINEAllowedIDs    []string

	// Slack (Socket Mode).
	SlackBotToken     string
	SlackAppToken     string
	SlackAllowedUsers []string
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.panerelay/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("RELAY_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:      envOr("RELAY_ADDR", ":7350"),
		DataDir:         dataDir,
		Product:         envOr("RELAY_PRODUCT", "PaneRelay"),
		PromptPolicy:    envOr("RELAY_PROMPT_POLICY", "permissive"),
		PollInterval:    envOrDuration("RELAY_POLL_INTERVAL", 30*time.Second),
		SessionLifetime: envOrDuration("RELAY_SESSION_LIFETIME", 24*time.Hour),
		QueueMaxAge:     envOrDuration("RELAY_QUEUE_MAX_AGE", 24*time.Hour),

		TmuxBin:           envOr("RELAY_TMUX_BIN", "tmux"),
		AssistantCommand:  os.Getenv("RELAY_ASSISTANT_CMD"),
		AssistantFallback: os.Getenv("RELAY_ASSISTANT_FALLBACK"),
		AssistantWorkDir:  os.Getenv("RELAY_ASSISTANT_WORKDIR"),
		DropDir:           os.Getenv("RELAY_DROP_DIR"),

		IMAPHost:     os.Getenv("IMAP_HOST"),
		IMAPPort:     envOrInt("IMAP_PORT", 993),
		IMAPUser:     os.Getenv("IMAP_USER"),
		IMAPPassword: os.Getenv("IMAP_PASSWORD"),
		IMAPMailbox:  envOr("IMAP_MAILBOX", "INBOX"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     envOrInt("SMTP_PORT", 587),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),

		MailAllowedSenders: splitList(os.Getenv("MAIL_ALLOWED_SENDERS")),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		LINEChannelSecret: os.Getenv("LINE_CHANNEL_SECRET"),
		LINEChannelToken:  os.Getenv("LINE_CHANNEL_TOKEN"),
		LINEAllowedIDs:    splitList(os.Getenv("LINE_ALLOWED_IDS")),

		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:     os.Getenv("SLACK_APP_TOKEN"),
		SlackAllowedUsers: splitList(os.Getenv("SLACK_ALLOWED_USERS")),
	}

	for _, raw := range splitList(os.Getenv("TELEGRAM_ALLOWED_CHATS")) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_ALLOWED_CHATS: invalid chat id %q", raw)
		}
		cfg.TelegramAllowedChats = append(cfg.TelegramAllowedChats, id)
	}

	return cfg, nil
}

// loadConfigFile reads ~/.panerelay/config.env and sets any values that are
// not already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	path := filepath.Join(defaultDataDir(), "config.env")
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist or can't be read — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that the configuration is coherent. Transport credentials
// are validated per transport: a half-configured transport is a fatal
// config error, a fully absent one is simply disabled.
func (c *Config) Validate() error {
	switch c.PromptPolicy {
	case "permissive", "conservative":
	default:
		return fmt.Errorf("RELAY_PROMPT_POLICY must be \"permissive\" or \"conservative\", got %q", c.PromptPolicy)
	}

	if c.IMAPHost != "" || c.SMTPHost != "" {
		if c.IMAPHost == "" || c.IMAPUser == "" || c.IMAPPassword == "" {
			return fmt.Errorf("email transport needs IMAP_HOST, IMAP_USER and IMAP_PASSWORD")
		}
		if c.SMTPHost == "" || c.SMTPFrom == "" {
			return fmt.Errorf("email transport needs SMTP_HOST and SMTP_FROM")
		}
	}
	if c.LINEChannelToken != "" && c.LINEChannelSecret == "" {
		return fmt.Errorf("LINE transport needs LINE_CHANNEL_SECRET")
	}
	if (c.SlackBotToken == "") != (c.SlackAppToken == "") {
		return fmt.Errorf("Slack transport needs both SLACK_BOT_TOKEN and SLACK_APP_TOKEN")
	}
	if !c.EmailEnabled() && !c.TelegramEnabled() && !c.LINEEnabled() && !c.SlackEnabled() {
		return fmt.Errorf("no transport configured; set up email, Telegram, LINE or Slack")
	}
	return nil
}

// EmailEnabled returns true if the IMAP/SMTP pair is configured.
func (c *Config) EmailEnabled() bool {
	return c.IMAPHost != "" && c.SMTPHost != ""
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// LINEEnabled returns true if the LINE webhook is configured.
func (c *Config) LINEEnabled() bool {
	return c.LINEChannelSecret != "" && c.LINEChannelToken != ""
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// EnabledTransports names the configured transports.
func (c *Config) EnabledTransports() []string {
	var names []string
	if c.EmailEnabled() {
		names = append(names, "email")
	}
	if c.TelegramEnabled() {
		names = append(names, "telegram")
	}
	if c.LINEEnabled() {
		names = append(names, "line")
	}
	if c.SlackEnabled() {
		names = append(names, "slack")
	}
	return names
}

// --- Derived paths ---

func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }
func (c *Config) PanesDir() string    { return filepath.Join(c.DataDir, "panes") }
func (c *Config) CursorsDir() string  { return filepath.Join(c.DataDir, "cursors") }
func (c *Config) QueuePath() string   { return filepath.Join(c.DataDir, "queue.json") }
func (c *Config) AuditPath() string   { return filepath.Join(c.DataDir, "audit.db") }
func (c *Config) PIDPath() string     { return filepath.Join(c.DataDir, "panerelay.pid") }

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".panerelay"
	}
	return filepath.Join(home, ".panerelay")
}
