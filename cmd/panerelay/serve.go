package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/panerelay/panerelay/internal/clock"
	"github.com/panerelay/panerelay/internal/config"
	"github.com/panerelay/panerelay/internal/daemon"
	"github.com/panerelay/panerelay/internal/events"
	"github.com/panerelay/panerelay/internal/injector"
	"github.com/panerelay/panerelay/internal/monitor"
	"github.com/panerelay/panerelay/internal/queue"
	"github.com/panerelay/panerelay/internal/relay"
	"github.com/panerelay/panerelay/internal/server"
	"github.com/panerelay/panerelay/internal/session"
	"github.com/panerelay/panerelay/internal/tmux"
	"github.com/panerelay/panerelay/internal/transport"
	"github.com/panerelay/panerelay/internal/transport/email"
	"github.com/panerelay/panerelay/internal/transport/line"
	"github.com/panerelay/panerelay/internal/transport/slack"
	"github.com/panerelay/panerelay/internal/transport/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay in the foreground",
	Long: `Start the relay process: pane monitor, inbound transports, dispatcher and
the admin HTTP server. Blocks until interrupted. Use "panerelay daemon
start" to run it in the background instead.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	d := daemon.New(cfg.PIDPath(), logPath(cfg))
	release, err := d.Lock()
	if err != nil {
		return err
	}
	defer release()

	clk := clock.Real{}

	store, err := session.NewStore(cfg.SessionsDir(), clk)
	if err != nil {
		return err
	}
	q, err := queue.Open(cfg.QueuePath(), clk)
	if err != nil {
		return err
	}
	cursors, err := transport.NewCursorStore(cfg.CursorsDir())
	if err != nil {
		return err
	}
	bus := events.NewBus()
	audit, err := events.NewAuditStore(cfg.AuditPath())
	if err != nil {
		return err
	}
	defer audit.Close()

	driver := tmux.NewDriver(&tmux.ExecRunner{Bin: cfg.TmuxBin})
	inj := injector.New(driver, clk, injector.Options{
		Policy:          injector.PromptPolicy(cfg.PromptPolicy),
		StartCommand:    cfg.AssistantCommand,
		FallbackCommand: cfg.AssistantFallback,
		WorkDir:         cfg.AssistantWorkDir,
	})

	var delivery relay.Injector = inj
	if cfg.DropDir != "" {
		drop, err := injector.NewDropFolder(cfg.DropDir, 0)
		if err != nil {
			return err
		}
		delivery = &injector.Fallback{Primary: inj, Drop: drop, Clock: clk}
		log.Printf("Drop-folder fallback enabled at %s", cfg.DropDir)
	}

	var inbounds []transport.Inbound
	outbounds := make(map[transport.Kind]transport.Outbound)
	var webhook http.HandlerFunc

	if cfg.EmailEnabled() {
		t := email.New(email.Options{
			IMAPHost:       cfg.IMAPHost,
			IMAPPort:       cfg.IMAPPort,
			IMAPUser:       cfg.IMAPUser,
			IMAPPassword:   cfg.IMAPPassword,
			Mailbox:        cfg.IMAPMailbox,
			SMTPHost:       cfg.SMTPHost,
			SMTPPort:       cfg.SMTPPort,
			SMTPUser:       cfg.SMTPUser,
			SMTPPassword:   cfg.SMTPPassword,
			From:           cfg.SMTPFrom,
			AllowedSenders: cfg.MailAllowedSenders,
		})
		inbounds = append(inbounds, t)
		outbounds[transport.KindEmail] = t
		log.Println("Email transport enabled (IMAP/SMTP)")
	}
	if cfg.TelegramEnabled() {
		t, err := telegram.New(cfg.TelegramBotToken, cfg.TelegramAllowedChats)
		if err != nil {
			return fmt.Errorf("initializing Telegram: %w", err)
		}
		inbounds = append(inbounds, t)
		outbounds[transport.KindTelegram] = t
		log.Println("Telegram transport enabled (long polling)")
	}
	if cfg.LINEEnabled() {
		t := line.New(cfg.LINEChannelSecret, cfg.LINEChannelToken, cfg.LINEAllowedIDs)
		inbounds = append(inbounds, t)
		outbounds[transport.KindLINE] = t
		webhook = t.Handler()
		log.Println("LINE transport enabled (webhook)")
	}
	if cfg.SlackEnabled() {
		t := slack.New(cfg.SlackBotToken, cfg.SlackAppToken, cfg.SlackAllowedUsers)
		inbounds = append(inbounds, t)
		outbounds[transport.KindSlack] = t
		log.Println("Slack transport enabled (Socket Mode)")
	}

	controller := relay.New(store, q, delivery, inbounds, outbounds, cursors, bus, clk,
		relay.Options{PollInterval: cfg.PollInterval, QueueMaxAge: cfg.QueueMaxAge})

	mon := monitor.New(cfg.PanesDir(), driver, store, outbounds, bus, clk,
		cfg.Product, cfg.SessionLifetime)
	if err := mon.LoadRules(); err != nil {
		return fmt.Errorf("loading pane rules: %w", err)
	}
	log.Printf("Watching %d pane(s) from %s", len(mon.Rules()), cfg.PanesDir())

	srv := server.New(cfg, store, q, controller, bus, audit, webhook)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Every published event also lands in the audit log.
	go func() {
		ch := bus.Subscribe()
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-ch:
				if err := audit.Record(&event); err != nil {
					log.Printf("audit: recording event: %v", err)
				}
			}
		}
	}()

	go mon.Run(ctx)
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Printf("HTTP server: %v", err)
		}
	}()

	return controller.Run(ctx)
}

// logPath is where a detached daemon writes its output.
func logPath(cfg *config.Config) string {
	return cfg.DataDir + "/panerelay.log"
}
