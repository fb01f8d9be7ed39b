// Package monitor watches assistant panes and emits notifications when the
// assistant finishes working. Watch rules are YAML files, one per pane, in
// a configurable directory. On a busy-to-idle transition the monitor mints
// a session token and sends the notification through the pane's configured
// transport.
package monitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/panerelay/panerelay/internal/clock"
	"github.com/panerelay/panerelay/internal/events"
	"github.com/panerelay/panerelay/internal/injector"
	"github.com/panerelay/panerelay/internal/session"
	"github.com/panerelay/panerelay/internal/tmux"
	"github.com/panerelay/panerelay/internal/transport"
)

// Rule defines one watched pane, loaded from a YAML file.
type Rule struct {
	Pane      string `yaml:"pane"`
	Project   string `yaml:"project"`
	Transport string `yaml:"transport"`
	Recipient string `yaml:"recipient"`
}

// Monitor polls watched panes and notifies on idle transitions.
type Monitor struct {
	rulesDir  string
	driver    *tmux.Driver
	store     *session.Store
	outbounds map[transport.Kind]transport.Outbound
	bus       *events.Bus
	clock     clock.Clock
	product   string
	lifetime  time.Duration
	interval  time.Duration

	mu    sync.Mutex
	rules []Rule
	// busy tracks which panes were last seen working, so a notification
	// fires on the transition to idle rather than on every idle poll.
	busy map[string]bool
}

// New creates a Monitor that reads rules from rulesDir.
func New(rulesDir string, driver *tmux.Driver, store *session.Store,
	outbounds map[transport.Kind]transport.Outbound, bus *events.Bus,
	clk clock.Clock, product string, lifetime time.Duration) *Monitor {
	return &Monitor{
		rulesDir:  rulesDir,
		driver:    driver,
		store:     store,
		outbounds: outbounds,
		bus:       bus,
		clock:     clk,
		product:   product,
		lifetime:  lifetime,
		interval:  5 * time.Second,
		busy:      make(map[string]bool),
	}
}

// LoadRules reads all .yaml files from the rules directory.
func (m *Monitor) LoadRules() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = nil

	entries, err := os.ReadDir(m.rulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading rules directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(m.rulesDir, name)
		rule, err := parseRuleFile(path)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		if rule.Project == "" {
			rule.Project = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		m.rules = append(m.rules, *rule)
	}

	return nil
}

// Rules returns a copy of the loaded rules.
func (m *Monitor) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Rule, len(m.rules))
	copy(cp, m.rules)
	return cp
}

// Run polls all watched panes until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rule := range m.Rules() {
				m.check(ctx, rule)
			}
		}
	}
}

// check captures one pane and notifies if the assistant just went idle.
func (m *Monitor) check(ctx context.Context, rule Rule) {
	if !m.driver.HasSession(rule.Pane) {
		return
	}
	tail, err := m.driver.Capture(rule.Pane, 200)
	if err != nil {
		log.Printf("monitor: capturing %s: %v", rule.Pane, err)
		return
	}

	m.mu.Lock()
	wasBusy := m.busy[rule.Pane]
	action := injector.Classify(tail)
	nowBusy := action == injector.ActionWorking
	m.busy[rule.Pane] = nowBusy
	m.mu.Unlock()

	if !wasBusy || nowBusy || action != injector.ActionIdle {
		return
	}

	if err := m.Notify(ctx, rule); err != nil {
		log.Printf("monitor: notifying for %s: %v", rule.Pane, err)
	}
}

// Notify mints a session for the pane and sends the notification.
func (m *Monitor) Notify(ctx context.Context, rule Rule) error {
	kind := transport.Kind(rule.Transport)
	out, ok := m.outbounds[kind]
	if !ok {
		return fmt.Errorf("no outbound transport %q for pane %s", rule.Transport, rule.Pane)
	}

	sess := &session.Session{
		Transport: kind,
		Recipient: rule.Recipient,
		Pane:      rule.Pane,
		Project:   rule.Project,
		ExpiresAt: m.clock.Now().Add(m.lifetime),
	}
	sess, err := m.store.Mint(sess)
	if err != nil {
		return fmt.Errorf("minting session for %s: %w", rule.Pane, err)
	}

	n := Render(m.product, sess)
	if _, err := out.Send(ctx, rule.Recipient, n); err != nil {
		// The token would be unanswerable; don't leave it live.
		m.store.Delete(sess.ID)
		return fmt.Errorf("sending notification for %s: %w", rule.Pane, err)
	}

	sess.Notification = n
	if err := m.store.Update(sess); err != nil {
		log.Printf("monitor: recording notification copy for %s: %v", sess.ID, err)
	}

	log.Printf("monitor: notified %s for pane %s (token %s)", rule.Recipient, rule.Pane, sess.Token)
	m.bus.Publish(events.Event{
		Type:      events.TypeSessionMinted,
		SessionID: sess.ID,
		Detail:    fmt.Sprintf("pane=%s transport=%s", rule.Pane, rule.Transport),
		CreatedAt: m.clock.Now(),
	})
	return nil
}

// Render builds the outbound payload. The subject carries the bracketed
// token tag and the body ends with the Session ID marker line; the reply
// parser depends on both.
func Render(product string, sess *session.Session) transport.Notification {
	subject := fmt.Sprintf("[%s #%s] %s is waiting", product, sess.Token, sess.Project)
	body := fmt.Sprintf(
		"Your assistant in pane %q (%s) is idle and waiting for instructions.\n"+
			"\n"+
			"Reply to this message with the next command. The reply body above\n"+
			"any quoted text is relayed verbatim.\n"+
			"\n"+
			"Token %s\n"+
			"Session ID: %s\n",
		sess.Pane, sess.Project, sess.Token, sess.ID)
	return transport.Notification{
		Subject:   subject,
		Body:      body,
		Token:     sess.Token,
		SessionID: sess.ID,
		Project:   sess.Project,
		Pane:      sess.Pane,
	}
}

func parseRuleFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if rule.Pane == "" {
		return nil, fmt.Errorf("pane is required")
	}
	if rule.Transport == "" {
		return nil, fmt.Errorf("transport is required")
	}
	if rule.Recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}

	return &rule, nil
}
