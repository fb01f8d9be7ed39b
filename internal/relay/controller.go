// Package relay wires the transports, the reply parser, the session store,
// the command queue, and the injector into the round trip: notification
// out, reply in, command typed into the pane.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/panerelay/panerelay/internal/clock"
	"github.com/panerelay/panerelay/internal/events"
	"github.com/panerelay/panerelay/internal/parse"
	"github.com/panerelay/panerelay/internal/queue"
	"github.com/panerelay/panerelay/internal/session"
	"github.com/panerelay/panerelay/internal/transport"
)

const (
	// dispatchInterval is how often ready commands are pulled.
	dispatchInterval = 5 * time.Second
	// injectTimeout is the hard wall-clock cap on one injection: the
	// confirmation loop's 8 × 1.5 s plus generous overheads.
	injectTimeout = 60 * time.Second
	// maintenanceInterval drives session GC and queue cleanup.
	maintenanceInterval = 10 * time.Minute
)

// Injector delivers one command into a pane. The production implementation
// lives in internal/injector; tests substitute fakes.
type Injector interface {
	Inject(ctx context.Context, pane, command string) error
}

// Runnable is implemented by transports that need their own long-running
// loop (Slack Socket Mode) in addition to Poll.
type Runnable interface {
	Run(ctx context.Context) error
}

// PollIntervalHint is implemented by buffered transports (webhook or socket
// inbounds) whose Poll just drains memory: they ask for a faster drain than
// the network pollers so acks go out while short-lived reply tokens are
// still valid.
type PollIntervalHint interface {
	PollInterval() time.Duration
}

// pollInterval resolves the poll cadence for one inbound transport.
func pollInterval(in transport.Inbound, fallback time.Duration) time.Duration {
	if h, ok := in.(PollIntervalHint); ok {
		if d := h.PollInterval(); d > 0 {
			return d
		}
	}
	return fallback
}

// Options configures a Controller.
type Options struct {
	PollInterval time.Duration
	QueueMaxAge  time.Duration
}

// Controller is the relay's brain.
type Controller struct {
	store     *session.Store
	queue     *queue.Queue
	injector  Injector
	inbounds  []transport.Inbound
	outbounds map[transport.Kind]transport.Outbound
	cursors   *transport.CursorStore
	bus       *events.Bus
	clock     clock.Clock
	opts      Options

	wg sync.WaitGroup

	mu         sync.Mutex
	dispatched int
	rejected   int
}

// New creates a Controller.
func New(store *session.Store, q *queue.Queue, inj Injector,
	inbounds []transport.Inbound, outbounds map[transport.Kind]transport.Outbound,
	cursors *transport.CursorStore, bus *events.Bus, clk clock.Clock, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.QueueMaxAge <= 0 {
		opts.QueueMaxAge = queue.DefaultMaxAge
	}
	return &Controller{
		store:     store,
		queue:     q,
		injector:  inj,
		inbounds:  inbounds,
		outbounds: outbounds,
		cursors:   cursors,
		bus:       bus,
		clock:     clk,
		opts:      opts,
	}
}

// Run starts the transport loops and the dispatcher and blocks until ctx
// is canceled. The queue was already crash-recovered by queue.Open; any
// command it rewound will be re-dispatched here.
func (c *Controller) Run(ctx context.Context) error {
	c.bus.Publish(events.Event{Type: events.TypeStarted, CreatedAt: c.clock.Now()})

	for _, in := range c.inbounds {
		in := in
		if r, ok := in.(Runnable); ok {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("relay: %s transport loop: %v", in.Kind(), err)
				}
			}()
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pollLoop(ctx, in)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.maintenanceLoop(ctx)
	}()

	<-ctx.Done()
	c.wg.Wait()
	c.bus.Publish(events.Event{Type: events.TypeStopped, CreatedAt: c.clock.Now()})
	return nil
}

// --- Inbound path ---

func (c *Controller) pollLoop(ctx context.Context, in transport.Inbound) {
	cursor, err := c.cursors.Load(in.Kind())
	if err != nil {
		log.Printf("relay: loading %s cursor: %v", in.Kind(), err)
	}

	backoff := time.Duration(0)
	for {
		if ctx.Err() != nil {
			return
		}

		messages, newCursor, err := in.Poll(ctx, cursor)
		if err != nil {
			if !transport.IsTransient(err) {
				// Operator action needed; stop this transport.
				log.Printf("relay: %s transport stopped: %v", in.Kind(), err)
				return
			}
			backoff = transport.NextBackoff(backoff)
			log.Printf("relay: %s poll failed, retrying in %s: %v", in.Kind(), backoff, err)
			c.clock.Sleep(ctx, backoff)
			continue
		}
		backoff = 0

		for _, msg := range messages {
			c.handleMessage(ctx, in, msg)
		}

		if newCursor != cursor {
			cursor = newCursor
			if err := c.cursors.Save(in.Kind(), cursor); err != nil {
				log.Printf("relay: saving %s cursor: %v", in.Kind(), err)
			}
		}

		c.clock.Sleep(ctx, pollInterval(in, c.opts.PollInterval))
	}
}

// handleMessage runs one inbound message through authenticate → parse →
// session lookup → authorize → enqueue. Every rejection is answered on the
// same transport when an outbound side exists.
func (c *Controller) handleMessage(ctx context.Context, in transport.Inbound, msg transport.Message) {
	if err := in.Authenticate(msg); err != nil {
		// Generic answer to the user, detail only in the log.
		log.Printf("relay: %s message %s from %s rejected: %v", in.Kind(), msg.ID, msg.Sender, err)
		c.reject(ctx, in.Kind(), msg, "Unauthorized.")
		return
	}

	var cmd *parse.Command
	var err error
	if msg.Subject != "" {
		cmd, err = parse.Email(msg.Subject, msg.Body)
	} else {
		cmd, err = parse.Chat(msg.Body)
	}
	if err != nil {
		switch {
		case errors.Is(err, parse.ErrNoToken):
			// Chat transports see plenty of unrelated chatter; only email
			// replies warrant an error answer.
			if msg.Subject != "" {
				c.reject(ctx, in.Kind(), msg, "No session token found. Reply to a notification, keeping its subject line.")
			}
		case errors.Is(err, parse.ErrEmptyCommand):
			c.reject(ctx, in.Kind(), msg, "Your reply was empty after removing quoted text. Write the command above the quoted part.")
		default:
			c.reject(ctx, in.Kind(), msg, "Could not read that reply.")
		}
		return
	}

	sess, err := c.store.FindByToken(cmd.Token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.reject(ctx, in.Kind(), msg, "Token expired. Wait for the next notification.")
		} else {
			log.Printf("relay: looking up token %s: %v", cmd.Token, err)
		}
		return
	}

	// Commands are accepted only on the transport the notification used,
	// and only from the recipient it went to.
	if sess.Transport != in.Kind() || !strings.EqualFold(sess.Recipient, msg.Sender) {
		log.Printf("relay: token %s used by %s/%s, bound to %s/%s",
			cmd.Token, in.Kind(), msg.Sender, sess.Transport, sess.Recipient)
		c.reject(ctx, in.Kind(), msg, "Unauthorized.")
		return
	}

	queueID, err := c.queue.Enqueue(sess.ID, cmd.Command)
	if err != nil {
		log.Printf("relay: enqueueing command for %s: %v", sess.ID, err)
		c.reject(ctx, in.Kind(), msg, "Could not queue the command, try again.")
		return
	}
	if err := c.store.IncrementCommandCount(sess.ID); err != nil {
		log.Printf("relay: counting command for %s: %v", sess.ID, err)
	}

	log.Printf("relay: queued %s for session %s (pane %s)", queueID, sess.ID, sess.Pane)
	c.bus.Publish(events.Event{
		Type:      events.TypeCommandQueued,
		SessionID: sess.ID,
		CommandID: queueID,
		Detail:    cmd.Command,
		CreatedAt: c.clock.Now(),
	})
	c.ack(ctx, in.Kind(), msg, fmt.Sprintf("Queued for %s: %s", sess.Project, cmd.Command))
}

func (c *Controller) reject(ctx context.Context, kind transport.Kind, msg transport.Message, text string) {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
	c.bus.Publish(events.Event{
		Type:      events.TypeCommandRejected,
		Detail:    text,
		CreatedAt: c.clock.Now(),
	})
	c.ack(ctx, kind, msg, text)
}

func (c *Controller) ack(ctx context.Context, kind transport.Kind, msg transport.Message, text string) {
	out, ok := c.outbounds[kind]
	if !ok {
		return
	}
	if err := out.Reply(ctx, msg, text); err != nil {
		log.Printf("relay: replying on %s: %v", kind, err)
	}
}

// --- Dispatch path ---

func (c *Controller) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatchReady(ctx)
		}
	}
}

// dispatchReady drains everything currently ready. Per-session ordering is
// the queue's job; this loop just runs what Dequeue hands out.
func (c *Controller) dispatchReady(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		cmd, err := c.queue.Dequeue()
		if err != nil {
			log.Printf("relay: dequeue: %v", err)
			return
		}
		if cmd == nil {
			return
		}
		c.execute(ctx, cmd)
	}
}

func (c *Controller) execute(ctx context.Context, cmd *queue.Command) {
	sess, err := c.store.FindByID(cmd.SessionID)
	if err != nil {
		// The session is gone; the command can never be delivered.
		log.Printf("relay: cancelling %s, session %s missing", cmd.ID, cmd.SessionID)
		c.queue.Cancel(cmd.ID)
		return
	}

	if err := c.queue.MarkExecuting(cmd.ID); err != nil {
		log.Printf("relay: marking %s executing: %v", cmd.ID, err)
		return
	}

	// The injection runs detached from the shutdown signal: an in-flight
	// command gets its full timeout to finish, and Run's wg.Wait holds the
	// stopped event until it has. Only the timeout aborts it.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), injectTimeout)
	err = c.injector.Inject(execCtx, sess.Pane, cmd.Command)
	cancel()

	if err != nil {
		log.Printf("relay: command %s failed on pane %s: %v", cmd.ID, sess.Pane, err)
		if markErr := c.queue.MarkFailed(cmd.ID, err); markErr != nil {
			log.Printf("relay: marking %s failed: %v", cmd.ID, markErr)
		}
		c.bus.Publish(events.Event{
			Type:      events.TypeCommandFailed,
			SessionID: cmd.SessionID,
			CommandID: cmd.ID,
			Detail:    err.Error(),
			CreatedAt: c.clock.Now(),
		})
		return
	}

	if err := c.queue.MarkCompleted(cmd.ID); err != nil {
		log.Printf("relay: marking %s completed: %v", cmd.ID, err)
	}
	c.mu.Lock()
	c.dispatched++
	c.mu.Unlock()
	c.bus.Publish(events.Event{
		Type:      events.TypeCommandExecuted,
		SessionID: cmd.SessionID,
		CommandID: cmd.ID,
		CreatedAt: c.clock.Now(),
	})
}

// --- Maintenance ---

func (c *Controller) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.store.GC(c.clock.Now()); err != nil {
				log.Printf("relay: session GC: %v", err)
			} else if n > 0 {
				log.Printf("relay: collected %d expired sessions", n)
			}
			if n, err := c.queue.Cleanup(c.opts.QueueMaxAge); err != nil {
				log.Printf("relay: queue cleanup: %v", err)
			} else if n > 0 {
				log.Printf("relay: dropped %d old commands", n)
			}
		}
	}
}

// Stats is a snapshot of controller counters for the status surface.
type Stats struct {
	Dispatched int `json:"dispatched"`
	Rejected   int `json:"rejected"`
}

// Stats returns the current counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Dispatched: c.dispatched, Rejected: c.rejected}
}
