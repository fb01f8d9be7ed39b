// Package slack is the Slack transport, connected via Socket Mode so no
// public URL is needed. Inbound events are buffered by the socket loop and
// drained through Poll; outbound messages go to a channel, threaded when
// answering a specific message.
package slack

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/panerelay/panerelay/internal/transport"
)

const pendingBuffer = 256

// Transport implements transport.Inbound and transport.Outbound over Slack
// Socket Mode.
type Transport struct {
	api          *slack.Client
	socketClient *socketmode.Client
	allowed      map[string]bool
	pending      chan transport.Message
}

// New creates the Slack transport. allowedUsers whitelists Slack user IDs.
func New(botToken, appToken string, allowedUsers []string) *Transport {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	socketClient := socketmode.New(
		api,
		socketmode.OptionLog(log.New(log.Writer(), "slack-socketmode: ", log.LstdFlags)),
	)

	allowed := make(map[string]bool, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = true
	}

	return &Transport{
		api:          api,
		socketClient: socketClient,
		allowed:      allowed,
		pending:      make(chan transport.Message, pendingBuffer),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindSlack }

// PollInterval asks the controller for a fast drain; the socket loop has
// already buffered the events in memory.
func (t *Transport) PollInterval() time.Duration { return time.Second }

// Run connects to Slack and feeds inbound messages into the Poll buffer.
// Blocks until ctx is canceled.
func (t *Transport) Run(ctx context.Context) error {
	go t.eventLoop(ctx)
	log.Println("Slack transport connecting via Socket Mode...")
	return t.socketClient.RunContext(ctx)
}

func (t *Transport) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-t.socketClient.Events:
			if !ok {
				return
			}
			t.handleEvent(evt)
		}
	}
}

func (t *Transport) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		log.Println("Slack: connecting...")
	case socketmode.EventTypeConnected:
		log.Println("Slack: connected")
	case socketmode.EventTypeConnectionError:
		log.Println("Slack: connection error, will retry...")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		t.socketClient.Ack(*evt.Request)

		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			t.handleCallbackEvent(eventsAPIEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		t.socketClient.Ack(*evt.Request)
	}
}

func (t *Transport) handleCallbackEvent(innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore bot echoes and edits.
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		t.buffer(ev.User, ev.Channel, ev.TimeStamp, ev.Text)
	case *slackevents.AppMentionEvent:
		text := ev.Text
		// Strip the leading @mention.
		if idx := strings.Index(text, ">"); idx >= 0 {
			text = strings.TrimSpace(text[idx+1:])
		}
		t.buffer(ev.User, ev.Channel, ev.TimeStamp, text)
	}
}

func (t *Transport) buffer(user, channel, ts, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	msg := transport.Message{
		ID:         ts,
		Sender:     user,
		Body:       text,
		ReplyRef:   channel + "|" + ts,
		ReceivedAt: time.Now().UTC(),
	}
	select {
	case t.pending <- msg:
	default:
		log.Printf("slack: dropping message %s, buffer full", ts)
	}
}

// Poll drains the socket-mode buffer. The cursor is unused.
func (t *Transport) Poll(ctx context.Context, cursor string) ([]transport.Message, string, error) {
	var messages []transport.Message
	for {
		select {
		case msg := <-t.pending:
			messages = append(messages, msg)
		default:
			return messages, cursor, nil
		}
	}
}

// Authenticate checks the user whitelist.
func (t *Transport) Authenticate(msg transport.Message) error {
	if !t.allowed[msg.Sender] {
		return transport.ErrUnauthorized
	}
	return nil
}

// Send posts a notification to the given channel ID.
func (t *Transport) Send(ctx context.Context, recipient string, n transport.Notification) (string, error) {
	_, ts, err := t.api.PostMessageContext(ctx, recipient,
		slack.MsgOptionText(n.Subject+"\n\n"+n.Body, false),
	)
	if err != nil {
		return "", transport.Transient(fmt.Errorf("posting to %s: %w", recipient, err))
	}
	return ts, nil
}

// Reply answers in the thread of the original message.
func (t *Transport) Reply(ctx context.Context, msg transport.Message, text string) error {
	channel, ts, ok := strings.Cut(msg.ReplyRef, "|")
	if !ok {
		return transport.Permanent(fmt.Errorf("malformed reply ref %q", msg.ReplyRef))
	}
	_, _, err := t.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(ts),
	)
	if err != nil {
		return transport.Transient(fmt.Errorf("replying in %s: %w", channel, err))
	}
	return nil
}
