// Package telegram is the Telegram transport. Inbound uses long polling
// with the update offset as the persisted cursor, so no public URL or
// webhook is needed; outbound sends plain-text notifications and acks.
package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/panerelay/panerelay/internal/transport"
)

// pollTimeout is the Telegram long-poll window in seconds.
const pollTimeout = 25

// Transport implements transport.Inbound and transport.Outbound over the
// Telegram Bot API.
type Transport struct {
	api *tgbotapi.BotAPI
	// allowedChats is the whitelist of chat IDs permitted to send
	// commands. Empty means reject everything.
	allowedChats map[int64]bool
}

// New authorizes the bot and returns the transport.
func New(token string, allowedChats []int64) (*Transport, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}

	log.Printf("Telegram bot authorized as @%s", api.Self.UserName)

	allowed := make(map[int64]bool, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = true
	}
	return &Transport{api: api, allowedChats: allowed}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindTelegram }

// Poll fetches updates with IDs strictly greater than the cursor. The new
// cursor is the highest update ID seen.
func (t *Transport) Poll(ctx context.Context, cursor string) ([]transport.Message, string, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err == nil {
			offset = n + 1
		}
	}

	u := tgbotapi.NewUpdate(offset)
	u.Timeout = pollTimeout

	updates, err := t.api.GetUpdates(u)
	if err != nil {
		return nil, cursor, transport.Transient(fmt.Errorf("getting updates: %w", err))
	}

	var messages []transport.Message
	last := offset - 1
	for _, update := range updates {
		if update.UpdateID > last {
			last = update.UpdateID
		}
		if update.Message == nil || update.Message.Text == "" {
			continue
		}
		messages = append(messages, transport.Message{
			ID:         strconv.Itoa(update.UpdateID),
			Sender:     strconv.FormatInt(update.Message.Chat.ID, 10),
			Body:       update.Message.Text,
			ReplyRef:   strconv.Itoa(update.Message.MessageID),
			ReceivedAt: time.Unix(int64(update.Message.Date), 0).UTC(),
		})
	}
	if last < 0 {
		return messages, cursor, nil
	}
	return messages, strconv.Itoa(last), nil
}

// Authenticate checks the chat ID against the whitelist.
func (t *Transport) Authenticate(msg transport.Message) error {
	chatID, err := strconv.ParseInt(msg.Sender, 10, 64)
	if err != nil {
		return transport.ErrUnauthorized
	}
	if !t.allowedChats[chatID] {
		return transport.ErrUnauthorized
	}
	return nil
}

// Send delivers a notification to the given chat ID.
func (t *Transport) Send(ctx context.Context, recipient string, n transport.Notification) (string, error) {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return "", transport.Permanent(fmt.Errorf("invalid Telegram chat id %q", recipient))
	}

	msg := tgbotapi.NewMessage(chatID, n.Subject+"\n\n"+n.Body)
	sent, err := t.api.Send(msg)
	if err != nil {
		return "", transport.Transient(fmt.Errorf("sending to chat %d: %w", chatID, err))
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Reply answers a received message in its chat.
func (t *Transport) Reply(ctx context.Context, msg transport.Message, text string) error {
	chatID, err := strconv.ParseInt(msg.Sender, 10, 64)
	if err != nil {
		return transport.Permanent(fmt.Errorf("invalid Telegram chat id %q", msg.Sender))
	}

	reply := tgbotapi.NewMessage(chatID, text)
	if msgID, err := strconv.Atoi(msg.ReplyRef); err == nil {
		reply.ReplyToMessageID = msgID
	}
	if _, err := t.api.Send(reply); err != nil {
		return transport.Transient(fmt.Errorf("replying to chat %d: %w", chatID, err))
	}
	return nil
}
