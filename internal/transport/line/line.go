// Package line is the LINE Messaging API transport. Inbound is
// webhook-driven: the HTTP handler verifies the HMAC signature, decodes the
// events, and buffers them; Poll drains the buffer so the controller sees
// the same interface as the polling transports. Outbound uses the reply and
// push REST endpoints.
package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/panerelay/panerelay/internal/transport"
)

const (
	replyEndpoint = "https://api.line.me/v2/bot/message/reply"
	pushEndpoint  = "https://api.line.me/v2/bot/message/push"

	// pendingBuffer bounds how many webhook events can wait for the next
	// Poll before the handler starts dropping.
	pendingBuffer = 256
)

// Transport implements transport.Inbound and transport.Outbound for LINE.
type Transport struct {
	channelSecret string
	channelToken  string
	allowed       map[string]bool
	client        *http.Client
	pending       chan transport.Message
}

// New creates the LINE transport. allowedIDs whitelists userId and groupId
// values; empty rejects everything.
func New(channelSecret, channelToken string, allowedIDs []string) *Transport {
	allowed := make(map[string]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}
	return &Transport{
		channelSecret: channelSecret,
		channelToken:  channelToken,
		allowed:       allowed,
		client:        &http.Client{Timeout: 30 * time.Second},
		pending:       make(chan transport.Message, pendingBuffer),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindLINE }

// PollInterval asks the controller for a fast drain: events are already
// buffered in memory, and reply tokens expire quickly.
func (t *Transport) PollInterval() time.Duration { return time.Second }

// webhookPayload is the relevant subset of a LINE webhook body.
type webhookPayload struct {
	Events []struct {
		Type       string `json:"type"`
		ReplyToken string `json:"replyToken"`
		Source     struct {
			UserID  string `json:"userId"`
			GroupID string `json:"groupId"`
		} `json:"source"`
		Message struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
		Timestamp int64 `json:"timestamp"`
	} `json:"events"`
}

// Handler returns the webhook endpoint. Signature mismatches are answered
// with 401 and the body is never parsed.
func (t *Transport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		if !t.VerifySignature(body, r.Header.Get("X-Line-Signature")) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "decoding payload", http.StatusBadRequest)
			return
		}

		for _, event := range payload.Events {
			if event.Type != "message" || event.Message.Type != "text" {
				continue
			}
			sender := event.Source.UserID
			if event.Source.GroupID != "" {
				sender = event.Source.GroupID
			}
			msg := transport.Message{
				ID:         event.Message.ID,
				Sender:     sender,
				Body:       event.Message.Text,
				ReplyRef:   event.ReplyToken,
				ReceivedAt: time.UnixMilli(event.Timestamp).UTC(),
			}
			select {
			case t.pending <- msg:
			default:
				log.Printf("line: dropping webhook event %s, buffer full", event.Message.ID)
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// VerifySignature checks the base64-encoded HMAC-SHA256 of the raw body
// against the signature header.
func (t *Transport) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(t.channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Poll drains buffered webhook events. The cursor is unused: the webhook
// handler only ever sees each event once.
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

// Authenticate checks the userId/groupId whitelist.
func (t *Transport) Authenticate(msg transport.Message) error {
	if !t.allowed[msg.Sender] {
		return transport.ErrUnauthorized
	}
	return nil
}

// Send pushes a notification to the given userId or groupId.
func (t *Transport) Send(ctx context.Context, recipient string, n transport.Notification) (string, error) {
	payload := map[string]any{
		"to": recipient,
		"messages": []map[string]string{
			{"type": "text", "text": n.Subject + "\n\n" + n.Body},
		},
	}
	if err := t.post(ctx, pushEndpoint, payload); err != nil {
		return "", err
	}
	return n.SessionID, nil
}

// Reply answers a webhook event using its reply token, falling back to a
// push when the token is gone (reply tokens are single-use and short-lived).
func (t *Transport) Reply(ctx context.Context, msg transport.Message, text string) error {
	if msg.ReplyRef != "" {
		payload := map[string]any{
			"replyToken": msg.ReplyRef,
			"messages": []map[string]string{
				{"type": "text", "text": text},
			},
		}
		if err := t.post(ctx, replyEndpoint, payload); err == nil {
			return nil
		}
	}
	_, err := t.Send(ctx, msg.Sender, transport.Notification{Body: text})
	return err
}

func (t *Transport) post(ctx context.Context, endpoint string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.channelToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return transport.Transient(fmt.Errorf("calling %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return transport.Transient(fmt.Errorf("%s returned %s", endpoint, resp.Status))
	}
	if resp.StatusCode >= 400 {
		return transport.Permanent(fmt.Errorf("%s returned %s", endpoint, resp.Status))
	}
	return nil
}
