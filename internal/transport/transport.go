// Package transport defines the message channels PaneRelay speaks through.
// A transport is inbound (it can fetch user replies), outbound (it can send
// notifications), or both. The relay controller only sees these interfaces;
// the concrete email, Telegram, LINE, and Slack adapters live in
// subpackages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind tags a transport. Session records store the kind so a reply is only
// honored on the channel the notification went out on.
type Kind string

const (
	KindEmail    Kind = "email"
	KindTelegram Kind = "telegram"
	KindLINE     Kind = "line"
	KindSlack    Kind = "slack"
)

// Message is a single inbound message after transport-level decoding.
type Message struct {
	// ID is the transport-native message identifier (IMAP UID, Telegram
	// update ID, LINE event ID).
	ID string
	// Sender is the transport-native address of the author (email address,
	// chat ID, userId/groupId).
	Sender string
	// Subject is empty for chat transports.
	Subject string
	Body    string
	// ReplyRef is an opaque handle the outbound side needs to answer this
	// exact message (LINE reply token, Slack thread timestamp).
	ReplyRef   string
	ReceivedAt time.Time
}

// Notification is the outbound payload. Adapters render it into their
// native message format; the token and session ID must survive rendering so
// replies can be resolved.
type Notification struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	Project   string `json:"project"`
	Pane      string `json:"pane"`
}

// Inbound is the receive capability of a transport.
type Inbound interface {
	Kind() Kind
	// Poll fetches messages strictly newer than cursor and returns the new
	// high-water mark. Calling Poll twice with the same cursor is
	// idempotent.
	Poll(ctx context.Context, cursor string) ([]Message, string, error)
	// Authenticate verifies a message is from an allowed principal. A nil
	// error means the message may enter the parse pipeline.
	Authenticate(msg Message) error
}

// Outbound is the send capability of a transport.
type Outbound interface {
	Kind() Kind
	// Send delivers a notification and returns a transport-native message
	// reference.
	Send(ctx context.Context, recipient string, n Notification) (string, error)
	// Reply answers a previously received message (acks, parse errors).
	Reply(ctx context.Context, msg Message, text string) error
}

// ErrUnauthorized is returned by Authenticate for senders outside the
// configured whitelist.
var ErrUnauthorized = errors.New("sender not authorized")

// TransientError marks a failure worth retrying: connection loss, rate
// limits, temporary filesystem trouble. The controller backs off and polls
// again without advancing the cursor.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that needs operator action: bad
// credentials, HTTP 4xx. The controller stops the transport.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as fatal for the transport.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is retryable. Unwrapped errors are
// treated as transient so an unclassified hiccup never kills a transport.
func IsTransient(err error) bool {
	var p *PermanentError
	return !errors.As(err, &p)
}

// NextBackoff doubles the reconnect delay, capped at 5 minutes.
func NextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 5*time.Minute {
		return 5 * time.Minute
	}
	return next
}
