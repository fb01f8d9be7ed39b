// Package session binds short human-typable tokens to tmux panes. Records
// are persisted one JSON file per session under a sessions/ directory and
// are the authority for who may drive which pane.
package session

import (
	"time"

	"github.com/panerelay/panerelay/internal/transport"
)

// DefaultLifetime is how long a token stays valid after it is minted.
const DefaultLifetime = 24 * time.Hour

// Session links a token, a recipient, and a tmux pane.
type Session struct {
	ID        string         `json:"id"`
	Token     string         `json:"token"`
	Transport transport.Kind `json:"transport"`
	// Recipient is the transport-specific address the notification went to
	// and the only principal allowed to reply.
	Recipient string    `json:"recipient"`
	Pane      string    `json:"pane"`
	Project   string    `json:"project"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// CommandCount is the number of accepted commands. Never decreases.
	CommandCount int `json:"commandCount"`
	// Notification is a copy of the last outbound payload, kept for audit.
	Notification transport.Notification `json:"notification"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
