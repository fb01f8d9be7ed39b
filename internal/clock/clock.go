// Package clock provides the time and randomness seams for PaneRelay.
// Everything that sleeps or stamps a record goes through a Clock so tests
// can run the injection and retry machinery without real delays.
package clock

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// Clock abstracts wall-clock time and timed pauses.
type Clock interface {
	Now() time.Time
	// Sleep pauses for d or until ctx is canceled, whichever comes first.
	Sleep(ctx context.Context, d time.Duration)
}

// Real is the production Clock backed by the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Fake is a manually advanced Clock for tests. Sleep returns immediately
// after advancing the fake time, so timed loops run at full speed.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(_ context.Context, d time.Duration) {
	f.Advance(d)
}

// Advance moves the fake time forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// tokenAlphabet is deliberately restricted to characters that are easy to
// type on a phone keyboard and unambiguous when read aloud.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TokenLength is the length of session tokens.
const TokenLength = 8

// MintToken returns a fresh 8-character token over [A-Z0-9].
func MintToken() (string, error) {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	for i := range buf {
		buf[i] = tokenAlphabet[int(buf[i])%len(tokenAlphabet)]
	}
	return string(buf), nil
}

// CommandID returns a short unique command ID prefixed with the queue time
// so lexicographic order matches enqueue order.
func CommandID(now time.Time) string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// No randomness; the nanosecond tail still disambiguates commands
		// queued in the same instant.
		return now.Format("20060102150405.000000000")
	}
	for i := range suffix {
		suffix[i] = tokenAlphabet[int(suffix[i])%len(tokenAlphabet)]
	}
	return fmt.Sprintf("%s-%s", now.Format("20060102150405.000"), suffix)
}
