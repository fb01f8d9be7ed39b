package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panerelay/panerelay/internal/atomicfile"
	"github.com/panerelay/panerelay/internal/clock"
)

var (
	// ErrNotFound is returned for unknown or expired tokens and IDs.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateToken is returned when another live session already holds
	// the token. The caller retries with a freshly minted token.
	ErrDuplicateToken = errors.New("token already in use")
	// ErrTokenSpaceExhausted is returned after repeated mint collisions.
	ErrTokenSpaceExhausted = errors.New("could not mint a unique token")
)

// mintAttempts bounds the collision-retry loop in Mint.
const mintAttempts = 8

// Store is a file-backed session registry: one JSON file per session,
// flushed atomically after every write. A single mutex serializes writers;
// reads work on decoded snapshots.
type Store struct {
	dir   string
	clock clock.Clock

	mu sync.Mutex
}

// NewStore creates the sessions directory if needed.
func NewStore(dir string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	return &Store{dir: dir, clock: clk}, nil
}

// Create persists a new session. The ID is assigned here; Token must
// already be set. Fails with ErrDuplicateToken if a live session holds the
// same token.
func (s *Store) Create(sess *Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	existing, err := s.loadAllLocked()
	if err != nil {
		return "", err
	}
	for _, other := range existing {
		if other.Token == sess.Token && !other.Expired(now) {
			return "", ErrDuplicateToken
		}
	}

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = sess.CreatedAt.Add(DefaultLifetime)
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		return "", fmt.Errorf("session expiry %v is not after creation %v", sess.ExpiresAt, sess.CreatedAt)
	}

	if err := s.writeLocked(sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

// Mint creates a session with a freshly minted token, retrying on
// collisions up to mintAttempts times before surfacing
// ErrTokenSpaceExhausted.
func (s *Store) Mint(sess *Session) (*Session, error) {
	for attempt := 0; attempt < mintAttempts; attempt++ {
		token, err := clock.MintToken()
		if err != nil {
			return nil, err
		}
		sess.Token = token
		if _, err := s.Create(sess); err != nil {
			if errors.Is(err, ErrDuplicateToken) {
				continue
			}
			return nil, err
		}
		return sess, nil
	}
	return nil, ErrTokenSpaceExhausted
}

// FindByToken returns the live session holding token. Token matching is
// case-insensitive. Expired entries are garbage-collected on the way.
func (s *Store) FindByToken(token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	sessions, err := s.loadAllLocked()
	if err != nil {
		return nil, err
	}
	token = strings.ToUpper(strings.TrimSpace(token))
	for _, sess := range sessions {
		if sess.Token != token {
			continue
		}
		if sess.Expired(now) {
			// Lazy GC: a stale record must never be returned.
			os.Remove(s.path(sess.ID))
			return nil, ErrNotFound
		}
		return sess, nil
	}
	return nil, ErrNotFound
}

// FindByID returns the session with the given ID, expired or not.
func (s *Store) FindByID(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

// List returns all stored sessions, including expired ones not yet
// collected.
func (s *Store) List() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAllLocked()
}

// Update rewrites an existing session record in place.
func (s *Store) Update(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readLocked(sess.ID); err != nil {
		return err
	}
	return s.writeLocked(sess)
}

// IncrementCommandCount atomically bumps the accepted-command counter.
func (s *Store) IncrementCommandCount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.readLocked(id)
	if err != nil {
		return err
	}
	sess.CommandCount++
	return s.writeLocked(sess)
}

// Delete removes a session. Deleting an unknown ID is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// GC removes all sessions with expiresAt <= now and returns the count.
func (s *Store) GC(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadAllLocked()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sess := range sessions {
		if sess.Expired(now) {
			if err := os.Remove(s.path(sess.ID)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("collecting session %s: %w", sess.ID, err)
			}
			removed++
		}
	}
	return removed, nil
}

// --- File helpers ---

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) readLocked(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *Store) writeLocked(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	if err := atomicfile.WriteFile(s.path(sess.ID), data, 0o600); err != nil {
		return fmt.Errorf("persisting session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) loadAllLocked() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var sessions []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sess, err := s.readLocked(strings.TrimSuffix(name, ".json"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
