// Package queue is the durable command queue: strict FIFO per session,
// linear retry backoff, and a single JSON file rewritten atomically after
// every mutation. On startup anything left in "executing" is rewound to
// "queued" — delivery is at-least-once and the injector's clear-before-type
// discipline makes duplicates safe.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/panerelay/panerelay/internal/atomicfile"
	"github.com/panerelay/panerelay/internal/clock"
)

// Status is the lifecycle state of a queued command.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	// DefaultMaxRetries is the retry budget per command.
	DefaultMaxRetries = 3
	// RetryBackoff is the linear backoff unit: retryAt = now + retries × RetryBackoff.
	RetryBackoff = 60 * time.Second
	// DefaultMaxAge is how long terminal commands are kept before Cleanup
	// drops them.
	DefaultMaxAge = 24 * time.Hour
)

// ErrNotFound is returned for unknown queue IDs.
var ErrNotFound = errors.New("command not found")

// Command is one queued relay command.
type Command struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	// Command is injected verbatim; the queue never rewrites it.
	Command     string     `json:"command"`
	Status      Status     `json:"status"`
	QueuedAt    time.Time  `json:"queuedAt"`
	RetryAt     time.Time  `json:"retryAt,omitempty"`
	ExecutedAt  *time.Time `json:"executedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	Retries     int        `json:"retries"`
	MaxRetries  int        `json:"maxRetries"`
	Error       string     `json:"error,omitempty"`
}

// file is the on-disk shape: a single JSON document with a top-level
// commandQueue array.
type file struct {
	CommandQueue []*Command `json:"commandQueue"`
}

// Queue is the durable FIFO. A single mutex serializes all mutations; every
// mutation is flushed to disk before it returns.
type Queue struct {
	path  string
	clock clock.Clock

	mu       sync.Mutex
	commands []*Command
}

// Open loads the queue file (if any) and rewinds interrupted executions:
// any command found in "executing" is treated as "queued" with its retry
// count unchanged.
func Open(path string, clk clock.Clock) (*Queue, error) {
	q := &Queue{path: path, clock: clk}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading queue file: %w", err)
		}
		return q, nil
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding queue file: %w", err)
	}
	q.commands = f.CommandQueue

	recovered := 0
	for _, cmd := range q.commands {
		if cmd.Status == StatusExecuting {
			cmd.Status = StatusQueued
			cmd.ExecutedAt = nil
			recovered++
		}
	}
	if recovered > 0 {
		if err := q.persistLocked(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Enqueue appends a command and flushes to disk.
func (q *Queue) Enqueue(sessionID, command string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	cmd := &Command{
		ID:         clock.CommandID(now),
		SessionID:  sessionID,
		Command:    command,
		Status:     StatusQueued,
		QueuedAt:   now,
		MaxRetries: DefaultMaxRetries,
	}
	q.commands = append(q.commands, cmd)
	if err := q.persistLocked(); err != nil {
		return "", err
	}
	return cmd.ID, nil
}

// Dequeue returns the oldest queued command whose retryAt has passed and
// whose session has no command currently executing. Returns nil when
// nothing is ready.
func (q *Queue) Dequeue() (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	executing := make(map[string]bool)
	for _, cmd := range q.commands {
		if cmd.Status == StatusExecuting {
			executing[cmd.SessionID] = true
		}
	}
	for _, cmd := range q.commands {
		if cmd.Status != StatusQueued {
			continue
		}
		if !cmd.RetryAt.IsZero() && cmd.RetryAt.After(now) {
			continue
		}
		if executing[cmd.SessionID] {
			continue
		}
		copied := *cmd
		return &copied, nil
	}
	return nil, nil
}

// MarkExecuting transitions queued → executing.
func (q *Queue) MarkExecuting(id string) error {
	return q.transition(id, func(cmd *Command) error {
		if cmd.Status != StatusQueued {
			return fmt.Errorf("command %s is %s, not queued", id, cmd.Status)
		}
		now := q.clock.Now()
		cmd.Status = StatusExecuting
		cmd.ExecutedAt = &now
		return nil
	})
}

// MarkCompleted transitions executing → completed.
func (q *Queue) MarkCompleted(id string) error {
	return q.transition(id, func(cmd *Command) error {
		if cmd.Status != StatusExecuting {
			return fmt.Errorf("command %s is %s, not executing", id, cmd.Status)
		}
		now := q.clock.Now()
		cmd.Status = StatusCompleted
		cmd.CompletedAt = &now
		cmd.Error = ""
		return nil
	})
}

// MarkFailed records a failure. With retry budget left the command returns
// to queued with retryAt = now + retries × RetryBackoff; otherwise it stays
// terminal-failed.
func (q *Queue) MarkFailed(id string, cause error) error {
	return q.transition(id, func(cmd *Command) error {
		if cmd.Status != StatusExecuting {
			return fmt.Errorf("command %s is %s, not executing", id, cmd.Status)
		}
		now := q.clock.Now()
		cmd.Retries++
		cmd.Error = cause.Error()
		if cmd.Retries < cmd.MaxRetries {
			cmd.Status = StatusQueued
			cmd.ExecutedAt = nil
			cmd.RetryAt = now.Add(time.Duration(cmd.Retries) * RetryBackoff)
			return nil
		}
		cmd.Status = StatusFailed
		cmd.FailedAt = &now
		return nil
	})
}

// Cancel transitions a non-terminal command to cancelled.
func (q *Queue) Cancel(id string) error {
	return q.transition(id, func(cmd *Command) error {
		if cmd.Status.Terminal() {
			return fmt.Errorf("command %s is already %s", id, cmd.Status)
		}
		cmd.Status = StatusCancelled
		return nil
	})
}

// Get returns a copy of the command with the given ID.
func (q *Queue) Get(id string) (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cmd := range q.commands {
		if cmd.ID == id {
			copied := *cmd
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// List returns copies of all commands in enqueue order.
func (q *Queue) List() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Command, 0, len(q.commands))
	for _, cmd := range q.commands {
		copied := *cmd
		out = append(out, &copied)
	}
	return out
}

// Cleanup drops terminal commands older than maxAge and returns the count.
func (q *Queue) Cleanup(maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-maxAge)
	kept := q.commands[:0]
	removed := 0
	for _, cmd := range q.commands {
		if cmd.Status.Terminal() && cmd.QueuedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, cmd)
	}
	q.commands = kept
	if removed > 0 {
		if err := q.persistLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Clear drops every command regardless of state.
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := len(q.commands)
	q.commands = nil
	return removed, q.persistLocked()
}

func (q *Queue) transition(id string, mutate func(*Command) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cmd := range q.commands {
		if cmd.ID != id {
			continue
		}
		if err := mutate(cmd); err != nil {
			return err
		}
		return q.persistLocked()
	}
	return ErrNotFound
}

func (q *Queue) persistLocked() error {
	sort.SliceStable(q.commands, func(i, j int) bool {
		return q.commands[i].QueuedAt.Before(q.commands[j].QueuedAt)
	})
	data, err := json.MarshalIndent(file{CommandQueue: q.commands}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}
	if err := atomicfile.WriteFile(q.path, data, 0o600); err != nil {
		return fmt.Errorf("persisting queue: %w", err)
	}
	return nil
}
