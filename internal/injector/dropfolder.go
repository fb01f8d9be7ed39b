package injector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/panerelay/panerelay/internal/atomicfile"
)

// DropFolder is the degraded delivery mode used when no multiplexer is
// available: the command is written as a JSON file into a folder the
// assistant-side watcher observes, and delivery counts as done once the
// watcher consumes (removes) the file.
type DropFolder struct {
	dir     string
	timeout time.Duration
}

// dropCommand is the on-disk shape of a dropped command.
type dropCommand struct {
	ID      string    `json:"id"`
	Command string    `json:"command"`
	Dropped time.Time `json:"dropped"`
}

// NewDropFolder creates the folder if needed. A zero timeout defaults to
// one minute.
func NewDropFolder(dir string, timeout time.Duration) (*DropFolder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating drop folder: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &DropFolder{dir: dir, timeout: timeout}, nil
}

// Deliver writes the command file and waits for the assistant-side watcher
// to consume it. Returns ErrInjectionTimeout if the file is still present
// after the timeout.
func (d *DropFolder) Deliver(ctx context.Context, id, command string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("watching drop folder: %w", err)
	}

	path := filepath.Join(d.dir, "cmd-"+id+".json")
	data, err := json.MarshalIndent(dropCommand{ID: id, Command: command, Dropped: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding drop command: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing drop command: %w", err)
	}

	deadline := time.NewTimer(d.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			os.Remove(path)
			return ctx.Err()
		case <-deadline.C:
			os.Remove(path)
			return fmt.Errorf("%w: drop file not consumed within %s", ErrInjectionTimeout, d.timeout)
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if event.Name == path && event.Has(fsnotify.Remove|fsnotify.Rename) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			return fmt.Errorf("watching drop folder: %w", err)
		}
	}
}
