package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/panerelay/panerelay/internal/atomicfile"
)

// CursorStore persists per-transport high-water marks so a daemon restart
// does not re-process history. One small file per transport kind.
type CursorStore struct {
	dir string
}

// NewCursorStore creates the cursor directory if needed.
func NewCursorStore(dir string) (*CursorStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cursor directory: %w", err)
	}
	return &CursorStore{dir: dir}, nil
}

// Load returns the saved cursor for a transport, or "" if none exists.
func (c *CursorStore) Load(kind Kind) (string, error) {
	data, err := os.ReadFile(c.path(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading cursor for %s: %w", kind, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save persists the cursor atomically.
func (c *CursorStore) Save(kind Kind, cursor string) error {
	if err := atomicfile.WriteFile(c.path(kind), []byte(cursor+"\n"), 0o644); err != nil {
		return fmt.Errorf("saving cursor for %s: %w", kind, err)
	}
	return nil
}

func (c *CursorStore) path(kind Kind) string {
	return filepath.Join(c.dir, string(kind)+".cursor")
}
