package injector

import (
	"context"
	"errors"
	"log"

	"github.com/panerelay/panerelay/internal/clock"
)

// Fallback wraps the tmux injector with the drop-folder degraded mode:
// when the multiplexer cannot be driven at all, the command is handed to
// the assistant-side file watcher instead of being typed into a pane.
type Fallback struct {
	Primary *Injector
	Drop    *DropFolder
	Clock   clock.Clock
}

// Inject tries the pane first and degrades to the drop folder only for
// multiplexer-level failures. Prompt handling is lost in degraded mode;
// the assistant side is expected to run unattended.
func (f *Fallback) Inject(ctx context.Context, pane, command string) error {
	err := f.Primary.Inject(ctx, pane, command)
	if err == nil || f.Drop == nil {
		return err
	}
	if !errors.Is(err, ErrMultiplexerUnavailable) && !errors.Is(err, ErrPaneMissing) {
		return err
	}

	log.Printf("injector: pane %s unavailable (%v), using drop folder", pane, err)
	return f.Drop.Deliver(ctx, clock.CommandID(f.Clock.Now()), command)
}
