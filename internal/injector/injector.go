// Package injector types commands into a live tmux pane and answers the
// interactive confirmation prompts the assistant raises. The three-step
// send (clear, type, commit) is load-bearing: the input buffer may already
// hold text, and clearing first also makes a duplicate send after crash
// recovery overwrite instead of append.
package injector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/panerelay/panerelay/internal/clock"
	"github.com/panerelay/panerelay/internal/tmux"
)

var (
	// ErrPaneMissing means the named session does not exist and could not
	// be bootstrapped.
	ErrPaneMissing = errors.New("pane missing")
	// ErrInjectionTimeout means the confirmation loop exhausted its
	// attempts without reaching an idle prompt.
	ErrInjectionTimeout = errors.New("injection timed out")
	// ErrMultiplexerUnavailable means the multiplexer binary itself cannot
	// be driven.
	ErrMultiplexerUnavailable = errors.New("multiplexer unavailable")
	// ErrAssistantError means the pane tail showed a failure after the
	// command ran.
	ErrAssistantError = errors.New("assistant reported an error")
)

// PromptPolicy decides how multi-option consent menus are answered.
type PromptPolicy string

const (
	// PolicyPermissive answers "2. Yes, and don't ask again", suppressing
	// future prompts for the rest of the assistant session. Required for
	// unattended operation.
	PolicyPermissive PromptPolicy = "permissive"
	// PolicyConservative answers "1. Yes", keeping the assistant's
	// review prompts alive.
	PolicyConservative PromptPolicy = "conservative"
)

const (
	confirmAttempts = 8
	confirmSpacing  = 1500 * time.Millisecond
	captureLines    = 200

	clearPause  = 200 * time.Millisecond
	typePause   = 200 * time.Millisecond
	commitPause = 1000 * time.Millisecond
	answerPause = 300 * time.Millisecond
	menuSettle  = 2 * time.Second
	unknownWait = 2 * time.Second
)

// Options configures an Injector.
type Options struct {
	// Policy selects the multi-option answer. Defaults to permissive.
	Policy PromptPolicy
	// StartCommand runs the assistant CLI when the pane has to be
	// bootstrapped (with permission-skipping flags already included).
	StartCommand string
	// FallbackCommand is tried once if StartCommand fails, typically an
	// absolute-path invocation.
	FallbackCommand string
	// WorkDir is the working directory for a bootstrapped pane.
	WorkDir string
}

// Injector drives one tmux pane at a time.
type Injector struct {
	driver *tmux.Driver
	clock  clock.Clock
	opts   Options
}

// New creates an Injector.
func New(driver *tmux.Driver, clk clock.Clock, opts Options) *Injector {
	if opts.Policy == "" {
		opts.Policy = PolicyPermissive
	}
	return &Injector{driver: driver, clock: clk, opts: opts}
}

// Inject delivers one command into the named pane and runs the
// confirmation loop until the assistant is idle again. Safe to call twice
// with the same command: the leading Ctrl-U clears any remnant of a
// previous partial send.
func (i *Injector) Inject(ctx context.Context, pane, command string) error {
	if err := i.ensurePane(pane); err != nil {
		return err
	}

	// Clear, type, commit. A single atomic send would concatenate with
	// whatever is already in the assistant's input buffer.
	if err := i.driver.SendKey(pane, tmux.KeyCtrlU); err != nil {
		return fmt.Errorf("%w: %v", ErrMultiplexerUnavailable, err)
	}
	i.clock.Sleep(ctx, clearPause)

	if err := i.driver.SendText(pane, command); err != nil {
		return fmt.Errorf("%w: %v", ErrMultiplexerUnavailable, err)
	}
	i.clock.Sleep(ctx, typePause)

	if err := i.driver.SendKey(pane, tmux.KeyEnter); err != nil {
		return fmt.Errorf("%w: %v", ErrMultiplexerUnavailable, err)
	}
	i.clock.Sleep(ctx, commitPause)

	return i.confirmLoop(ctx, pane)
}

// Cancel clears the pane's input buffer. Ctrl-C is deliberately never
// sent: it would kill the assistant process.
func (i *Injector) Cancel(pane string) error {
	return i.driver.SendKey(pane, tmux.KeyCtrlU)
}

// confirmLoop captures the pane tail and answers prompts until idle,
// error, or exhaustion.
func (i *Injector) confirmLoop(ctx context.Context, pane string) error {
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tail, err := i.driver.Capture(pane, captureLines)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMultiplexerUnavailable, err)
		}

		action := Classify(tail)
		switch action {
		case ActionMultiOption:
			answer := "2"
			if i.opts.Policy == PolicyConservative {
				answer = "1"
			}
			log.Printf("injector: %s consent menu on %s, answering %s", action, pane, answer)
			if err := i.answer(ctx, pane, answer); err != nil {
				return err
			}
			i.clock.Sleep(ctx, menuSettle)

		case ActionSingleOption:
			log.Printf("injector: %s prompt on %s, answering 1", action, pane)
			if err := i.answer(ctx, pane, "1"); err != nil {
				return err
			}

		case ActionYes:
			log.Printf("injector: %s prompt on %s, answering y", action, pane)
			if err := i.answer(ctx, pane, "y"); err != nil {
				return err
			}

		case ActionPressEnter:
			log.Printf("injector: %s prompt on %s", action, pane)
			if err := i.driver.SendKey(pane, tmux.KeyEnter); err != nil {
				return fmt.Errorf("%w: %v", ErrMultiplexerUnavailable, err)
			}

		case ActionWorking:
			// The assistant is computing; just wait.

		case ActionIdle:
			return nil

		case ActionError:
			return fmt.Errorf("%w: %s", ErrAssistantError, lastLine(tail))

		case ActionUnknown:
			i.clock.Sleep(ctx, unknownWait)
		}

		i.clock.Sleep(ctx, confirmSpacing)
	}
	return ErrInjectionTimeout
}

// answer types a short reply and commits it. Answering an already-gone
// prompt is harmless: the stray character is removed by the next command's
// leading Ctrl-U.
func (i *Injector) answer(ctx context.Context, pane, text string) error {
	if err := i.driver.SendText(pane, text); err != nil {
		return fmt.Errorf("%w: %v", ErrMultiplexerUnavailable, err)
	}
	i.clock.Sleep(ctx, answerPause)
	if err := i.driver.SendKey(pane, tmux.KeyEnter); err != nil {
		return fmt.Errorf("%w: %v", ErrMultiplexerUnavailable, err)
	}
	return nil
}

// ensurePane bootstraps the named session if it does not exist yet.
func (i *Injector) ensurePane(pane string) error {
	if i.driver.HasSession(pane) {
		return nil
	}
	if i.opts.StartCommand == "" {
		return fmt.Errorf("%w: session %q does not exist", ErrPaneMissing, pane)
	}

	log.Printf("injector: bootstrapping pane %s", pane)
	if err := i.driver.NewSession(pane, i.opts.WorkDir, i.opts.StartCommand); err == nil {
		return nil
	} else if i.opts.FallbackCommand == "" {
		return fmt.Errorf("%w: %v", ErrPaneMissing, err)
	}

	if err := i.driver.NewSession(pane, i.opts.WorkDir, i.opts.FallbackCommand); err != nil {
		return fmt.Errorf("%w: fallback start failed: %v", ErrPaneMissing, err)
	}
	return nil
}

func lastLine(tail string) string {
	lines := strings.Split(strings.TrimRight(tail, "\n"), "\n")
	for idx := len(lines) - 1; idx >= 0; idx-- {
		if s := strings.TrimSpace(lines[idx]); s != "" {
			return s
		}
	}
	return ""
}
