// Package tmux shells out to the terminal multiplexer. The injector only
// needs five primitives: create a detached session, check existence, send
// literal text, send a named key, and capture the pane tail.
package tmux

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Named keys the injector sends. These are tmux key names, passed to
// send-keys without the literal flag.
const (
	KeyEnter     = "Enter"
	KeyCtrlU     = "C-u"
	KeyCtrlM     = "C-m"
	KeyBackspace = "BSpace"
)

// Runner executes a single multiplexer command. The production runner
// shells out to the tmux binary; tests substitute a fake.
type Runner interface {
	Run(args ...string) (string, error)
}

// ExecRunner invokes the configured multiplexer binary.
type ExecRunner struct {
	Bin string
}

func (r *ExecRunner) Run(args ...string) (string, error) {
	bin := r.Bin
	if bin == "" {
		bin = "tmux"
	}
	cmd := exec.Command(bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", bin, args[0], msg)
	}
	return stdout.String(), nil
}

// Driver wraps a Runner with the pane operations the injector uses.
type Driver struct {
	runner Runner
}

// NewDriver creates a Driver. A nil runner defaults to the tmux binary.
func NewDriver(runner Runner) *Driver {
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &Driver{runner: runner}
}

// HasSession reports whether the named session exists.
func (d *Driver) HasSession(name string) bool {
	_, err := d.runner.Run("has-session", "-t", name)
	return err == nil
}

// NewSession spawns a detached session running command in cwd.
func (d *Driver) NewSession(name, cwd, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := d.runner.Run(args...); err != nil {
		return fmt.Errorf("creating session %s: %w", name, err)
	}
	return nil
}

// SendText appends literal text to the pane input. The -l flag keeps tmux
// from interpreting the payload as key names, so the command string is
// delivered verbatim.
func (d *Driver) SendText(name, text string) error {
	if _, err := d.runner.Run("send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("sending text to %s: %w", name, err)
	}
	return nil
}

// SendKey sends a named key (Enter, C-u, ...) to the pane.
func (d *Driver) SendKey(name, key string) error {
	if _, err := d.runner.Run("send-keys", "-t", name, key); err != nil {
		return fmt.Errorf("sending %s to %s: %w", key, name, err)
	}
	return nil
}

// Capture returns the last rendered lines of the pane.
func (d *Driver) Capture(name string, lines int) (string, error) {
	out, err := d.runner.Run("capture-pane", "-t", name, "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("capturing pane %s: %w", name, err)
	}
	return out, nil
}
