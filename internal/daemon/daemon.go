// Package daemon manages the background relay process: PID file, exclusive
// lock, and the start/stop/status operations the CLI exposes.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// ErrNotRunning is returned by Stop and Signal when no daemon is alive.
var ErrNotRunning = errors.New("daemon is not running")

// ErrAlreadyRunning is returned by Start when another instance holds the lock.
var ErrAlreadyRunning = errors.New("daemon is already running")

// stopGrace is how long Stop waits for a clean exit before SIGKILL. It
// covers the relay's own shutdown drain.
const stopGrace = 60 * time.Second

// Daemon manages one relay process identified by its PID file.
type Daemon struct {
	pidPath string
	logPath string
}

// New creates a Daemon around the given PID file path. Logs of a detached
// daemon go to logPath.
func New(pidPath, logPath string) *Daemon {
	return &Daemon{pidPath: pidPath, logPath: logPath}
}

// Lock takes the exclusive daemon lock and records the current PID. The
// serve process calls this on startup; the returned release function drops
// the lock and removes the PID file.
func (d *Daemon) Lock() (release func(), err error) {
	lock := flock.New(d.pidPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", d.pidPath, err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.pidPath, []byte(pid+"\n"), 0o644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	return func() {
		os.Remove(d.pidPath)
		lock.Unlock()
	}, nil
}

// Start launches the current binary with the given arguments as a detached
// background process and waits briefly for it to come up.
func (d *Daemon) Start(args ...string) (int, error) {
	if pid, running := d.Status(); running {
		return pid, ErrAlreadyRunning
	}

	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving executable: %w", err)
	}

	logFile, err := os.OpenFile(d.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(self, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach; the child outlives us.
	cmd.Process.Release()

	// Give it a moment to take the lock or die on startup errors.
	for i := 0; i < 10; i++ {
		time.Sleep(200 * time.Millisecond)
		if gotPID, running := d.Status(); running {
			return gotPID, nil
		}
		if !alive(pid) {
			return 0, fmt.Errorf("daemon exited on startup, check %s", d.logPath)
		}
	}
	return pid, nil
}

// Stop sends SIGTERM to the running daemon and waits up to stopGrace for it
// to exit, escalating to SIGKILL.
func (d *Daemon) Stop() error {
	pid, running := d.Status()
	if !running {
		return ErrNotRunning
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			os.Remove(d.pidPath)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	syscall.Kill(pid, syscall.SIGKILL)
	os.Remove(d.pidPath)
	return nil
}

// Restart stops the daemon if running and starts it again.
func (d *Daemon) Restart(args ...string) (int, error) {
	if err := d.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return 0, err
	}
	return d.Start(args...)
}

// Status reports the recorded PID and whether that process is alive. A
// stale PID file (process gone) reads as not running.
func (d *Daemon) Status() (pid int, running bool) {
	data, err := os.ReadFile(d.pidPath)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, alive(pid)
}

// alive probes a PID with signal 0.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
