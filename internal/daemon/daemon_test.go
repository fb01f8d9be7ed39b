package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "panerelay.pid"), filepath.Join(dir, "panerelay.log"))
}

func TestStatusNoPIDFile(t *testing.T) {
	d := newTestDaemon(t)
	if pid, running := d.Status(); running || pid != 0 {
		t.Fatalf("Status() = %d, %v without a PID file", pid, running)
	}
}

func TestStatusStalePIDFile(t *testing.T) {
	d := newTestDaemon(t)
	// PID 1 is alive but not ours; use a PID that cannot exist.
	if err := os.WriteFile(d.pidPath, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("writing PID file: %v", err)
	}
	if _, running := d.Status(); running {
		t.Fatal("stale PID file reported as running")
	}
}

func TestStatusGarbagePIDFile(t *testing.T) {
	d := newTestDaemon(t)
	if err := os.WriteFile(d.pidPath, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("writing PID file: %v", err)
	}
	if pid, running := d.Status(); running || pid != 0 {
		t.Fatalf("Status() = %d, %v for garbage PID file", pid, running)
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop() = %v, want ErrNotRunning", err)
	}
}

func TestLockRecordsOwnPID(t *testing.T) {
	d := newTestDaemon(t)

	release, err := d.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	pid, running := d.Status()
	if !running || pid != os.Getpid() {
		t.Fatalf("Status() = %d, %v; want our own PID", pid, running)
	}

	release()
	if _, err := os.Stat(d.pidPath); !os.IsNotExist(err) {
		t.Fatal("release did not remove the PID file")
	}
}

func TestLockIsExclusive(t *testing.T) {
	d := newTestDaemon(t)

	release, err := d.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer release()

	if _, err := d.Lock(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Lock = %v, want ErrAlreadyRunning", err)
	}
}
