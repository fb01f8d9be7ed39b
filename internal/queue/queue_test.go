package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/panerelay/panerelay/internal/clock"
)

func newTestQueue(t *testing.T) (*Queue, *clock.Fake, string) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := Open(path, clk)
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	return q, clk, path
}

func mustEnqueue(t *testing.T, q *Queue, sessionID, command string) string {
	t.Helper()
	id, err := q.Enqueue(sessionID, command)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestEnqueueDequeue(t *testing.T) {
	q, _, _ := newTestQueue(t)

	id := mustEnqueue(t, q, "s1", "run the tests")

	cmd, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if cmd == nil || cmd.ID != id {
		t.Fatalf("unexpected dequeue result: %+v", cmd)
	}
	if cmd.Status != StatusQueued {
		t.Fatalf("dequeued command should still be queued, got %s", cmd.Status)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, _, _ := newTestQueue(t)

	cmd, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if cmd != nil {
		t.Fatalf("expected nil on empty queue, got %+v", cmd)
	}
}

func TestPerSessionSerialization(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	first := mustEnqueue(t, q, "s1", "first")
	clk.Advance(time.Second)
	mustEnqueue(t, q, "s1", "second")
	clk.Advance(time.Second)
	other := mustEnqueue(t, q, "s2", "other session")

	if err := q.MarkExecuting(first); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}

	// With s1 busy, only the s2 command is ready.
	cmd, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if cmd == nil || cmd.ID != other {
		t.Fatalf("expected the other session's command, got %+v", cmd)
	}
}

func TestFIFOWithinSession(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	first := mustEnqueue(t, q, "s1", "first")
	clk.Advance(time.Second)
	second := mustEnqueue(t, q, "s1", "second")

	cmd, _ := q.Dequeue()
	if cmd.ID != first {
		t.Fatalf("expected %s first, got %s", first, cmd.ID)
	}
	if err := q.MarkExecuting(first); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := q.MarkCompleted(first); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	cmd, _ = q.Dequeue()
	if cmd.ID != second {
		t.Fatalf("expected %s second, got %s", second, cmd.ID)
	}
}

func TestMarkFailedRetriesWithLinearBackoff(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	id := mustEnqueue(t, q, "s1", "flaky")
	if err := q.MarkExecuting(id); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := q.MarkFailed(id, errors.New("pane missing")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	cmd, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cmd.Status != StatusQueued {
		t.Fatalf("failed command with budget left should requeue, got %s", cmd.Status)
	}
	if cmd.Retries != 1 {
		t.Fatalf("unexpected retry count: %d", cmd.Retries)
	}
	want := clk.Now().Add(1 * RetryBackoff)
	if !cmd.RetryAt.Equal(want) {
		t.Fatalf("retryAt = %v, want %v", cmd.RetryAt, want)
	}

	// Not ready until the backoff elapses.
	if got, _ := q.Dequeue(); got != nil {
		t.Fatalf("command dequeued before backoff elapsed: %+v", got)
	}
	clk.Advance(RetryBackoff)
	if got, _ := q.Dequeue(); got == nil || got.ID != id {
		t.Fatalf("command not ready after backoff: %+v", got)
	}
}

func TestMarkFailedExhaustsBudget(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	id := mustEnqueue(t, q, "s1", "doomed")
	for i := 0; i < DefaultMaxRetries; i++ {
		clk.Advance(time.Duration(i) * RetryBackoff)
		if err := q.MarkExecuting(id); err != nil {
			t.Fatalf("MarkExecuting round %d: %v", i, err)
		}
		if err := q.MarkFailed(id, errors.New("still broken")); err != nil {
			t.Fatalf("MarkFailed round %d: %v", i, err)
		}
	}

	cmd, _ := q.Get(id)
	if cmd.Status != StatusFailed {
		t.Fatalf("expected terminal failed, got %s", cmd.Status)
	}
	if cmd.FailedAt == nil {
		t.Fatal("failedAt not set")
	}
	if cmd.Error != "still broken" {
		t.Fatalf("unexpected error text: %q", cmd.Error)
	}
}

func TestMarkCompletedClearsError(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	id := mustEnqueue(t, q, "s1", "eventually works")
	if err := q.MarkExecuting(id); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := q.MarkFailed(id, errors.New("transient")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	clk.Advance(RetryBackoff)
	if err := q.MarkExecuting(id); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := q.MarkCompleted(id); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	cmd, _ := q.Get(id)
	if cmd.Status != StatusCompleted || cmd.Error != "" {
		t.Fatalf("unexpected final state: %+v", cmd)
	}
}

func TestCancel(t *testing.T) {
	q, _, _ := newTestQueue(t)

	id := mustEnqueue(t, q, "s1", "never mind")
	if err := q.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cmd, _ := q.Get(id)
	if cmd.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cmd.Status)
	}

	// Terminal commands cannot be cancelled again.
	if err := q.Cancel(id); err == nil {
		t.Fatal("expected error cancelling a terminal command")
	}
}

func TestCrashRecoveryRewindsExecuting(t *testing.T) {
	q, clk, path := newTestQueue(t)

	id := mustEnqueue(t, q, "s1", "interrupted")
	if err := q.MarkExecuting(id); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}

	// Reopen as if the daemon crashed mid-execution.
	reopened, err := Open(path, clk)
	if err != nil {
		t.Fatalf("reopening queue: %v", err)
	}
	cmd, err := reopened.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if cmd.Status != StatusQueued {
		t.Fatalf("executing command not rewound, got %s", cmd.Status)
	}
	if cmd.ExecutedAt != nil {
		t.Fatal("executedAt not cleared on rewind")
	}
	if cmd.Retries != 0 {
		t.Fatalf("retries changed on rewind: %d", cmd.Retries)
	}
}

func TestOnDiskShape(t *testing.T) {
	q, _, path := newTestQueue(t)
	mustEnqueue(t, q, "s1", "persisted")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading queue file: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("queue file is not JSON: %v", err)
	}
	if _, ok := doc["commandQueue"]; !ok {
		t.Fatalf("queue file lacks commandQueue array: %s", data)
	}
}

func TestCleanupDropsOldTerminals(t *testing.T) {
	q, clk, _ := newTestQueue(t)

	done := mustEnqueue(t, q, "s1", "old and done")
	if err := q.MarkExecuting(done); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := q.MarkCompleted(done); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	pending := mustEnqueue(t, q, "s1", "old but waiting")

	clk.Advance(DefaultMaxAge + time.Hour)

	removed, err := q.Cleanup(DefaultMaxAge)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := q.Get(done); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal command not dropped: %v", err)
	}
	if _, err := q.Get(pending); err != nil {
		t.Fatalf("pending command must survive cleanup: %v", err)
	}
}

func TestClear(t *testing.T) {
	q, _, _ := newTestQueue(t)

	mustEnqueue(t, q, "s1", "one")
	mustEnqueue(t, q, "s2", "two")

	removed, err := q.Clear()
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if got := q.List(); len(got) != 0 {
		t.Fatalf("queue not empty after clear: %d", len(got))
	}
}
