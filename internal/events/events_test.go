package events

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Publish(Event{Type: TypeCommandQueued, SessionID: "s1"})

	select {
	case got := <-ch:
		if got.Type != TypeCommandQueued || got.SessionID != "s1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Type: TypeStarted})

	for _, ch := range []chan Event{a, b} {
		select {
		case got := <-ch:
			if got.Type != TypeStarted {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	// Nobody is draining; overfill the buffer. Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Type: TypeCommandExecuted})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if len(ch) != cap(ch) {
		t.Fatalf("buffer should be full: %d/%d", len(ch), cap(ch))
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TypeStopped})
}

// ---

func newTestAudit(t *testing.T) *AuditStore {
	t.Helper()
	store, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening audit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuditRecordAssignsID(t *testing.T) {
	store := newTestAudit(t)

	e := &Event{Type: TypeCommandQueued, SessionID: "s1", CommandID: "c1", Detail: "run tests", CreatedAt: time.Now().UTC()}
	if err := store.Record(e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.ID == 0 {
		t.Fatal("ID not assigned")
	}
}

func TestAuditRecentNewestFirst(t *testing.T) {
	store := newTestAudit(t)

	for _, typ := range []Type{TypeStarted, TypeCommandQueued, TypeCommandExecuted} {
		if err := store.Record(&Event{Type: typ, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeCommandExecuted || got[1].Type != TypeCommandQueued {
		t.Fatalf("wrong order: %s, %s", got[0].Type, got[1].Type)
	}
}

func TestAuditBySession(t *testing.T) {
	store := newTestAudit(t)

	record := func(typ Type, session string) {
		t.Helper()
		if err := store.Record(&Event{Type: typ, SessionID: session, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	record(TypeCommandQueued, "s1")
	record(TypeCommandQueued, "s2")
	record(TypeCommandExecuted, "s1")

	got, err := store.BySession("s1")
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for s1, got %d", len(got))
	}
	// Insertion order, oldest first.
	if got[0].Type != TypeCommandQueued || got[1].Type != TypeCommandExecuted {
		t.Fatalf("wrong order: %s, %s", got[0].Type, got[1].Type)
	}
}
