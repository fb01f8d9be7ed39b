package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTransientClassification(t *testing.T) {
	base := errors.New("connection reset")

	if !IsTransient(Transient(base)) {
		t.Fatal("Transient error classified as permanent")
	}
	if IsTransient(Permanent(base)) {
		t.Fatal("Permanent error classified as transient")
	}
	// Unclassified errors default to transient so a hiccup never kills a
	// transport.
	if !IsTransient(base) {
		t.Fatal("bare error should default to transient")
	}
}

func TestWrappersPreserveCause(t *testing.T) {
	base := errors.New("boom")

	if !errors.Is(Transient(base), base) {
		t.Fatal("Transient lost the cause")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatal("Permanent lost the cause")
	}

	wrapped := fmt.Errorf("polling: %w", Permanent(base))
	if IsTransient(wrapped) {
		t.Fatal("permanence lost through wrapping")
	}
}

func TestWrappersPassNil(t *testing.T) {
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	got := NextBackoff(0)
	if got != time.Second {
		t.Fatalf("first backoff = %v, want 1s", got)
	}

	for i := 0; i < 20; i++ {
		next := NextBackoff(got)
		if next > 5*time.Minute {
			t.Fatalf("backoff exceeded cap: %v", next)
		}
		if next < got {
			t.Fatalf("backoff decreased: %v -> %v", got, next)
		}
		got = next
	}
	if got != 5*time.Minute {
		t.Fatalf("backoff did not reach cap: %v", got)
	}
}

func TestCursorStoreRoundTrip(t *testing.T) {
	store, err := NewCursorStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCursorStore: %v", err)
	}

	// Missing cursor reads as empty, not an error.
	cursor, err := store.Load(KindEmail)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cursor != "" {
		t.Fatalf("expected empty cursor, got %q", cursor)
	}

	if err := store.Save(KindEmail, "1042"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cursor, err = store.Load(KindEmail)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if cursor != "1042" {
		t.Fatalf("cursor round trip: got %q", cursor)
	}

	// Kinds are independent.
	other, err := store.Load(KindTelegram)
	if err != nil {
		t.Fatalf("Load other kind: %v", err)
	}
	if other != "" {
		t.Fatalf("cursor leaked across kinds: %q", other)
	}
}
