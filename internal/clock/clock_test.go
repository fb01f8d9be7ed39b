package clock

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMintTokenShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := MintToken()
		if err != nil {
			t.Fatalf("MintToken: %v", err)
		}
		if len(token) != TokenLength {
			t.Fatalf("token %q has length %d, want %d", token, len(token), TokenLength)
		}
		for _, r := range token {
			if !strings.ContainsRune(tokenAlphabet, r) {
				t.Fatalf("token %q contains %q outside the alphabet", token, r)
			}
		}
		seen[token] = true
	}
	// 50 draws from 36^8 colliding would mean broken randomness.
	if len(seen) < 50 {
		t.Fatalf("tokens repeated: %d distinct of 50", len(seen))
	}
}

func TestCommandIDShape(t *testing.T) {
	id := CommandID(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC))
	if !strings.HasPrefix(id, "20260102090000.000-") {
		t.Fatalf("ID lacks the time prefix: %q", id)
	}
	suffix := strings.TrimPrefix(id, "20260102090000.000-")
	if len(suffix) != 4 {
		t.Fatalf("unexpected suffix length: %q", id)
	}
	for _, r := range suffix {
		if !strings.ContainsRune(tokenAlphabet, r) {
			t.Fatalf("suffix %q contains %q outside the alphabet", suffix, r)
		}
	}
}

func TestCommandIDOrdersByTime(t *testing.T) {
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	early := CommandID(base)
	late := CommandID(base.Add(time.Second))
	if early >= late {
		t.Fatalf("IDs not in enqueue order: %q >= %q", early, late)
	}
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	clk.Advance(90 * time.Minute)
	if got := clk.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("Now = %v", got)
	}
}

func TestFakeSleepAdvancesWithoutBlocking(t *testing.T) {
	start := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	done := make(chan struct{})
	go func() {
		clk.Sleep(context.Background(), time.Hour)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fake Sleep blocked")
	}
	if got := clk.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("Sleep did not advance time: %v", got)
	}
}

func TestRealSleepHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	Real{}.Sleep(ctx, 5*time.Second)
	if time.Since(start) > time.Second {
		t.Fatal("Sleep ignored the canceled context")
	}
}
