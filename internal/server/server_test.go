package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/panerelay/panerelay/internal/clock"
	"github.com/panerelay/panerelay/internal/config"
	"github.com/panerelay/panerelay/internal/events"
	"github.com/panerelay/panerelay/internal/queue"
	"github.com/panerelay/panerelay/internal/relay"
	"github.com/panerelay/panerelay/internal/session"
	"github.com/panerelay/panerelay/internal/transport"
)

type noopInjector struct{}

func (noopInjector) Inject(ctx context.Context, pane, command string) error { return nil }

type harness struct {
	server *Server
	store  *session.Store
	queue  *queue.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC))
	dir := t.TempDir()

	store, err := session.NewStore(filepath.Join(dir, "sessions"), clk)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	q, err := queue.Open(filepath.Join(dir, "queue.json"), clk)
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	cursors, err := transport.NewCursorStore(filepath.Join(dir, "cursors"))
	if err != nil {
		t.Fatalf("creating cursor store: %v", err)
	}

	bus := events.NewBus()
	controller := relay.New(store, q, noopInjector{}, nil, nil, cursors, bus, clk, relay.Options{})
	cfg := &config.Config{
		ServerAddr:       ":0",
		PromptPolicy:     "permissive",
		TelegramBotToken: "12345:token",
	}

	srv := New(cfg, store, q, controller, bus, nil, nil)
	return &harness{server: srv, store: store, queue: q}
}

func (h *harness) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.server.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

// ---

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	sess, err := h.store.Mint(&session.Session{Transport: transport.KindTelegram, Recipient: "12345", Pane: "work", Project: "p"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := h.queue.Enqueue(sess.ID, "run tests"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[statusResponse](t, rec)
	if got.Sessions != 1 || got.Queued != 1 || got.Executing != 0 {
		t.Fatalf("unexpected counts: %+v", got)
	}
	if got.Policy != "permissive" {
		t.Fatalf("policy = %q", got.Policy)
	}
	if len(got.Transports) != 1 || got.Transports[0] != "telegram" {
		t.Fatalf("transports = %v", got.Transports)
	}
}

func TestSessionEndpoints(t *testing.T) {
	h := newHarness(t)
	sess, err := h.store.Mint(&session.Session{Transport: transport.KindTelegram, Recipient: "12345", Pane: "work", Project: "p"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if got := decode[[]*session.Session](t, rec); len(got) != 1 {
		t.Fatalf("expected 1 session, got %d", len(got))
	}

	rec = h.do(t, http.MethodGet, "/api/sessions/"+sess.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decode[*session.Session](t, rec); got.Token != sess.Token {
		t.Fatalf("wrong session returned: %+v", got)
	}

	rec = h.do(t, http.MethodGet, "/api/sessions/unknown")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodDelete, "/api/sessions/"+sess.ID)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := h.store.FindByID(sess.ID); err == nil {
		t.Fatal("session survived delete")
	}
}

func TestCommandEndpoints(t *testing.T) {
	h := newHarness(t)
	id, err := h.queue.Enqueue("s1", "run tests")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/commands")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if got := decode[[]*queue.Command](t, rec); len(got) != 1 || got[0].ID != id {
		t.Fatalf("unexpected commands: %+v", got)
	}

	rec = h.do(t, http.MethodPost, "/api/commands/"+id+"/cancel")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if got := decode[*queue.Command](t, rec); got.Status != queue.StatusCancelled {
		t.Fatalf("cancel did not stick: %s", got.Status)
	}

	// Cancelling a finished command is a client error.
	rec = h.do(t, http.MethodPost, "/api/commands/"+id+"/cancel")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("double cancel status = %d", rec.Code)
	}
}

func TestEmptyListsAreJSONArrays(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/api/sessions", "/api/commands", "/api/events"} {
		rec := h.do(t, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if body := rec.Body.String(); body != "[]\n" {
			t.Fatalf("%s returned %q, want empty array", path, body)
		}
	}
}

func TestWriteSSEFrameShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSSE(rec, events.Event{Type: events.TypeCommandQueued, SessionID: "s1"})

	frame := rec.Body.String()
	if strings.Contains(frame, "id:") {
		t.Fatalf("live events carry no ID, frame emitted one: %q", frame)
	}
	if !strings.HasPrefix(frame, "event: commandQueued\ndata: ") {
		t.Fatalf("unexpected frame: %q", frame)
	}
	if !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("frame not terminated: %q", frame)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestWebhookRouteAbsentWhenNil(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/webhook/line")
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("webhook mounted without a handler: %d", rec.Code)
	}
}
