// Package server provides the PaneRelay admin HTTP API and hosts the LINE
// webhook endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/panerelay/panerelay/internal/config"
	"github.com/panerelay/panerelay/internal/events"
	"github.com/panerelay/panerelay/internal/queue"
	"github.com/panerelay/panerelay/internal/relay"
	"github.com/panerelay/panerelay/internal/session"
)

// Server is the admin HTTP surface. It is read-only except for session and
// command deletion; commands enter the system through the transports, not
// through HTTP.
type Server struct {
	config     *config.Config
	store      *session.Store
	queue      *queue.Queue
	controller *relay.Controller
	bus        *events.Bus
	audit      *events.AuditStore
	webhook    http.HandlerFunc // nil unless LINE is configured
	router     chi.Router
	startedAt  time.Time
}

// New creates a Server. webhook may be nil.
func New(cfg *config.Config, store *session.Store, q *queue.Queue,
	controller *relay.Controller, bus *events.Bus, audit *events.AuditStore,
	webhook http.HandlerFunc) *Server {
	s := &Server{
		config:     cfg,
		store:      store,
		queue:      q,
		controller: controller,
		bus:        bus,
		audit:      audit,
		webhook:    webhook,
		startedAt:  time.Now().UTC(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("PaneRelay server listening on %s", s.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/commands", s.handleListCommands)
		r.Get("/commands/{id}", s.handleGetCommand)
		r.Post("/commands/{id}/cancel", s.handleCancelCommand)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)
	})

	if s.webhook != nil {
		r.Post("/webhook/line", s.webhook)
	}

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Response types ---

type statusResponse struct {
	Uptime     string   `json:"uptime"`
	Sessions   int      `json:"sessions"`
	Queued     int      `json:"queued"`
	Executing  int      `json:"executing"`
	Dispatched int      `json:"dispatched"`
	Rejected   int      `json:"rejected"`
	Policy     string   `json:"promptPolicy"`
	Transports []string `json:"transports"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	commands := s.queue.List()
	queued, executing := 0, 0
	for _, cmd := range commands {
		switch cmd.Status {
		case queue.StatusQueued:
			queued++
		case queue.StatusExecuting:
			executing++
		}
	}

	stats := s.controller.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Sessions:   len(sessions),
		Queued:     queued,
		Executing:  executing,
		Dispatched: stats.Dispatched,
		Rejected:   stats.Rejected,
		Policy:     s.config.PromptPolicy,
		Transports: s.config.EnabledTransports(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		log.Printf("Error listing sessions: %v", err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.FindByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		log.Printf("Error deleting session %s: %v", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	commands := s.queue.List()
	if commands == nil {
		commands = []*queue.Command{}
	}
	writeJSON(w, http.StatusOK, commands)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd, err := s.queue.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := s.queue.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []*events.Event{})
		return
	}
	recent, err := s.audit.Recent(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read events")
		log.Printf("Error reading audit log: %v", err)
		return
	}
	if recent == nil {
		recent = []*events.Event{}
	}
	writeJSON(w, http.StatusOK, recent)
}

// handleEventStream streams live relay events over SSE.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeSSE emits one server-sent event. Live bus events carry no ID (IDs
// are assigned by the audit store), so no id: field is written.
func writeSSE(w http.ResponseWriter, event events.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
}
