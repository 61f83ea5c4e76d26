package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/go-chi/chi/v5"
	"github.com/onkernel/remote-debugger/lib/connection"
	"github.com/onkernel/remote-debugger/lib/logger"
	"github.com/onkernel/remote-debugger/lib/rdp/server"
	"github.com/onkernel/remote-debugger/lib/session"
)

// ApiService exposes a connection manager and the debugging context it drives
// over HTTP.
type ApiService struct {
	manager *connection.Manager
	events  *EventLog
	store   *session.Store

	// current is the context being debugged. Reload replaces it with a fresh
	// context carrying the same id.
	mu      sync.Mutex
	current *session.Context
}

func New(manager *connection.Manager, log *slog.Logger) *ApiService {
	events := NewEventLog(defaultEventLogSize, log)
	manager.AddListener(events)
	return &ApiService{
		manager: manager,
		events:  events,
		store:   session.NewStore(),
		current: session.NewContext(),
	}
}

func (s *ApiService) Routes(r chi.Router) {
	r.Get("/status", s.getStatus)
	r.Get("/status.yaml", s.getStatusYAML)
	r.Get("/events", s.getEvents)
	r.Post("/connect", s.postConnect)
	r.Post("/disconnect", s.postDisconnect)
	r.Post("/attach", s.postAttach)
	r.Post("/reload", s.postReload)
	r.Post("/navigate", s.postNavigate)
	r.Get("/actors/{name}", s.getActor)
}

func (s *ApiService) currentContext() *session.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Status is the body of GET /status.
type Status struct {
	State     string `json:"state"`
	Remote    bool   `json:"remote"`
	Context   string `json:"context"`
	Tab       string `json:"tab,omitempty"`
	Thread    string `json:"thread,omitempty"`
	Listeners int    `json:"listeners"`
	Events    int    `json:"events"`
}

func (s *ApiService) status() Status {
	target := s.currentContext()
	st := Status{
		State:     s.manager.State().String(),
		Remote:    s.manager.IsRemote(),
		Context:   target.ID(),
		Listeners: s.manager.ListenerCount(),
		Events:    s.events.Len(),
	}
	tab, thread := target.Handles()
	if tab != nil {
		st.Tab = tab.Actor
	}
	if thread != nil {
		st.Thread = thread.Actor
	}
	return st
}

func (s *ApiService) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.status())
}

func (s *ApiService) getStatusYAML(w http.ResponseWriter, r *http.Request) {
	data, err := yaml.Marshal(s.status())
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to render status as YAML", "err", err)
		http.Error(w, "failed to render status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (s *ApiService) getEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.events.Snapshot())
}

// ConnectCurrent connects and attaches the current context.
func (s *ApiService) ConnectCurrent(ctx context.Context) error {
	return s.manager.Connect(ctx, s.currentContext())
}

// Connect and attach run detached from the request so a client hanging up
// does not abort the sequence halfway; Disconnect still cancels it.

func (s *ApiService) postConnect(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.ConnectCurrent(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s.status())
}

func (s *ApiService) postDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s.status())
}

func (s *ApiService) postAttach(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.manager.AttachCurrentTab(ctx, s.currentContext()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s.status())
}

// postReload replays what happens when the debugged page reloads: the context
// is destroyed with its handles persisted, and a new context for the same id
// picks them up again.
func (s *ApiService) postReload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	old := s.current
	persisted := s.store.State(old.ID())
	s.manager.DestroyContext(old, persisted)
	fresh := session.NewContextWithID(old.ID())
	s.current = fresh
	s.mu.Unlock()

	err := s.manager.InitContext(context.WithoutCancel(r.Context()), fresh, persisted)
	s.store.Delete(fresh.ID())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s.status())
}

type navigateRequest struct {
	URL string `json:"url"`
}

// postNavigate points the attached tab of the embedded server at a new URL.
func (s *ApiService) postNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "body must be {\"url\": \"...\"}", http.StatusBadRequest)
		return
	}
	srv := s.manager.EmbeddedServer()
	if srv == nil {
		http.Error(w, "no embedded server", http.StatusConflict)
		return
	}
	tab := s.currentContext().TabClient()
	if tab == nil {
		http.Error(w, "no tab attached", http.StatusConflict)
		return
	}
	if err := srv.Navigate(tab.Actor, req.URL); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *ApiService) getActor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id, ok := s.manager.GetActorID(s.currentContext(), name)
	if !ok {
		http.Error(w, "actor not found", http.StatusNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"name": name, "actor": id})
}

// Shutdown disconnects the manager if it is still connected.
func (s *ApiService) Shutdown(ctx context.Context) error {
	if s.manager.State() == connection.StateDisconnected {
		return nil
	}
	err := s.manager.Disconnect(ctx)
	if errors.Is(err, connection.ErrInvalidState) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.FromContext(r.Context()).Error("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	var transportErr *connection.TransportError
	switch {
	case errors.Is(err, connection.ErrInvalidState), errors.Is(err, connection.ErrSequenceInFlight):
		code = http.StatusConflict
	case errors.Is(err, connection.ErrDisconnected):
		code = http.StatusConflict
	case errors.As(err, &transportErr):
		code = http.StatusBadGateway
	case errors.Is(err, server.ErrNoSuchTab):
		code = http.StatusNotFound
	}
	if code == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), code)
}
