// Package server is an in-process remote debugging server with a built-in actor
// set: a root actor listing tabs, and per tab a tab actor, a thread actor and a
// console actor.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/onkernel/remote-debugger/lib/logger"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
)

var (
	ErrNoActors     = errors.New("built-in actors not registered")
	ErrServerClosed = errors.New("server closed")
	ErrNoSuchTab    = errors.New("no such tab")
)

const (
	DefaultTabURL   = "about:blank"
	DefaultTabTitle = "New Tab"
)

type threadState int

const (
	threadDetached threadState = iota
	threadPaused
	threadRunning
)

type tab struct {
	actor        string
	url          string
	title        string
	consoleActor string
	threadActor  string
	thread       threadState
	attached     map[*conn]struct{}
}

func (t *tab) form() protocol.Tab {
	return protocol.Tab{
		"actor":        t.actor,
		"url":          t.url,
		"title":        t.title,
		"consoleActor": t.consoleActor,
	}
}

// Server hosts the built-in actors for any number of connections.
type Server struct {
	logger *slog.Logger

	mu       sync.Mutex
	builtins bool
	closed   bool
	tabs     []*tab
	selected int
	nextTab  int
	conns    map[*conn]struct{}
}

// New creates a server with no actors registered.
func New(log *slog.Logger) *Server {
	return &Server{
		logger: logger.OrDiscard(log),
		conns:  make(map[*conn]struct{}),
	}
}

// RegisterBuiltinActors installs the root actor and, when no tab exists yet, a blank
// tab so a fresh server always has something to attach to.
func (s *Server) RegisterBuiltinActors() {
	s.mu.Lock()
	s.builtins = true
	empty := len(s.tabs) == 0
	s.mu.Unlock()

	if empty {
		s.AddTab(DefaultTabURL, DefaultTabTitle)
	}
}

// AddTab opens a tab and returns its actor id.
func (s *Server) AddTab(url, title string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTab++
	n := strconv.Itoa(s.nextTab)
	t := &tab{
		actor:        "tab" + n,
		url:          url,
		title:        title,
		consoleActor: "console" + n,
		threadActor:  "thread" + n,
		attached:     make(map[*conn]struct{}),
	}
	s.tabs = append(s.tabs, t)
	return t.actor
}

// SelectTab marks a tab as the one listTabs reports as selected.
func (s *Server) SelectTab(actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tabs {
		if t.actor == actor {
			s.selected = i
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoSuchTab, actor)
}

// Navigate points a tab at a new URL and notifies attached connections.
func (s *Server) Navigate(actor, url string) error {
	s.mu.Lock()
	t := s.findTabLocked(actor)
	if t == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchTab, actor)
	}
	t.url = url
	targets := t.attachedConns()
	s.mu.Unlock()

	for _, c := range targets {
		c.send(protocol.Packet{protocol.FieldFrom: actor, protocol.FieldType: protocol.TypeNewGlobal})
		c.send(protocol.Packet{
			protocol.FieldFrom: actor,
			protocol.FieldType: protocol.TypeTabNavigated,
			"url":              url,
			"state":            "stop",
		})
	}
	return nil
}

// CloseTab removes a tab. Attached connections receive tabDetached.
func (s *Server) CloseTab(actor string) error {
	s.mu.Lock()
	idx := -1
	for i, t := range s.tabs {
		if t.actor == actor {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchTab, actor)
	}
	t := s.tabs[idx]
	s.tabs = append(s.tabs[:idx], s.tabs[idx+1:]...)
	if s.selected >= len(s.tabs) && s.selected > 0 {
		s.selected = len(s.tabs) - 1
	}
	targets := t.attachedConns()
	s.mu.Unlock()

	for _, c := range targets {
		c.send(protocol.Packet{protocol.FieldFrom: actor, protocol.FieldType: protocol.TypeTabDetached})
	}
	return nil
}

// Serve speaks the protocol on t until it closes. It returns once the greeting is sent.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	_, err := s.serve(ctx, t)
	return err
}

func (s *Server) serve(ctx context.Context, t transport.Transport) (*conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if !s.builtins {
		s.mu.Unlock()
		return nil, ErrNoActors
	}
	c := &conn{id: uuid.NewString(), srv: s, t: t, done: make(chan struct{})}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	t.SetHooks(c)
	if err := t.Start(ctx); err != nil {
		s.dropConn(c)
		return nil, fmt.Errorf("start transport: %w", err)
	}
	s.logger.Debug("debugger connection opened", "conn", c.id)

	err := t.Send(ctx, protocol.Packet{
		protocol.FieldFrom: protocol.RootActor,
		"applicationType":  "browser",
		"traits":           map[string]any{"sources": true},
	})
	if err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return c, nil
}

// Close closes every connection and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	for _, t := range s.tabs {
		if _, ok := t.attached[c]; ok {
			delete(t.attached, c)
			if len(t.attached) == 0 {
				t.thread = threadDetached
			}
		}
	}
}

func (s *Server) findTabLocked(actor string) *tab {
	for _, t := range s.tabs {
		if t.actor == actor {
			return t
		}
	}
	return nil
}

func (t *tab) attachedConns() []*conn {
	out := make([]*conn, 0, len(t.attached))
	for c := range t.attached {
		out = append(out, c)
	}
	return out
}
