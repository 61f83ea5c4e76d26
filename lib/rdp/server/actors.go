package server

import (
	"context"
	"fmt"
	"time"

	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
)

const sendTimeout = 10 * time.Second

// conn is one client connection. It implements transport.Hooks.
type conn struct {
	id   string
	srv  *Server
	t    transport.Transport
	done chan struct{}
}

func (c *conn) OnPacket(p protocol.Packet) {
	c.send(c.srv.handle(c, p))
}

func (c *conn) OnClosed(err error) {
	if err != nil {
		c.srv.logger.Warn("debugger connection closed", "conn", c.id, "err", err)
	} else {
		c.srv.logger.Debug("debugger connection closed", "conn", c.id)
	}
	c.srv.dropConn(c)
	close(c.done)
}

func (c *conn) send(p protocol.Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.t.Send(ctx, p); err != nil {
		c.srv.logger.Debug("send to debugger connection failed", "conn", c.id, "err", err)
	}
}

func errorReply(from, code, msg string) protocol.Packet {
	return protocol.Packet{protocol.FieldFrom: from, protocol.FieldError: code, "message": msg}
}

func (s *Server) handle(c *conn, p protocol.Packet) protocol.Packet {
	to, typ := p.To(), p.Type()

	s.mu.Lock()
	defer s.mu.Unlock()

	if to == protocol.RootActor {
		return s.handleRootLocked(typ)
	}
	for _, t := range s.tabs {
		switch to {
		case t.actor:
			return s.handleTabLocked(c, t, typ)
		case t.threadActor:
			return s.handleThreadLocked(c, t, typ)
		case t.consoleActor:
			return errorReply(to, protocol.ErrorUnrecognizedPacketType, fmt.Sprintf("console actor does not handle %q", typ))
		}
	}
	return errorReply(to, protocol.ErrorNoSuchActor, fmt.Sprintf("no actor %q", to))
}

func (s *Server) handleRootLocked(typ string) protocol.Packet {
	if typ != protocol.TypeListTabs {
		return errorReply(protocol.RootActor, protocol.ErrorUnrecognizedPacketType, fmt.Sprintf("root does not handle %q", typ))
	}
	tabs := make([]any, 0, len(s.tabs))
	for _, t := range s.tabs {
		tabs = append(tabs, map[string]any(t.form()))
	}
	return protocol.Packet{
		protocol.FieldFrom: protocol.RootActor,
		"tabs":             tabs,
		"selected":         s.selected,
	}
}

func (s *Server) handleTabLocked(c *conn, t *tab, typ string) protocol.Packet {
	switch typ {
	case protocol.TypeAttach:
		t.attached[c] = struct{}{}
		return protocol.Packet{
			protocol.FieldFrom: t.actor,
			protocol.FieldType: protocol.TypeTabAttached,
			"threadActor":      t.threadActor,
		}
	case protocol.TypeDetach:
		if _, ok := t.attached[c]; !ok {
			return errorReply(t.actor, protocol.ErrorWrongState, "not attached")
		}
		delete(t.attached, c)
		return protocol.Packet{protocol.FieldFrom: t.actor, protocol.FieldType: protocol.TypeDetached}
	default:
		return errorReply(t.actor, protocol.ErrorUnrecognizedPacketType, fmt.Sprintf("tab does not handle %q", typ))
	}
}

func (s *Server) handleThreadLocked(c *conn, t *tab, typ string) protocol.Packet {
	switch typ {
	case protocol.TypeAttach:
		if _, ok := t.attached[c]; !ok {
			return errorReply(t.threadActor, protocol.ErrorWrongState, "tab not attached")
		}
		if t.thread != threadDetached {
			return errorReply(t.threadActor, protocol.ErrorWrongState, "thread already attached")
		}
		t.thread = threadPaused
		return protocol.Packet{
			protocol.FieldFrom: t.threadActor,
			protocol.FieldType: protocol.TypePaused,
			"why":              map[string]any{"type": "attached"},
		}
	case protocol.TypeResume:
		if t.thread != threadPaused {
			return errorReply(t.threadActor, protocol.ErrorWrongState, "thread not paused")
		}
		t.thread = threadRunning
		return protocol.Packet{protocol.FieldFrom: t.threadActor, protocol.FieldType: protocol.TypeResumed}
	case protocol.TypeDetach:
		t.thread = threadDetached
		return protocol.Packet{protocol.FieldFrom: t.threadActor, protocol.FieldType: protocol.TypeDetached}
	default:
		return errorReply(t.threadActor, protocol.ErrorUnrecognizedPacketType, fmt.Sprintf("thread does not handle %q", typ))
	}
}
