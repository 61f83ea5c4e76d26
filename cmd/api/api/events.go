package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/onkernel/remote-debugger/lib/listener"
	"github.com/onkernel/remote-debugger/lib/logger"
	"github.com/onkernel/remote-debugger/lib/rdp/client"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/session"
)

const defaultEventLogSize = 256

// Event is one entry of the event log.
type Event struct {
	Time    time.Time `json:"time"`
	Name    string    `json:"name"`
	Context string    `json:"context,omitempty"`
	Refresh bool      `json:"refresh,omitempty"`
	URL     string    `json:"url,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// EventLog is a listener that keeps the most recent manager events.
type EventLog struct {
	logger *slog.Logger
	size   int

	mu     sync.Mutex
	events []Event
}

var (
	_ listener.ConnectListener        = (*EventLog)(nil)
	_ listener.DisconnectListener     = (*EventLog)(nil)
	_ listener.TabNavigatedListener   = (*EventLog)(nil)
	_ listener.TabDetachedListener    = (*EventLog)(nil)
	_ listener.ThreadDetachedListener = (*EventLog)(nil)
	_ listener.TabAttachedListener    = (*EventLog)(nil)
	_ listener.ThreadAttachedListener = (*EventLog)(nil)
	_ listener.AttachFailedListener   = (*EventLog)(nil)
)

func NewEventLog(size int, log *slog.Logger) *EventLog {
	return &EventLog{logger: logger.OrDiscard(log), size: size}
}

func (l *EventLog) add(e Event) {
	e.Time = time.Now()
	l.logger.Debug("debugger event", "name", e.Name, "context", e.Context, "refresh", e.Refresh)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	if over := len(l.events) - l.size; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
}

// Snapshot returns the logged events, oldest first.
func (l *EventLog) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event{}, l.events...)
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func contextEvent(name string, ctx *session.Context, refresh bool) Event {
	e := Event{Name: name, Refresh: refresh}
	if ctx != nil {
		e.Context = ctx.ID()
	}
	return e
}

func (l *EventLog) OnConnect(client.Protocol) {
	l.add(Event{Name: string(listener.EventConnect)})
}

func (l *EventLog) OnDisconnect(client.Protocol) {
	l.add(Event{Name: string(listener.EventDisconnect)})
}

func (l *EventLog) OnTabNavigated(p protocol.Packet) {
	l.add(Event{Name: string(listener.EventTabNavigated), URL: p.String("url")})
}

func (l *EventLog) OnTabDetached(ctx *session.Context, refresh bool) {
	l.add(contextEvent(string(listener.EventTabDetached), ctx, refresh))
}

func (l *EventLog) OnThreadDetached(ctx *session.Context, refresh bool) {
	l.add(contextEvent(string(listener.EventThreadDetached), ctx, refresh))
}

func (l *EventLog) OnTabAttached(ctx *session.Context, refresh bool) {
	l.add(contextEvent(string(listener.EventTabAttached), ctx, refresh))
}

func (l *EventLog) OnThreadAttached(ctx *session.Context, refresh bool) {
	l.add(contextEvent(string(listener.EventThreadAttached), ctx, refresh))
}

func (l *EventLog) OnAttachFailed(ctx *session.Context, err error) {
	e := contextEvent(string(listener.EventAttachFailed), ctx, false)
	if err != nil {
		e.Error = err.Error()
	}
	l.add(e)
}
