// Package listener is the observer registry the connection manager republishes
// protocol events through. A listener implements any subset of the capability
// interfaces below; events it does not implement are skipped.
package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/onkernel/remote-debugger/lib/logger"
	"github.com/onkernel/remote-debugger/lib/rdp/client"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/session"
	"github.com/samber/lo"
)

// Event names a listener capability.
type Event string

const (
	EventConnect        Event = "onConnect"
	EventDisconnect     Event = "onDisconnect"
	EventTabNavigated   Event = "onTabNavigated"
	EventTabDetached    Event = "onTabDetached"
	EventThreadDetached Event = "onThreadDetached"
	EventTabAttached    Event = "onTabAttached"
	EventThreadAttached Event = "onThreadAttached"
	EventAttachFailed   Event = "onAttachFailed"
)

type ConnectListener interface {
	OnConnect(c client.Protocol)
}

type DisconnectListener interface {
	OnDisconnect(c client.Protocol)
}

// TabNavigatedListener receives the tabNavigated packet as the server sent it.
type TabNavigatedListener interface {
	OnTabNavigated(p protocol.Packet)
}

// The attach and detach capabilities get refresh=true when the event was
// synthesized for a context that kept its handles across a reload.

type TabDetachedListener interface {
	OnTabDetached(ctx *session.Context, refresh bool)
}

type ThreadDetachedListener interface {
	OnThreadDetached(ctx *session.Context, refresh bool)
}

type TabAttachedListener interface {
	OnTabAttached(ctx *session.Context, refresh bool)
}

type ThreadAttachedListener interface {
	OnThreadAttached(ctx *session.Context, refresh bool)
}

// AttachFailedListener is told when an attach step gave up, so it does not wait
// for an attach event that will never come.
type AttachFailedListener interface {
	OnAttachFailed(ctx *session.Context, err error)
}

// Listener is any value implementing one or more capabilities. It must be
// comparable, which pointers always are.
type Listener any

var (
	ErrNilListener           = errors.New("listener is nil")
	ErrNotComparableListener = errors.New("listener is not comparable")
)

// Registry is an ordered, duplicate-free set of listeners. Dispatch works on a
// snapshot, so listeners added or removed while an event is dispatched take
// effect from the next event on.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{logger: logger.OrDiscard(log)}
}

func checkListener(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	if !reflect.TypeOf(l).Comparable() {
		return fmt.Errorf("%w: %T", ErrNotComparableListener, l)
	}
	return nil
}

// Add appends l. It reports false when l is already registered or cannot be.
func (r *Registry) Add(l Listener) bool {
	if err := checkListener(l); err != nil {
		r.logger.Warn("rejecting listener", "err", err)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if lo.Contains(r.listeners, l) {
		return false
	}
	r.listeners = append(r.listeners, l)
	return true
}

// Remove drops l. It reports false when l was not registered.
func (r *Registry) Remove(l Listener) bool {
	if checkListener(l) != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := lo.IndexOf(r.listeners, l)
	if i < 0 {
		return false
	}
	r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

func (r *Registry) snapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Listener(nil), r.listeners...)
}

// Dispatch calls the handler for event on every registered listener that has it,
// in registration order, with args as its parameters. A panicking handler is
// logged and skipped. It returns how many listeners were called.
func (r *Registry) Dispatch(event Event, args ...any) int {
	call, err := bind(event, args)
	if err != nil {
		r.logger.Error("dispatch", "event", event, "err", err)
		return 0
	}

	called := 0
	for _, l := range r.snapshot() {
		if r.invoke(event, l, call) {
			called++
		}
	}
	return called
}

func (r *Registry) invoke(event Event, l Listener, call func(Listener) bool) (called bool) {
	defer func() {
		if v := recover(); v != nil {
			called = true
			r.logger.Error("listener panicked", "event", event, "listener", fmt.Sprintf("%T", l), "panic", v)
		}
	}()
	return call(l)
}

// bind checks args against event's handler signature and returns a func that
// calls the handler on a listener if it implements it.
func bind(event Event, args []any) (func(Listener) bool, error) {
	switch event {
	case EventConnect, EventDisconnect:
		c, err := arg[client.Protocol](args, 0, 1)
		if err != nil {
			return nil, err
		}
		if event == EventConnect {
			return capability(func(h ConnectListener) { h.OnConnect(c) }), nil
		}
		return capability(func(h DisconnectListener) { h.OnDisconnect(c) }), nil

	case EventTabNavigated:
		p, err := arg[protocol.Packet](args, 0, 1)
		if err != nil {
			return nil, err
		}
		return capability(func(h TabNavigatedListener) { h.OnTabNavigated(p) }), nil

	case EventTabDetached, EventThreadDetached, EventTabAttached, EventThreadAttached:
		ctx, err := arg[*session.Context](args, 0, 2)
		if err != nil {
			return nil, err
		}
		refresh, err := arg[bool](args, 1, 2)
		if err != nil {
			return nil, err
		}
		switch event {
		case EventTabDetached:
			return capability(func(h TabDetachedListener) { h.OnTabDetached(ctx, refresh) }), nil
		case EventThreadDetached:
			return capability(func(h ThreadDetachedListener) { h.OnThreadDetached(ctx, refresh) }), nil
		case EventTabAttached:
			return capability(func(h TabAttachedListener) { h.OnTabAttached(ctx, refresh) }), nil
		default:
			return capability(func(h ThreadAttachedListener) { h.OnThreadAttached(ctx, refresh) }), nil
		}

	case EventAttachFailed:
		ctx, err := arg[*session.Context](args, 0, 2)
		if err != nil {
			return nil, err
		}
		cause, err := arg[error](args, 1, 2)
		if err != nil {
			return nil, err
		}
		return capability(func(h AttachFailedListener) { h.OnAttachFailed(ctx, cause) }), nil
	}
	return nil, fmt.Errorf("unknown event %q", event)
}

func capability[H any](fn func(H)) func(Listener) bool {
	return func(l Listener) bool {
		h, ok := l.(H)
		if !ok {
			return false
		}
		fn(h)
		return true
	}
}

// arg returns args[i] as T. A nil argument yields T's zero value.
func arg[T any](args []any, i, want int) (T, error) {
	var zero T
	if len(args) != want {
		return zero, fmt.Errorf("want %d arguments, got %d", want, len(args))
	}
	if args[i] == nil {
		return zero, nil
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("argument %d: want %s, got %T", i, reflect.TypeFor[T](), args[i])
	}
	return v, nil
}
