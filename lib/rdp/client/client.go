// Package client is the debugger-side end of the remote debugging protocol. It
// matches replies to requests per actor and fans notifications out to subscribers.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/onkernel/remote-debugger/lib/logger"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
)

// EventClosed is emitted once when the underlying transport closes. The packet
// carries an "error" field when the close was not clean.
const EventClosed = "closed"

const eventBuffer = 1024

// EventHandler receives notification packets.
type EventHandler func(p protocol.Packet)

// TabClient is the handle for an attached tab actor.
type TabClient struct {
	Actor       string
	ThreadActor string
}

// ThreadClient is the handle for an attached thread actor.
type ThreadClient struct {
	Actor string
}

// Protocol is the surface of Client the connection manager drives.
type Protocol interface {
	Connect(ctx context.Context) (*protocol.Hello, error)
	Close(ctx context.Context) error
	Done() <-chan struct{}
	Subscribe(event string, fn EventHandler) (unsubscribe func())
	ListTabs(ctx context.Context) (*protocol.ListTabsResponse, error)
	AttachTab(ctx context.Context, tabActor string) (*TabClient, error)
	AttachThread(ctx context.Context, threadActor string) (*ThreadClient, error)
	Resume(ctx context.Context, thread *ThreadClient) error
}

var _ Protocol = (*Client)(nil)

type reply struct {
	packet protocol.Packet
	err    error
}

type pendingRequest struct {
	typ   string
	reply chan reply
}

type subscription struct {
	id uint64
	fn EventHandler
}

// Client speaks the protocol over a transport. Replies from an actor arrive in the
// order its requests were sent, so pending requests are queued per actor.
type Client struct {
	transport transport.Transport
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string][]*pendingRequest
	subs    map[string][]subscription
	nextSub uint64
	closed  bool

	hello     chan protocol.Packet
	helloSeen atomic.Bool
	events    chan protocol.Packet
	done      chan struct{}
	closeErr  error

	startOnce sync.Once
}

// New binds a client to t. The client installs itself as t's hooks on Connect.
func New(t transport.Transport, log *slog.Logger) *Client {
	return &Client{
		transport: t,
		logger:    logger.OrDiscard(log),
		pending:   make(map[string][]*pendingRequest),
		subs:      make(map[string][]subscription),
		hello:     make(chan protocol.Packet, 1),
		events:    make(chan protocol.Packet, eventBuffer),
		done:      make(chan struct{}),
	}
}

// Connect starts the transport and waits for the root actor's greeting.
func (c *Client) Connect(ctx context.Context) (*protocol.Hello, error) {
	var startErr error
	c.startOnce.Do(func() {
		c.transport.SetHooks(c)
		go c.eventLoop()
		startErr = c.transport.Start(ctx)
	})
	if startErr != nil {
		return nil, fmt.Errorf("start transport: %w", startErr)
	}

	select {
	case p := <-c.hello:
		var hello protocol.Hello
		if err := p.Decode(&hello); err != nil {
			return nil, err
		}
		return &hello, nil
	case <-c.done:
		return nil, c.closedError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the transport and waits until the client has observed it.
func (c *Client) Close(ctx context.Context) error {
	// A client that never connected still has to observe the close.
	c.startOnce.Do(func() {
		c.transport.SetHooks(c)
		go c.eventLoop()
	})
	err := c.transport.Close()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Done is closed once the transport has closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers fn for notifications of the given type. Handlers run on the
// client's event goroutine in arrival order. The returned func removes fn.
func (c *Client) Subscribe(event string, fn EventHandler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[event] = append(c.subs[event], subscription{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.subs[event]
			for i, s := range subs {
				if s.id == id {
					c.subs[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Request sends p and waits for the reply from the actor it is addressed to.
func (c *Client) Request(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	to := p.To()
	if to == "" {
		return nil, errors.New("request has no destination actor")
	}

	pr := &pendingRequest{typ: p.Type(), reply: make(chan reply, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closedError()
	}
	c.pending[to] = append(c.pending[to], pr)
	c.mu.Unlock()

	if err := c.transport.Send(ctx, p); err != nil {
		c.dropPending(to, pr)
		return nil, fmt.Errorf("send %s to %s: %w", pr.typ, to, err)
	}

	// An abandoned request stays queued so the late reply is still consumed in order.
	select {
	case r := <-pr.reply:
		return r.packet, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(actor string, pr *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.pending[actor]
	for i, q := range queue {
		if q == pr {
			c.pending[actor] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(c.pending[actor]) == 0 {
		delete(c.pending, actor)
	}
}

// ListTabs asks the root actor for the open tabs.
func (c *Client) ListTabs(ctx context.Context) (*protocol.ListTabsResponse, error) {
	p, err := c.Request(ctx, protocol.NewRequest(protocol.RootActor, protocol.TypeListTabs))
	if err != nil {
		return nil, err
	}
	var resp protocol.ListTabsResponse
	if err := p.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AttachTab attaches to a tab actor. The handle records the tab's thread actor.
func (c *Client) AttachTab(ctx context.Context, tabActor string) (*TabClient, error) {
	p, err := c.Request(ctx, protocol.NewRequest(tabActor, protocol.TypeAttach))
	if err != nil {
		return nil, err
	}
	var resp protocol.TabAttached
	if err := p.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Type != protocol.TypeTabAttached || resp.ThreadActor == "" {
		return nil, fmt.Errorf("unexpected attach reply from %s: %q", tabActor, resp.Type)
	}
	return &TabClient{Actor: tabActor, ThreadActor: resp.ThreadActor}, nil
}

// AttachThread attaches to a thread actor. The thread is paused once attached.
func (c *Client) AttachThread(ctx context.Context, threadActor string) (*ThreadClient, error) {
	p, err := c.Request(ctx, protocol.NewRequest(threadActor, protocol.TypeAttach))
	if err != nil {
		return nil, err
	}
	if p.Type() != protocol.TypePaused {
		return nil, fmt.Errorf("unexpected attach reply from %s: %q", threadActor, p.Type())
	}
	return &ThreadClient{Actor: threadActor}, nil
}

// Resume lets a paused thread run.
func (c *Client) Resume(ctx context.Context, thread *ThreadClient) error {
	p, err := c.Request(ctx, protocol.NewRequest(thread.Actor, protocol.TypeResume))
	if err != nil {
		return err
	}
	if p.Type() != protocol.TypeResumed {
		return fmt.Errorf("unexpected resume reply from %s: %q", thread.Actor, p.Type())
	}
	return nil
}

// OnPacket routes an inbound packet. It implements transport.Hooks.
func (c *Client) OnPacket(p protocol.Packet) {
	from := p.From()
	if from == protocol.RootActor && !c.helloSeen.Load() {
		if _, ok := p["applicationType"]; ok {
			c.helloSeen.Store(true)
			c.hello <- p
			return
		}
	}

	if protocol.IsUnsolicited(p.Type()) {
		c.queueEvent(p)
		return
	}

	c.mu.Lock()
	queue := c.pending[from]
	var pr *pendingRequest
	if len(queue) > 0 {
		pr = queue[0]
		if len(queue) == 1 {
			delete(c.pending, from)
		} else {
			c.pending[from] = queue[1:]
		}
	}
	c.mu.Unlock()

	if pr == nil {
		if p.Type() != "" {
			c.queueEvent(p)
			return
		}
		c.logger.Warn("dropping unexpected packet", "from", from)
		return
	}

	if err := p.Err(); err != nil {
		pr.reply <- reply{err: err}
		return
	}
	pr.reply <- reply{packet: p}
}

// OnClosed fails all pending requests. It implements transport.Hooks.
func (c *Client) OnClosed(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string][]*pendingRequest)
	c.mu.Unlock()

	for _, queue := range pending {
		for _, pr := range queue {
			pr.reply <- reply{err: c.closedError()}
		}
	}

	closedEvent := protocol.Packet{protocol.FieldType: EventClosed}
	if err != nil {
		closedEvent[protocol.FieldError] = err.Error()
	}
	c.events <- closedEvent
	close(c.events)
	close(c.done)
}

func (c *Client) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return fmt.Errorf("%w: %w", transport.ErrClosed, c.closeErr)
	}
	return transport.ErrClosed
}

func (c *Client) queueEvent(p protocol.Packet) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.events <- p
}

func (c *Client) eventLoop() {
	for p := range c.events {
		c.emit(p)
	}
}

func (c *Client) emit(p protocol.Packet) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs[p.Type()]...)
	c.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event handler panicked", "event", p.Type(), "panic", r)
				}
			}()
			s.fn(p)
		}()
	}
}
