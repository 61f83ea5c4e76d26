// Package connection owns the link to a debug server. It opens the transport,
// drives the listTabs, attachTab, attachThread, resume sequence for a debugging
// context and republishes what happens to registered listeners.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/onkernel/remote-debugger/lib/listener"
	"github.com/onkernel/remote-debugger/lib/logger"
	"github.com/onkernel/remote-debugger/lib/rdp/client"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/rdp/server"
	"github.com/onkernel/remote-debugger/lib/rdp/trace"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
	"github.com/onkernel/remote-debugger/lib/session"
	"github.com/samber/lo"
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Config selects between an embedded server reached over a pipe and a remote
// server reached over the network.
type Config struct {
	Remote       bool
	RemoteHost   string
	RemotePort   int
	RemoteScheme string // tcp or ws
	TracePackets bool
	Dial         transport.DialConfig
}

// RemoteURL is the address dialed in remote mode.
func (c Config) RemoteURL() string {
	scheme := c.RemoteScheme
	if scheme == "" {
		scheme = "tcp"
	}
	return scheme + "://" + net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}

const closeTimeout = 5 * time.Second

var errNoHandle = errors.New("server returned no handle")

// sequence is one connect or attach run. Disconnect cancels it with
// ErrDisconnected.
type sequence struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Manager is the connection manager. Construct one per debugger and share it;
// it is safe for concurrent use.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	dial      Dialer
	newClient ClientFactory
	newServer ServerFactory
	listeners *listener.Registry

	mu          sync.Mutex
	state       State
	client      client.Protocol
	server      *server.Server
	unsubscribe []func()
	contexts    []*session.Context
	active      *sequence
}

func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		dial:      defaultDialer,
		newClient: defaultClientFactory,
		newServer: server.New,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.OrDiscard(m.logger)
	m.listeners = listener.NewRegistry(m.logger)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsRemote() bool {
	return m.cfg.Remote
}

// Client returns the protocol client, or nil while disconnected.
func (m *Manager) Client() client.Protocol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// EmbeddedServer returns the in-process server, or nil in remote mode or while
// disconnected.
func (m *Manager) EmbeddedServer() *server.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

func (m *Manager) AddListener(l listener.Listener) bool {
	return m.listeners.Add(l)
}

func (m *Manager) RemoveListener(l listener.Listener) bool {
	return m.listeners.Remove(l)
}

func (m *Manager) ListenerCount() int {
	return m.listeners.Len()
}

// beginLocked starts a sequence. The caller holds m.mu and has checked that no
// other sequence is active.
func (m *Manager) beginLocked(ctx context.Context) *sequence {
	seqCtx, cancel := context.WithCancelCause(ctx)
	seq := &sequence{ctx: seqCtx, cancel: cancel}
	m.active = seq
	return seq
}

func (m *Manager) release(seq *sequence) {
	m.mu.Lock()
	if m.active == seq {
		m.active = nil
	}
	m.mu.Unlock()
	seq.cancel(nil)
}

// commit runs fn under the manager lock unless the sequence was cancelled.
// Disconnect cancels under the same lock, so nothing is written to a context
// after teardown has begun.
func (m *Manager) commit(seq *sequence, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := context.Cause(seq.ctx); err != nil {
		return err
	}
	fn()
	return nil
}

// Connect opens the transport, waits for the server greeting, tells listeners
// and then attaches target's tab. Attach failures are reported to listeners,
// not returned. target may be nil to connect without attaching.
func (m *Manager) Connect(ctx context.Context, target *session.Context) error {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return ErrSequenceInFlight
	}
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	m.state = StateConnecting
	seq := m.beginLocked(ctx)
	m.mu.Unlock()
	defer m.release(seq)

	c, err := m.open(seq)
	if err != nil {
		m.abandon(seq, nil)
		return err
	}

	hello, err := c.Connect(seq.ctx)
	if err != nil {
		m.abandon(seq, c)
		if cause := context.Cause(seq.ctx); errors.Is(cause, ErrDisconnected) {
			return cause
		}
		return &TransportError{Op: "handshake", Err: err}
	}
	if err := m.commit(seq, func() { m.state = StateConnected }); err != nil {
		return err
	}
	m.logger.Info("connected", "remote", m.cfg.Remote, "application_type", hello.ApplicationType)

	return m.onConnect(seq, c, target)
}

// open builds the transport and the client on it. The client is installed on
// the manager before the handshake so that Disconnect can tear it down.
func (m *Manager) open(seq *sequence) (client.Protocol, error) {
	var (
		t   transport.Transport
		srv *server.Server
	)
	if m.cfg.Remote {
		remoteURL := m.cfg.RemoteURL()
		dialed, err := m.dial(seq.ctx, remoteURL, m.cfg.Dial)
		if err != nil {
			return nil, &TransportError{Op: "dial " + remoteURL, Err: err}
		}
		t = dialed
	} else {
		srv = m.newServer(m.logger)
		srv.RegisterBuiltinActors()
		serverEnd, clientEnd := transport.NewPipe()
		if err := srv.Serve(seq.ctx, serverEnd); err != nil {
			_ = srv.Close()
			return nil, &TransportError{Op: "serve embedded", Err: err}
		}
		t = clientEnd
	}

	if m.cfg.TracePackets {
		t = trace.Wrap(t, m.logger)
	}

	c := m.newClient(t, m.logger)
	unsubscribe := []func(){
		c.Subscribe(protocol.TypeTabNavigated, m.onTabNavigated),
		c.Subscribe(protocol.TypeTabDetached, m.onTabDetached),
		c.Subscribe(client.EventClosed, func(p protocol.Packet) { m.onClosed(c, p) }),
	}

	err := m.commit(seq, func() {
		m.client = c
		m.server = srv
		m.unsubscribe = unsubscribe
	})
	if err != nil {
		// Disconnect ran while dialing and has nothing of ours to close.
		_ = m.shutdown(context.WithoutCancel(seq.ctx), c, srv, unsubscribe)
		return nil, err
	}
	return c, nil
}

// abandon undoes a failed connect. When Disconnect already took over it only
// makes sure nothing of this attempt stays open.
func (m *Manager) abandon(seq *sequence, c client.Protocol) {
	m.mu.Lock()
	var (
		srv   *server.Server
		unsub []func()
	)
	if m.active == seq {
		if c != nil && m.client == c {
			srv, unsub = m.server, m.unsubscribe
			m.client, m.server, m.unsubscribe = nil, nil, nil
		}
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if c == nil {
		return
	}
	if err := m.shutdown(context.WithoutCancel(seq.ctx), c, srv, unsub); err != nil {
		m.logger.Warn("cleanup after failed connect", "err", err)
	}
}

// Disconnect tears the connection down. It may be called at any point of an
// attach sequence; the sequence stops before its next step.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateDisconnecting {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: disconnect while %s", ErrInvalidState, state)
	}
	m.state = StateDisconnecting
	if m.active != nil {
		m.active.cancel(ErrDisconnected)
		m.active = nil
	}
	c, srv, unsub := m.client, m.server, m.unsubscribe
	m.client, m.server, m.unsubscribe = nil, nil, nil
	m.mu.Unlock()

	err := m.shutdown(ctx, c, srv, unsub)

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	if c != nil {
		m.onDisconnect(c)
	}
	return err
}

func (m *Manager) shutdown(ctx context.Context, c client.Protocol, srv *server.Server, unsubscribe []func()) error {
	for _, unsub := range unsubscribe {
		unsub()
	}

	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	var errs []error
	if c != nil {
		if err := c.Close(ctx); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
	}
	if srv != nil {
		if err := srv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close embedded server: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) onConnect(seq *sequence, c client.Protocol, target *session.Context) error {
	// Disconnect may have run since the handshake; its onDisconnect must not
	// precede this onConnect.
	if err := context.Cause(seq.ctx); err != nil {
		return err
	}
	m.listeners.Dispatch(listener.EventConnect, c)
	if target == nil {
		return nil
	}
	return m.attachCurrentTab(seq, c, target)
}

func (m *Manager) onDisconnect(c client.Protocol) {
	m.logger.Info("disconnected", "remote", m.cfg.Remote)
	m.listeners.Dispatch(listener.EventDisconnect, c)
}

// onClosed handles a transport that went away without Disconnect.
func (m *Manager) onClosed(c client.Protocol, p protocol.Packet) {
	m.mu.Lock()
	if m.client != c {
		m.mu.Unlock()
		return
	}
	if m.active != nil {
		m.active.cancel(ErrDisconnected)
		m.active = nil
	}
	srv, unsub := m.server, m.unsubscribe
	m.client, m.server, m.unsubscribe = nil, nil, nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Warn("transport closed", "err", p.String(protocol.FieldError))
	for _, u := range unsub {
		u()
	}
	if srv != nil {
		_ = srv.Close()
	}
	m.onDisconnect(c)
}

func (m *Manager) onTabNavigated(p protocol.Packet) {
	m.listeners.Dispatch(listener.EventTabNavigated, p)
}

// onTabDetached reports the thread gone before the tab for every context
// attached to the detached tab, then drops their handles. Listeners take the
// affected context as an argument, so a detach for a tab no tracked context is
// attached to is logged and not dispatched.
func (m *Manager) onTabDetached(p protocol.Packet) {
	actor := p.From()

	m.mu.Lock()
	targets := lo.Filter(m.contexts, func(c *session.Context, _ int) bool {
		tab := c.TabClient()
		return tab != nil && tab.Actor == actor
	})
	m.contexts = lo.Without(m.contexts, targets...)
	m.mu.Unlock()

	if len(targets) == 0 {
		m.logger.Debug("tab detached with no attached context", "tab", actor)
		return
	}
	for _, target := range targets {
		m.listeners.Dispatch(listener.EventThreadDetached, target, false)
		m.listeners.Dispatch(listener.EventTabDetached, target, false)
		target.Reset()
	}
}

// InitContext restores target from persisted when it holds the tab and thread
// handles from before a reload. Otherwise it attaches target if the manager is
// connected; a saved tab handle without a thread is reused so the attach goes
// straight to the thread.
func (m *Manager) InitContext(ctx context.Context, target *session.Context, persisted *session.PersistedState) error {
	if persisted.Restore(target) {
		m.track(target)
		m.logger.Debug("restored context", "context", target.ID())
		return nil
	}
	if m.State() != StateConnected {
		return nil
	}
	if persisted != nil && persisted.TabClient != nil {
		target.SetTabClient(persisted.TabClient)
	}
	return m.AttachCurrentTab(ctx, target)
}

// DestroyContext saves target's handles into persisted for a later InitContext.
func (m *Manager) DestroyContext(target *session.Context, persisted *session.PersistedState) {
	if persisted != nil {
		persisted.Save(target)
	}
	m.mu.Lock()
	m.contexts = lo.Without(m.contexts, target)
	m.mu.Unlock()
}

func (m *Manager) track(target *session.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackLocked(target)
}

func (m *Manager) trackLocked(target *session.Context) {
	if !lo.Contains(m.contexts, target) {
		m.contexts = append(m.contexts, target)
	}
}

// AttachCurrentTab attaches target to the server's selected tab. A context that
// still holds both handles only gets refresh events.
func (m *Manager) AttachCurrentTab(ctx context.Context, target *session.Context) error {
	if target == nil {
		return errors.New("connection: attach without a context")
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return ErrSequenceInFlight
	}
	if !target.Attached() && m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: attach while %s", ErrInvalidState, state)
	}
	c := m.client
	seq := m.beginLocked(ctx)
	m.mu.Unlock()
	defer m.release(seq)

	return m.attachCurrentTab(seq, c, target)
}

func (m *Manager) attachCurrentTab(seq *sequence, c client.Protocol, target *session.Context) error {
	if target.Attached() {
		m.logger.Debug("refreshing attached context", "context", target.ID())
		m.listeners.Dispatch(listener.EventThreadDetached, target, true)
		m.listeners.Dispatch(listener.EventTabDetached, target, true)
		m.listeners.Dispatch(listener.EventTabAttached, target, true)
		m.listeners.Dispatch(listener.EventThreadAttached, target, true)
		return nil
	}

	if err := context.Cause(seq.ctx); err != nil {
		return err
	}
	tabs, err := c.ListTabs(seq.ctx)
	if err != nil {
		return m.attachFailed(seq, target, StepListTabs, protocol.RootActor, err)
	}
	selected, ok := tabs.SelectedTab()
	if !ok {
		err := fmt.Errorf("no tab at selected index %d of %d", tabs.Selected, len(tabs.Tabs))
		return m.attachFailed(seq, target, StepListTabs, protocol.RootActor, err)
	}
	if err := m.commit(seq, func() { target.SetListTabsResponse(tabs) }); err != nil {
		return err
	}
	return m.attachTab(seq, c, target, selected.Actor())
}

func (m *Manager) attachTab(seq *sequence, c client.Protocol, target *session.Context, tabActor string) error {
	if tab := target.TabClient(); tab != nil {
		if err := m.commit(seq, func() { m.trackLocked(target) }); err != nil {
			return err
		}
		return m.attachThread(seq, c, target, tab.ThreadActor)
	}

	if err := context.Cause(seq.ctx); err != nil {
		return err
	}
	tab, err := c.AttachTab(seq.ctx, tabActor)
	if err == nil && tab == nil {
		err = errNoHandle
	}
	if err != nil {
		return m.attachFailed(seq, target, StepAttachTab, tabActor, err)
	}
	err = m.commit(seq, func() {
		target.SetTabClient(tab)
		m.trackLocked(target)
	})
	if err != nil {
		return err
	}
	m.logger.Info("tab attached", "context", target.ID(), "tab", tab.Actor)
	m.listeners.Dispatch(listener.EventTabAttached, target, false)

	return m.attachThread(seq, c, target, tab.ThreadActor)
}

func (m *Manager) attachThread(seq *sequence, c client.Protocol, target *session.Context, threadActor string) error {
	if err := context.Cause(seq.ctx); err != nil {
		return err
	}
	thread, err := c.AttachThread(seq.ctx, threadActor)
	if err == nil && thread == nil {
		err = errNoHandle
	}
	if err != nil {
		return m.attachFailed(seq, target, StepAttachThread, threadActor, err)
	}
	if err := m.commit(seq, func() { target.SetActiveThread(thread) }); err != nil {
		return err
	}
	m.logger.Info("thread attached", "context", target.ID(), "thread", thread.Actor)
	m.listeners.Dispatch(listener.EventThreadAttached, target, false)

	if err := context.Cause(seq.ctx); err != nil {
		return err
	}
	if err := c.Resume(seq.ctx, thread); err != nil {
		return m.attachFailed(seq, target, StepResume, thread.Actor, err)
	}
	return nil
}

// attachFailed ends the sequence for a refused step. A step that failed because
// the sequence was cancelled is not reported.
func (m *Manager) attachFailed(seq *sequence, target *session.Context, step, actor string, err error) error {
	if cause := context.Cause(seq.ctx); cause != nil {
		return cause
	}
	attachErr := &AttachError{Step: step, Actor: actor, Err: err}
	m.logger.Error("attach failed", "context", target.ID(), "step", step, "actor", actor, "err", err)
	m.listeners.Dispatch(listener.EventAttachFailed, target, attachErr)
	return nil
}

// GetActorID returns field name of the cached tab entry for target's attached tab.
func (m *Manager) GetActorID(target *session.Context, name string) (string, bool) {
	return target.ActorID(name)
}
