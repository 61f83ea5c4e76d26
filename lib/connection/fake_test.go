package connection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/onkernel/remote-debugger/lib/listener"
	"github.com/onkernel/remote-debugger/lib/rdp/client"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
	"github.com/onkernel/remote-debugger/lib/session"
)

// journal is a shared, ordered record of protocol calls and listener events.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) record(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.calls)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = nil
}

func (j *journal) contains(call string) bool {
	return slices.Contains(j.snapshot(), call)
}

// fakeClient answers the attach sequence from memory and records every call.
type fakeClient struct {
	j *journal

	mu           sync.Mutex
	connectErr   error
	tabs         *protocol.ListTabsResponse
	attachTab    func(ctx context.Context, actor string) (*client.TabClient, error)
	attachThread func(ctx context.Context, actor string) (*client.ThreadClient, error)
	subs         map[string][]*client.EventHandler
	done         chan struct{}
	closeOnce    sync.Once
}

var _ client.Protocol = (*fakeClient)(nil)

func newFakeClient(j *journal) *fakeClient {
	return &fakeClient{
		j: j,
		tabs: &protocol.ListTabsResponse{
			From: protocol.RootActor,
			Tabs: []protocol.Tab{
				{"actor": "tab1", "consoleActor": "console1"},
				{"actor": "tab2", "consoleActor": "console2"},
			},
		},
		subs: make(map[string][]*client.EventHandler),
		done: make(chan struct{}),
	}
}

func (f *fakeClient) setAttachTab(fn func(ctx context.Context, actor string) (*client.TabClient, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachTab = fn
}

func (f *fakeClient) setAttachThread(fn func(ctx context.Context, actor string) (*client.ThreadClient, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachThread = fn
}

func (f *fakeClient) Connect(ctx context.Context) (*protocol.Hello, error) {
	f.j.record("connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &protocol.Hello{From: protocol.RootActor, ApplicationType: "browser"}, nil
}

func (f *fakeClient) Close(context.Context) error {
	f.j.record("close")
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func (f *fakeClient) Subscribe(event string, fn client.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fn
	f.subs[event] = append(f.subs[event], h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[event] = slices.DeleteFunc(f.subs[event], func(s *client.EventHandler) bool { return s == h })
	}
}

// emit delivers p to the subscribers of event, as the client's event loop would.
func (f *fakeClient) emit(event string, p protocol.Packet) {
	f.mu.Lock()
	subs := slices.Clone(f.subs[event])
	f.mu.Unlock()
	for _, h := range subs {
		(*h)(p)
	}
}

func (f *fakeClient) subscribers(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[event])
}

func (f *fakeClient) ListTabs(context.Context) (*protocol.ListTabsResponse, error) {
	f.j.record("listTabs")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tabs, nil
}

func (f *fakeClient) AttachTab(ctx context.Context, actor string) (*client.TabClient, error) {
	f.j.record("attachTab:%s", actor)
	f.mu.Lock()
	fn := f.attachTab
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, actor)
	}
	return &client.TabClient{Actor: actor, ThreadActor: "thread" + strings.TrimPrefix(actor, "tab")}, nil
}

func (f *fakeClient) AttachThread(ctx context.Context, actor string) (*client.ThreadClient, error) {
	f.j.record("attachThread:%s", actor)
	f.mu.Lock()
	fn := f.attachThread
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, actor)
	}
	return &client.ThreadClient{Actor: actor}, nil
}

func (f *fakeClient) Resume(_ context.Context, thread *client.ThreadClient) error {
	f.j.record("resume:%s", thread.Actor)
	return nil
}

// recorder is a listener that writes every event into a journal.
func recorder(j *journal) *listener.Funcs {
	return &listener.Funcs{
		Connect:        func(client.Protocol) { j.record("onConnect") },
		Disconnect:     func(client.Protocol) { j.record("onDisconnect") },
		TabNavigated:   func(p protocol.Packet) { j.record("onTabNavigated:%s", p.String("url")) },
		TabDetached:    func(_ *session.Context, refresh bool) { j.record("onTabDetached:%t", refresh) },
		ThreadDetached: func(_ *session.Context, refresh bool) { j.record("onThreadDetached:%t", refresh) },
		TabAttached:    func(_ *session.Context, refresh bool) { j.record("onTabAttached:%t", refresh) },
		ThreadAttached: func(_ *session.Context, refresh bool) { j.record("onThreadAttached:%t", refresh) },
		AttachFailed:   func(_ *session.Context, err error) { j.record("onAttachFailed") },
	}
}

// newFakeManager returns an embedded-mode manager whose protocol client is fc,
// with a recorder listener registered.
func newFakeManager(t *testing.T, fc *fakeClient, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithClientFactory(func(transport.Transport, *slog.Logger) client.Protocol { return fc }),
	}, opts...)
	m := New(Config{}, opts...)
	m.AddListener(recorder(fc.j))
	t.Cleanup(func() {
		if m.State() != StateDisconnected {
			_ = m.Disconnect(context.Background())
		}
	})
	return m
}
