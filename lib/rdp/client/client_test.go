package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer answers requests with a per-actor responder and records what it saw.
type scriptedServer struct {
	t       transport.Transport
	respond func(p protocol.Packet) []protocol.Packet

	mu   sync.Mutex
	seen []protocol.Packet
}

func (s *scriptedServer) OnPacket(p protocol.Packet) {
	s.mu.Lock()
	s.seen = append(s.seen, p)
	s.mu.Unlock()
	for _, out := range s.respond(p) {
		_ = s.t.Send(context.Background(), out)
	}
}

func (s *scriptedServer) OnClosed(error) {}

func (s *scriptedServer) requests() []protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Packet(nil), s.seen...)
}

func newScripted(t *testing.T, respond func(p protocol.Packet) []protocol.Packet) (*Client, *scriptedServer) {
	t.Helper()
	serverEnd, clientEnd := transport.NewPipe()
	srv := &scriptedServer{t: serverEnd, respond: respond}
	serverEnd.SetHooks(srv)
	require.NoError(t, serverEnd.Start(t.Context()))
	require.NoError(t, serverEnd.Send(t.Context(), protocol.Packet{protocol.FieldFrom: protocol.RootActor, "applicationType": "browser"}))

	c := New(clientEnd, nil)
	hello, err := c.Connect(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "browser", hello.ApplicationType)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, srv
}

func TestListTabs(t *testing.T) {
	c, srv := newScripted(t, func(p protocol.Packet) []protocol.Packet {
		return []protocol.Packet{{
			protocol.FieldFrom: protocol.RootActor,
			"tabs":             []any{map[string]any{"actor": "tab1"}},
			"selected":         0,
		}}
	})

	tabs, err := c.ListTabs(t.Context())
	require.NoError(t, err)
	require.Len(t, tabs.Tabs, 1)
	assert.Equal(t, "tab1", tabs.Tabs[0].Actor())

	reqs := srv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.RootActor, reqs[0].To())
	assert.Equal(t, protocol.TypeListTabs, reqs[0].Type())
}

func TestRepliesMatchedPerActorInOrder(t *testing.T) {
	var mu sync.Mutex
	held := map[string][]protocol.Packet{}
	c, srv := newScripted(t, func(p protocol.Packet) []protocol.Packet {
		mu.Lock()
		defer mu.Unlock()
		// hold tab1 replies until the tab2 request arrives, then release everything
		reply := protocol.Packet{protocol.FieldFrom: p.To(), protocol.FieldType: protocol.TypeTabAttached, "threadActor": "thread-" + p.String("n")}
		held[p.To()] = append(held[p.To()], reply)
		if p.To() != "tab2" {
			return nil
		}
		out := append(held["tab2"], held["tab1"]...)
		held = map[string][]protocol.Packet{}
		return out
	})

	type result struct {
		thread string
		err    error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		p, err := c.Request(t.Context(), protocol.NewRequest("tab1", protocol.TypeAttach).With("n", "a"))
		first <- result{thread: p.String("threadActor"), err: err}
	}()
	require.Eventually(t, func() bool { return len(srv.requests()) == 1 }, time.Second, 5*time.Millisecond)
	go func() {
		p, err := c.Request(t.Context(), protocol.NewRequest("tab1", protocol.TypeAttach).With("n", "b"))
		second <- result{thread: p.String("threadActor"), err: err}
	}()
	require.Eventually(t, func() bool { return len(srv.requests()) == 2 }, time.Second, 5*time.Millisecond)

	tab2, err := c.AttachTab(t.Context(), "tab2")
	require.NoError(t, err)
	assert.Equal(t, "thread-", tab2.ThreadActor)

	r1 := <-first
	require.NoError(t, r1.err)
	assert.Equal(t, "thread-a", r1.thread)
	r2 := <-second
	require.NoError(t, r2.err)
	assert.Equal(t, "thread-b", r2.thread)
}

func TestErrorReply(t *testing.T) {
	c, _ := newScripted(t, func(p protocol.Packet) []protocol.Packet {
		return []protocol.Packet{{protocol.FieldFrom: p.To(), protocol.FieldError: protocol.ErrorNoSuchActor, "message": "gone"}}
	})

	_, err := c.AttachThread(t.Context(), "thread9")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "thread9", perr.From)
	assert.Equal(t, protocol.ErrorNoSuchActor, perr.Code)
}

func TestUnexpectedAttachReply(t *testing.T) {
	c, _ := newScripted(t, func(p protocol.Packet) []protocol.Packet {
		return []protocol.Packet{{protocol.FieldFrom: p.To(), protocol.FieldType: "something"}}
	})

	_, err := c.AttachTab(t.Context(), "tab1")
	require.Error(t, err)
	_, err = c.AttachThread(t.Context(), "thread1")
	require.Error(t, err)
}

func TestNotificationsReachSubscribersInOrder(t *testing.T) {
	c, srv := newScripted(t, func(p protocol.Packet) []protocol.Packet {
		return []protocol.Packet{
			{protocol.FieldFrom: p.To(), protocol.FieldType: protocol.TypeTabNavigated, "url": "a"},
			{protocol.FieldFrom: p.To(), protocol.FieldType: protocol.TypeTabNavigated, "url": "b"},
			{protocol.FieldFrom: p.To(), protocol.FieldType: protocol.TypeTabAttached, "threadActor": "thread1"},
		}
	})

	var mu sync.Mutex
	var urls []string
	unsubscribe := c.Subscribe(protocol.TypeTabNavigated, func(p protocol.Packet) {
		mu.Lock()
		defer mu.Unlock()
		urls = append(urls, p.String("url"))
	})

	// the notifications interleave with the reply but are not taken as the reply
	tab, err := c.AttachTab(t.Context(), "tab1")
	require.NoError(t, err)
	assert.Equal(t, "thread1", tab.ThreadActor)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(urls) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, urls)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	_ = srv.t.Send(t.Context(), protocol.Packet{protocol.FieldFrom: "tab1", protocol.FieldType: protocol.TypeTabNavigated, "url": "c"})
	// a later subscriber observes the packet, the removed one does not
	seen := make(chan struct{})
	var once sync.Once
	c.Subscribe(protocol.TypeTabNavigated, func(protocol.Packet) { once.Do(func() { close(seen) }) })
	_ = srv.t.Send(t.Context(), protocol.Packet{protocol.FieldFrom: "tab1", protocol.FieldType: protocol.TypeTabNavigated, "url": "d"})
	<-seen
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, urls)
	mu.Unlock()
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	c, srv := newScripted(t, func(p protocol.Packet) []protocol.Packet { return nil })

	got := make(chan struct{})
	c.Subscribe(protocol.TypeTabDetached, func(protocol.Packet) { panic("boom") })
	c.Subscribe(protocol.TypeTabDetached, func(protocol.Packet) { close(got) })

	require.NoError(t, srv.t.Send(t.Context(), protocol.Packet{protocol.FieldFrom: "tab1", protocol.FieldType: protocol.TypeTabDetached}))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber not called")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	c, srv := newScripted(t, func(p protocol.Packet) []protocol.Packet { return nil })

	closed := make(chan protocol.Packet, 1)
	c.Subscribe(EventClosed, func(p protocol.Packet) { closed <- p })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ListTabs(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(srv.requests()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.t.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("closed event not emitted")
	}

	_, err := c.ListTabs(t.Context())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestRequestHonoursContext(t *testing.T) {
	c, _ := newScripted(t, func(p protocol.Packet) []protocol.Packet { return nil })

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ListTabs(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestNeedsDestination(t *testing.T) {
	c, _ := newScripted(t, func(p protocol.Packet) []protocol.Packet { return nil })
	_, err := c.Request(t.Context(), protocol.Packet{protocol.FieldType: protocol.TypeAttach})
	require.Error(t, err)
}

func TestCloseBeforeConnect(t *testing.T) {
	_, clientEnd := transport.NewPipe()
	c := New(clientEnd, nil)
	require.NoError(t, c.Close(t.Context()))
	select {
	case <-c.Done():
	default:
		t.Fatal("client not marked done")
	}
}
