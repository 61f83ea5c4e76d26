package listener

import (
	"github.com/onkernel/remote-debugger/lib/rdp/client"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/session"
)

// Funcs adapts plain functions to every capability. Nil fields are no-ops.
// Register it by pointer.
type Funcs struct {
	Connect        func(c client.Protocol)
	Disconnect     func(c client.Protocol)
	TabNavigated   func(p protocol.Packet)
	TabDetached    func(ctx *session.Context, refresh bool)
	ThreadDetached func(ctx *session.Context, refresh bool)
	TabAttached    func(ctx *session.Context, refresh bool)
	ThreadAttached func(ctx *session.Context, refresh bool)
	AttachFailed   func(ctx *session.Context, err error)
}

var (
	_ ConnectListener        = (*Funcs)(nil)
	_ DisconnectListener     = (*Funcs)(nil)
	_ TabNavigatedListener   = (*Funcs)(nil)
	_ TabDetachedListener    = (*Funcs)(nil)
	_ ThreadDetachedListener = (*Funcs)(nil)
	_ TabAttachedListener    = (*Funcs)(nil)
	_ ThreadAttachedListener = (*Funcs)(nil)
	_ AttachFailedListener   = (*Funcs)(nil)
)

func (f *Funcs) OnConnect(c client.Protocol) {
	if f.Connect != nil {
		f.Connect(c)
	}
}

func (f *Funcs) OnDisconnect(c client.Protocol) {
	if f.Disconnect != nil {
		f.Disconnect(c)
	}
}

func (f *Funcs) OnTabNavigated(p protocol.Packet) {
	if f.TabNavigated != nil {
		f.TabNavigated(p)
	}
}

func (f *Funcs) OnTabDetached(ctx *session.Context, refresh bool) {
	if f.TabDetached != nil {
		f.TabDetached(ctx, refresh)
	}
}

func (f *Funcs) OnThreadDetached(ctx *session.Context, refresh bool) {
	if f.ThreadDetached != nil {
		f.ThreadDetached(ctx, refresh)
	}
}

func (f *Funcs) OnTabAttached(ctx *session.Context, refresh bool) {
	if f.TabAttached != nil {
		f.TabAttached(ctx, refresh)
	}
}

func (f *Funcs) OnThreadAttached(ctx *session.Context, refresh bool) {
	if f.ThreadAttached != nil {
		f.ThreadAttached(ctx, refresh)
	}
}

func (f *Funcs) OnAttachFailed(ctx *session.Context, err error) {
	if f.AttachFailed != nil {
		f.AttachFailed(ctx, err)
	}
}
