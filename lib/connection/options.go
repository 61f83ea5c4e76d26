package connection

import (
	"context"
	"log/slog"

	"github.com/onkernel/remote-debugger/lib/rdp/client"
	"github.com/onkernel/remote-debugger/lib/rdp/server"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
)

// Dialer opens the transport to a remote debug server.
type Dialer func(ctx context.Context, remoteURL string, config transport.DialConfig) (transport.Transport, error)

// ClientFactory binds a protocol client to a transport.
type ClientFactory func(t transport.Transport, log *slog.Logger) client.Protocol

// ServerFactory builds the in-process server used in embedded mode. The manager
// registers the built-in actors on it.
type ServerFactory func(log *slog.Logger) *server.Server

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = log
	}
}

// WithDialer replaces transport.Dial for remote mode.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) {
		m.newClient = f
	}
}

// WithServerFactory lets the caller seed the embedded server, e.g. with tabs.
func WithServerFactory(f ServerFactory) Option {
	return func(m *Manager) {
		m.newServer = f
	}
}

func defaultDialer(ctx context.Context, remoteURL string, config transport.DialConfig) (transport.Transport, error) {
	return transport.Dial(ctx, remoteURL, config)
}

func defaultClientFactory(t transport.Transport, log *slog.Logger) client.Protocol {
	return client.New(t, log)
}
