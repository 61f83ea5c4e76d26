package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("transport closed")
)

// ConnectionState represents the connection status
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hooks receives everything a transport reads. OnPacket is called in arrival order
// from a single goroutine; OnClosed is called once, after the last OnPacket.
type Hooks interface {
	OnPacket(p protocol.Packet)
	OnClosed(err error)
}

// Transport is a bidirectional packet channel between a debugger client and server.
type Transport interface {
	// SetHooks installs the receiver of inbound packets. It must be called before Start.
	SetHooks(h Hooks)

	// Start begins delivering inbound packets to the hooks.
	Start(ctx context.Context) error

	// Send writes one packet to the other side.
	Send(ctx context.Context, p protocol.Packet) error

	// State returns the current connection state
	State() ConnectionState

	// Close closes the transport
	Close() error
}

// DialConfig controls how remote transports are established.
type DialConfig struct {
	Attempts     uint
	Delay        time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultDialConfig returns the defaults used when no config is given.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		Attempts:     5,
		Delay:        250 * time.Millisecond,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (c DialConfig) withDefaults() DialConfig {
	def := DefaultDialConfig()
	if c.Attempts == 0 {
		c.Attempts = def.Attempts
	}
	if c.Delay <= 0 {
		c.Delay = def.Delay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Dial opens a remote transport based on the URL scheme.
func Dial(ctx context.Context, remoteURL string, config DialConfig) (Transport, error) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "tcp":
		return DialSocket(ctx, u.Host, config)
	case "ws", "wss":
		return DialWebSocket(ctx, remoteURL, config)
	default:
		return nil, fmt.Errorf("unsupported scheme: %s (use tcp://, ws://, or wss://)", u.Scheme)
	}
}

type noopHooks struct{}

func (noopHooks) OnPacket(protocol.Packet) {}
func (noopHooks) OnClosed(error)           {}

// hookSlot holds the installed hooks and guarantees OnClosed fires once.
type hookSlot struct {
	mu        sync.RWMutex
	hooks     Hooks
	closeOnce sync.Once
}

func (s *hookSlot) set(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

func (s *hookSlot) get() Hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hooks == nil {
		return noopHooks{}
	}
	return s.hooks
}

func (s *hookSlot) closed(err error) {
	s.closeOnce.Do(func() {
		s.get().OnClosed(err)
	})
}

// Compile-time interface checks
var (
	_ Transport = (*Pipe)(nil)
	_ Transport = (*Socket)(nil)
	_ Transport = (*WebSocket)(nil)
)
