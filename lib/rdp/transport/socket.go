package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
)

// Socket carries length-prefixed JSON packets over a stream connection.
type Socket struct {
	conn         net.Conn
	enc          *protocol.Encoder
	dec          *protocol.Decoder
	writeTimeout time.Duration

	slot    hookSlot
	state   atomic.Int32
	writeMu sync.Mutex

	startOnce sync.Once
	started   atomic.Bool
	closing   atomic.Bool
}

// NewSocket wraps an established connection.
func NewSocket(conn net.Conn, writeTimeout time.Duration) *Socket {
	s := &Socket{
		conn:         conn,
		enc:          protocol.NewEncoder(conn),
		dec:          protocol.NewDecoder(conn),
		writeTimeout: writeTimeout,
	}
	s.state.Store(int32(StateConnected))
	return s
}

// DialSocket connects to addr, retrying with a fixed delay.
func DialSocket(ctx context.Context, addr string, config DialConfig) (*Socket, error) {
	config = config.withDefaults()

	var conn net.Conn
	dialer := net.Dialer{Timeout: config.DialTimeout}
	err := retry.New(
		retry.Attempts(config.Attempts),
		retry.Delay(config.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewSocket(conn, config.WriteTimeout), nil
}

func (s *Socket) SetHooks(h Hooks) {
	s.slot.set(h)
}

func (s *Socket) Start(ctx context.Context) error {
	if s.closing.Load() {
		return ErrClosed
	}
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.readLoop()
	})
	return nil
}

func (s *Socket) readLoop() {
	for {
		pkt, err := s.dec.Decode()
		if err != nil {
			s.state.Store(int32(StateClosed))
			if s.closing.Load() || errors.Is(err, io.EOF) {
				s.slot.closed(nil)
			} else {
				s.slot.closed(err)
			}
			_ = s.conn.Close()
			return
		}
		s.slot.get().OnPacket(pkt)
	}
}

func (s *Socket) Send(ctx context.Context, pkt protocol.Packet) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.enc.Encode(pkt); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s *Socket) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

func (s *Socket) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.state.Store(int32(StateClosed))
	err := s.conn.Close()
	if !s.started.Load() {
		s.slot.closed(nil)
	}
	return err
}
