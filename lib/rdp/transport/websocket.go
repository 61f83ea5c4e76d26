package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
)

const wsReadLimit = protocol.MaxPacketSize

// WebSocket carries one JSON packet per text message.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	slot    hookSlot
	state   atomic.Int32
	writeMu sync.Mutex

	startOnce sync.Once
	started   atomic.Bool
	closing   atomic.Bool
}

// NewWebSocket wraps an accepted or dialed websocket connection.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration) *WebSocket {
	conn.SetReadLimit(wsReadLimit)
	ctx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		conn:         conn,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	w.state.Store(int32(StateConnected))
	return w
}

// DialWebSocket connects to a ws:// or wss:// debugger endpoint.
func DialWebSocket(ctx context.Context, wsURL string, config DialConfig) (*WebSocket, error) {
	config = config.withDefaults()

	var conn *websocket.Conn
	err := retry.New(
		retry.Attempts(config.Attempts),
		retry.Delay(config.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
		defer cancel()
		c, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return NewWebSocket(conn, config.WriteTimeout), nil
}

func (w *WebSocket) SetHooks(h Hooks) {
	w.slot.set(h)
}

func (w *WebSocket) Start(ctx context.Context) error {
	if w.closing.Load() {
		return ErrClosed
	}
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.readLoop()
	})
	return nil
}

func (w *WebSocket) readLoop() {
	for {
		var pkt protocol.Packet
		if err := wsjson.Read(w.ctx, w.conn, &pkt); err != nil {
			w.state.Store(int32(StateClosed))
			if w.closing.Load() || isNormalClose(err) {
				w.slot.closed(nil)
			} else {
				w.slot.closed(err)
			}
			return
		}
		w.slot.get().OnPacket(pkt)
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

func (w *WebSocket) Send(ctx context.Context, pkt protocol.Packet) error {
	if w.State() != StateConnected {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, w.conn, pkt); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (w *WebSocket) State() ConnectionState {
	return ConnectionState(w.state.Load())
}

func (w *WebSocket) Close() error {
	if !w.closing.CompareAndSwap(false, true) {
		return nil
	}
	w.state.Store(int32(StateClosed))
	err := w.conn.Close(websocket.StatusNormalClosure, "")
	w.cancel()
	if !w.started.Load() {
		w.slot.closed(nil)
	}
	return err
}
