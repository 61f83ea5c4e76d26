package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
)

// Pipe is one end of an in-process transport. Packets sent on one end are
// delivered, in order, to the hooks of the other end.
type Pipe struct {
	peer  *Pipe
	slot  hookSlot
	state atomic.Int32

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []protocol.Packet
	closed  bool
	started bool
}

// NewPipe returns two connected ends.
func NewPipe() (*Pipe, *Pipe) {
	a, b := newPipeEnd(), newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd() *Pipe {
	p := &Pipe{}
	p.cond = sync.NewCond(&p.mu)
	p.state.Store(int32(StateConnected))
	return p
}

func (p *Pipe) SetHooks(h Hooks) {
	p.slot.set(h)
}

func (p *Pipe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.started {
		p.started = true
		go p.deliverLoop()
	}
	return nil
}

// Send copies the packet through its JSON form so the two ends never share maps.
func (p *Pipe) Send(ctx context.Context, pkt protocol.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.peer.enqueue(copied)
}

func (p *Pipe) enqueue(pkt protocol.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, pkt)
	p.cond.Signal()
	return nil
}

func (p *Pipe) deliverLoop() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			p.slot.closed(nil)
			return
		}
		pkt := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.slot.get().OnPacket(pkt)
	}
}

func (p *Pipe) State() ConnectionState {
	return ConnectionState(p.state.Load())
}

// Close closes both ends. Packets already queued are still delivered before OnClosed.
func (p *Pipe) Close() error {
	p.shutdown()
	p.peer.shutdown()
	return nil
}

func (p *Pipe) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.state.Store(int32(StateClosed))
	p.cond.Broadcast()
	p.mu.Unlock()

	if !started {
		p.slot.closed(nil)
	}
}
