// Package trace logs every packet crossing a transport without changing what is
// delivered or in which order.
package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/onkernel/remote-debugger/lib/logger"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
)

// Transport decorates another transport with packet logging.
type Transport struct {
	inner  transport.Transport
	logger *slog.Logger

	mu   sync.Mutex
	next transport.Hooks
}

// Wrap returns a tracing view of t. Use Unwrap to get the original back.
func Wrap(t transport.Transport, log *slog.Logger) *Transport {
	return &Transport{inner: t, logger: logger.OrDiscard(log)}
}

// Unwrap stops tracing and returns the transport being traced. Hooks installed
// through the wrapper are handed to the inner transport directly, so inbound
// packets are no longer logged.
func (t *Transport) Unwrap() transport.Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next != nil {
		t.inner.SetHooks(t.next)
	}
	return t.inner
}

// SetHooks installs h behind a hook that logs inbound packets first.
func (t *Transport) SetHooks(h transport.Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = h
	t.inner.SetHooks(&hooks{next: h, logger: t.logger})
}

func (t *Transport) Start(ctx context.Context) error {
	return t.inner.Start(ctx)
}

func (t *Transport) Send(ctx context.Context, p protocol.Packet) error {
	logPacket(t.logger, "->", p)
	return t.inner.Send(ctx, p)
}

func (t *Transport) State() transport.ConnectionState {
	return t.inner.State()
}

func (t *Transport) Close() error {
	return t.inner.Close()
}

type hooks struct {
	next   transport.Hooks
	logger *slog.Logger
}

func (h *hooks) OnPacket(p protocol.Packet) {
	// newGlobal fires for every frame and worker; too noisy to trace.
	if p.Type() != protocol.TypeNewGlobal {
		logPacket(h.logger, "<-", p)
	}
	h.next.OnPacket(p)
}

func (h *hooks) OnClosed(err error) {
	if err != nil {
		h.logger.Info("rdp", slog.String("dir", "<-"), slog.String("event", "closed"), slog.String("err", err.Error()))
	} else {
		h.logger.Info("rdp", slog.String("dir", "<-"), slog.String("event", "closed"))
	}
	h.next.OnClosed(err)
}

func logPacket(logger *slog.Logger, direction string, p protocol.Packet) {
	attrs := []any{slog.String("dir", direction)}
	if to := p.To(); to != "" {
		attrs = append(attrs, slog.String("to", to))
	}
	if from := p.From(); from != "" {
		attrs = append(attrs, slog.String("from", from))
	}
	if typ := p.Type(); typ != "" {
		attrs = append(attrs, slog.String("type", typ))
	}
	if code := p.String(protocol.FieldError); code != "" {
		attrs = append(attrs, slog.String("error", code))
	}
	if raw, err := json.Marshal(p); err == nil {
		attrs = append(attrs, slog.Int("raw_length", len(raw)))
	}
	logger.Info("rdp", attrs...)
}

var _ transport.Transport = (*Transport)(nil)
