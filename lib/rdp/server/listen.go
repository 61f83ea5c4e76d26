package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
)

// ServeListener accepts socket connections until ctx is done or ln fails.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.logger.Info("debugger client connected", "remote", nc.RemoteAddr().String())
		if err := s.Serve(ctx, transport.NewSocket(nc, sendTimeout)); err != nil {
			s.logger.Error("failed to serve debugger client", "remote", nc.RemoteAddr().String(), "err", err)
			_ = nc.Close()
		}
	}
}

// WebSocketHandler upgrades requests and serves one connection per websocket.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:  []string{"*"},
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			s.logger.Error("websocket accept failed", "err", err)
			return
		}

		t := transport.NewWebSocket(wc, sendTimeout)
		c, err := s.serve(context.WithoutCancel(r.Context()), t)
		if err != nil {
			s.logger.Error("failed to serve websocket client", "err", err)
			_ = t.Close()
			return
		}
		<-c.done
	})
}
