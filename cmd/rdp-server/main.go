package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/remote-debugger/cmd/config"
	"github.com/onkernel/remote-debugger/lib/rdp/server"
)

func main() {
	config, err := config.LoadServer()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(slogger)
	for _, url := range config.Tabs {
		srv.AddTab(url, url)
	}
	srv.RegisterBuiltinActors()

	ln, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		slogger.Error("failed to listen", "addr", config.ListenAddr, "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slogger.Info("debug server listening", "addr", ln.Addr().String())
		return srv.ServeListener(gctx, ln)
	})

	if config.WebSocketAddr != "" {
		r := chi.NewRouter()
		r.Use(chiMiddleware.Recoverer)
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Handle("/", srv.WebSocketHandler())
		hs := &http.Server{Addr: config.WebSocketAddr, Handler: r}

		g.Go(func() error {
			slogger.Info("websocket server starting", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return hs.Shutdown(context.Background())
		})
	}

	<-gctx.Done()
	slogger.Info("shutting down")
	if err := errors.Join(srv.Close(), g.Wait()); err != nil {
		slogger.Error("debug server failed", "err", err)
		os.Exit(1)
	}
}
