package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/remote-debugger/cmd/api/api"
	"github.com/onkernel/remote-debugger/cmd/config"
	"github.com/onkernel/remote-debugger/lib/connection"
	"github.com/onkernel/remote-debugger/lib/logger"
	"github.com/onkernel/remote-debugger/lib/rdp/transport"
)

func main() {
	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.SlogLevel()}))
	slogger.Info("server configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dial := transport.DefaultDialConfig()
	dial.Attempts = config.DialAttempts
	dial.Delay = config.DialDelay
	manager := connection.New(connection.Config{
		Remote:       config.Remote,
		RemoteHost:   config.RemoteHost,
		RemotePort:   config.RemotePort,
		RemoteScheme: config.RemoteScheme,
		TracePackets: config.TracePackets,
		Dial:         dial,
	}, connection.WithLogger(slogger))
	apiService := api.New(manager, slogger)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)
	apiService.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// attach on startup; a failure leaves the manager disconnected and POST /connect retries
	go func() {
		if err := apiService.ConnectCurrent(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slogger.Warn("initial connect failed", "err", err)
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		return apiService.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}
