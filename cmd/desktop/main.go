// Package main runs the desktop local API: sync status and control, conflict
// resolution, the clients module and a websocket feed of sync events.
// The clinic UI talks to it on localhost.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cowebsLB/dental-clinic-software-system/cmd/desktop/handlers"
	"github.com/cowebsLB/dental-clinic-software-system/internal/app"
	"github.com/cowebsLB/dental-clinic-software-system/internal/config"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		logging.Error("desktop server stopped", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Configure(logging.Output(cfg.LogFile), logging.ParseLevel(cfg.LogLevel))
	metrics.MustRegister("clinic-desktop")

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()
	a.Manager.SetEventHandler(hub.HandleSyncEvent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.DesktopListen,
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("desktop server listening", map[string]interface{}{"addr": cfg.DesktopListen})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("shutting down desktop server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(a *app.App, hub *WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metrics.WithMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*", "app://*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id", handlers.UserHeader},
		MaxAge:         300,
	}))

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		online := "false"
		if a.Monitor.Online() {
			online = "true"
		}
		_, _ = w.Write([]byte(`{"status":"ok","service":"clinic-desktop","online":` + online + `}`))
	})

	r.Route("/api/sync", handlers.NewSyncHandler(a.Manager, a.Scheduler, a.Queue, a.Resolver, a.Audit).Routes)
	r.Route("/api/clients", handlers.NewClientsHandler(a.Clients).Routes)
	r.Get("/ws", HandleWebSocket(hub))
	r.Handle("/metrics", promhttp.Handler())
	return r
}
