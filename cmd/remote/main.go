// Package main runs the remote table API that clinic workstations sync
// against, backed by PostgreSQL or SQLite through GORM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/config"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote/server"
)

func main() {
	if err := run(); err != nil {
		logging.Error("remote server stopped", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Configure(logging.Output(cfg.LogFile), logging.ParseLevel(cfg.LogLevel))
	metrics.MustRegister("clinic-remote")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, closeStore, err := newHandler(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := &http.Server{
		Addr:              cfg.RemoteListen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("remote server listening", map[string]interface{}{
			"addr":   cfg.RemoteListen,
			"driver": cfg.RemoteDBDriver,
		})
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

	logging.Info("shutting down remote server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHandler opens and migrates the server database and builds the API.
func newHandler(ctx context.Context, cfg config.Config) (http.Handler, func() error, error) {
	if cfg.RemoteDBDriver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.RemoteDBDSN), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	gdb, err := remote.OpenGorm(remote.GormConfig{
		Driver: cfg.RemoteDBDriver,
		DSN:    cfg.RemoteDBDSN,
		LogSQL: logging.ParseLevel(cfg.LogLevel) == logging.LevelDebug,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, nil, err
	}

	store := remote.NewGormStore(gdb)
	if err := store.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return server.NewRouter(store, server.Options{
		APIKey:    cfg.RemoteAPIKey,
		RateLimit: cfg.RemoteRateLimit,
	}), sqlDB.Close, nil
}
