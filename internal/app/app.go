// Package app wires the sync client from a Config: local cache, remote
// client, queue, conflict handling, the sync manager and its scheduler.
package app

import (
	"context"

	"github.com/cowebsLB/dental-clinic-software-system/internal/backup"
	"github.com/cowebsLB/dental-clinic-software-system/internal/clinic"
	"github.com/cowebsLB/dental-clinic-software-system/internal/config"
	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/network"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	syncpkg "github.com/cowebsLB/dental-clinic-software-system/internal/sync"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/audit"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/conflict"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/queue"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/scheduler"
)

// App holds every component of a running sync client.
type App struct {
	Config    config.Config
	DB        *db.DB
	Store     *db.LocalStore
	Remote    remote.Store
	Queue     *queue.Queue
	Detector  *conflict.Detector
	Audit     *audit.Log
	Resolver  *conflict.Resolver
	Manager   *syncpkg.Manager
	Monitor   *network.Monitor
	Scheduler *scheduler.Scheduler
	Clients   *clinic.Clients
	Backups   *backup.Manager

	log *logging.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	remote remote.Store
	store  []db.StoreOption
}

// WithRemote replaces the HTTP client built from REMOTE_URL.
func WithRemote(rs remote.Store) Option {
	return func(o *options) { o.remote = rs }
}

// WithStoreOptions passes options to the local store.
func WithStoreOptions(opts ...db.StoreOption) Option {
	return func(o *options) { o.store = append(o.store, opts...) }
}

// New opens the local cache, applies migrations and wires the components.
// Nothing runs in the background until Start.
func New(cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rs := o.remote
	if rs == nil {
		if cfg.RemoteURL == "" {
			return nil, apperrors.New(apperrors.ErrNotConfigured, "REMOTE_URL is required")
		}
		rs = remote.NewClient(cfg.RemoteURL, cfg.RemoteAPIKey, cfg.RemoteTimeout)
	}

	database, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}

	uploader, err := BackupUploader(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	store := db.NewLocalStore(database, o.store...)
	q := queue.New(store, queue.WithMaxAttempts(cfg.MaxAttempts), queue.WithClock(store.Now))
	detector := conflict.NewDetector(rs, conflict.TimestampPolicy(cfg.TimestampPolicy))
	al := audit.New(rs, store)
	resolver := conflict.NewResolver(store, q, rs, al, conflict.ResolutionStrategy(cfg.ConflictStrategy))

	manager := syncpkg.NewManager(store, q, rs, detector, resolver, syncpkg.Config{
		BatchLimit:       cfg.BatchLimit,
		TableConcurrency: cfg.TableConcurrency,
		CompactQueue:     cfg.CompactQueue,
		RemoteTimeout:    cfg.RemoteTimeout,
		Tables:           cfg.Tables,
	})
	sched := scheduler.NewScheduler(manager, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.SyncInterval,
		QueueInterval: cfg.QueueInterval,
	})
	monitor := network.NewMonitor(rs, cfg.NetworkCheckInterval)
	monitor.OnChange(sched.SetOnlineStatus)

	return &App{
		Config:    cfg,
		DB:        database,
		Store:     store,
		Remote:    rs,
		Queue:     q,
		Detector:  detector,
		Audit:     al,
		Resolver:  resolver,
		Manager:   manager,
		Monitor:   monitor,
		Scheduler: sched,
		Clients:   clinic.NewClients(store, rs, monitor, detector),
		Backups:   backup.NewManager(database, cfg.BackupDir, cfg.BackupRetention, uploader),
		log:       logging.WithComponent("app"),
	}, nil
}

// OpenDB opens the local cache at cfg.LocalCachePath and migrates it.
func OpenDB(cfg config.Config) (*db.DB, error) {
	database, err := db.OpenMigrated(cfg.LocalCachePath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to open local cache", err)
	}
	return database, nil
}

// BackupUploader returns the off-site uploader, or nil when no bucket is
// configured.
func BackupUploader(cfg config.Config) (backup.Uploader, error) {
	if !cfg.BackupUploadEnabled() {
		return nil, nil
	}
	up, err := backup.NewS3Uploader(backup.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return up, nil
}

// Start returns conflicts claimed by an interrupted resolution to the
// conflict list, then runs the scheduler and the connectivity monitor. Both
// stop when ctx is cancelled or Close is called.
func (a *App) Start(ctx context.Context) {
	if _, err := a.Queue.ReleaseAll(ctx); err != nil {
		a.log.Error("failed to release interrupted resolutions", err)
	}
	a.Scheduler.Start(ctx)
	a.Monitor.Start(ctx)
	a.log.Info("sync client started", map[string]interface{}{
		"remote":   a.Config.RemoteURL,
		"strategy": string(a.Resolver.Strategy()),
		"policy":   string(a.Detector.Policy()),
	})
}

// Close stops the background loops and closes the local cache.
func (a *App) Close() error {
	a.Monitor.Stop()
	a.Scheduler.Stop()
	serr := a.Store.Close()
	if err := a.DB.Close(); err != nil {
		return err
	}
	return serr
}
