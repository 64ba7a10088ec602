// Package scheduler runs sync passes in the background: on a fixed period,
// whenever queued work exists, and when connectivity returns.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	syncpkg "github.com/cowebsLB/dental-clinic-software-system/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.Engine
	syncInterval  time.Duration
	queueInterval time.Duration
	syncTimeout   time.Duration
	log           *logging.Logger

	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	baseCtx      context.Context
	isRunning    bool
	isOnline     bool
	lastSyncTime time.Time
	lastResult   *syncpkg.SyncResult
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // periodic pass while online (default: 30 seconds)
	QueueInterval time.Duration // pending work check (default: 1 minute)
	SyncTimeout   time.Duration // upper bound of one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  30 * time.Second,
		QueueInterval: 1 * time.Minute,
		SyncTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. It assumes offline until told
// otherwise, so nothing is sent before the first reachability check.
func NewScheduler(engine syncpkg.Engine, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		engine:        engine,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		syncTimeout:   config.SyncTimeout,
		log:           logging.WithComponent("scheduler"),
		baseCtx:       context.Background(),
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.queueInterval <= 0 {
		s.queueInterval = defaults.QueueInterval
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = defaults.SyncTimeout
	}
	return s
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.baseCtx = ctx
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.queueProcessorLoop(ctx)

	s.log.Info("background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop stops the loops and waits for them, including a pass in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("background sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity. Coming back online starts a pass
// so writes queued while offline go out at once.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	ctx := s.baseCtx
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	s.log.Info("online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline && running {
		s.TriggerSync(ctx)
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx, false)
		}
	}
}

// queueProcessorLoop syncs between periodic passes when work is waiting.
func (s *Scheduler) queueProcessorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.processQueue(ctx)
		}
	}
}

func (s *Scheduler) processQueue(ctx context.Context) {
	if !s.IsOnline() {
		return
	}
	status, err := s.engine.GetSyncStatus(ctx)
	if err != nil {
		s.log.Error("failed to read sync status", err)
		return
	}
	if status.IsSyncing || status.PendingCount == 0 {
		return
	}
	s.log.Debug("processing pending queue entries", map[string]interface{}{"count": status.PendingCount})
	s.runSync(ctx, false)
}

// runSync executes one pass and records its result.
func (s *Scheduler) runSync(ctx context.Context, force bool) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.SyncAll(syncCtx, force)
	if err != nil {
		s.log.ErrorWithCode("sync pass failed", string(errors.KindOf(err)), err, map[string]interface{}{
			"interval_seconds": s.syncInterval.Seconds(),
		})
		return result, err
	}
	if result.Status == syncpkg.PassBusy {
		s.log.Debug("sync already in progress, skipping", nil)
		return result, errors.New(errors.ErrSyncBusy, "sync already in progress")
	}

	s.mu.Lock()
	s.lastSyncTime = result.EndTime
	s.lastResult = result
	s.mu.Unlock()
	return result, nil
}

// TriggerSync starts a pass in the background. It returns false when
// offline, stopped, or a pass is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsOnline() {
		return false
	}
	status, err := s.engine.GetSyncStatus(ctx)
	if err != nil || status.IsSyncing {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx, false)
	}()
	return true
}

// SyncNow runs a pass and waits for it. An ErrSyncBusy error means another
// pass was running.
func (s *Scheduler) SyncNow(ctx context.Context, force bool) (*syncpkg.SyncResult, error) {
	return s.runSync(ctx, force)
}

// SchedulerStatus is the current state of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	SyncInProgress bool                `json:"sync_in_progress"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
	PendingItems   int                 `json:"pending_items"`
	ConflictItems  int                 `json:"conflict_items"`
	FailedItems    int                 `json:"failed_items"`
}

// GetStatus returns the scheduler state merged with the queue totals.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	engineStatus, err := s.engine.GetSyncStatus(ctx)
	if err != nil {
		return SchedulerStatus{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: engineStatus.IsSyncing,
		LastResult:     s.lastResult,
		PendingItems:   engineStatus.PendingCount,
		ConflictItems:  engineStatus.ConflictCount,
		FailedItems:    engineStatus.FailedCount,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
