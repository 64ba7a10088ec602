package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/conflict"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/queue"
)

// PassStatus is the overall outcome of a sync call.
type PassStatus string

const (
	PassCompleted PassStatus = "completed"
	PassBusy      PassStatus = "busy"
	PassFailed    PassStatus = "failed"
)

// SyncResult sums the table results of one pass.
type SyncResult struct {
	Status     PassStatus     `json:"status"`
	Synced     int            `json:"synced"`
	Failed     int            `json:"failed"`
	Conflicts  int            `json:"conflicts"`
	Resolved   int            `json:"resolved"`
	Superseded int            `json:"superseded"`
	Skipped    int            `json:"skipped"`
	Errors     []string       `json:"errors,omitempty"`
	Tables     []*TableResult `json:"tables,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Duration   time.Duration  `json:"duration"`
}

func (r *SyncResult) add(t *TableResult) {
	r.Synced += t.Synced
	r.Failed += t.Failed
	r.Conflicts += t.Conflicts
	r.Resolved += t.Resolved
	r.Superseded += t.Superseded
	r.Skipped += t.Skipped
	r.Errors = append(r.Errors, t.Errors...)
	r.Tables = append(r.Tables, t)
}

// Status is a point-in-time view for status displays.
type Status struct {
	IsSyncing     bool        `json:"is_syncing"`
	PendingCount  int         `json:"pending_count"`
	ConflictCount int         `json:"conflict_count"`
	FailedCount   int         `json:"failed_count"`
	LastSyncAt    *time.Time  `json:"last_sync_at,omitempty"`
	LastResult    *SyncResult `json:"last_result,omitempty"`
}

// Config tunes a Manager.
type Config struct {
	// BatchLimit caps the entries read per table and pass. 0 means all.
	BatchLimit int
	// TableConcurrency is how many tables sync at once. 1 is sequential.
	TableConcurrency int
	// CompactQueue supersedes redundant entries before each table pass.
	CompactQueue bool
	// RemoteTimeout bounds every remote call.
	RemoteTimeout time.Duration
	// Tables limits SyncAll to these tables. Empty means every table.
	Tables []string
}

// Manager owns the sync pass: the busy guard, compaction, per-table
// batches and automatic resolution.
type Manager struct {
	store    *db.LocalStore
	queue    *queue.Queue
	batch    *BatchSynchronizer
	resolver *conflict.Resolver
	cfg      Config
	log      *logging.Logger

	syncing atomic.Bool

	mu         stdsync.RWMutex
	lastSyncAt *time.Time
	lastResult *SyncResult
	handler    EventHandler
}

var _ Engine = (*Manager)(nil)

// NewManager wires a Manager over the local store and the remote store.
func NewManager(store *db.LocalStore, q *queue.Queue, rs remote.Store, detector *conflict.Detector, resolver *conflict.Resolver, cfg Config) *Manager {
	if cfg.TableConcurrency < 1 {
		cfg.TableConcurrency = 1
	}
	m := &Manager{
		store:    store,
		queue:    q,
		batch:    NewBatchSynchronizer(store, q, rs, detector, cfg.BatchLimit, cfg.RemoteTimeout),
		resolver: resolver,
		cfg:      cfg,
		log:      logging.WithComponent("sync"),
	}
	resolver.OnResolved(func(audit *models.ConflictAuditEntry) {
		m.emit(Event{Type: EventConflictResolved, Table: audit.TableName, Audit: audit})
	})
	return m
}

// SetEventHandler sets the handler for sync notifications.
func (m *Manager) SetEventHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// SyncAll runs one pass over every table holding pending entries. With
// force, failed entries are requeued and retry backoff is ignored.
func (m *Manager) SyncAll(ctx context.Context, force bool) (*SyncResult, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return busy(), nil
	}
	defer m.syncing.Store(false)

	return m.pass(ctx, "", force)
}

// SyncTable runs one pass over table.
func (m *Manager) SyncTable(ctx context.Context, table string, force bool) (*SyncResult, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return busy(), nil
	}
	defer m.syncing.Store(false)

	if !remote.ValidTable(table) {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown table %q", table)
	}
	return m.pass(ctx, table, force)
}

// GetSyncStatus never blocks on a running pass.
func (m *Manager) GetSyncStatus(ctx context.Context) (*Status, error) {
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Status{
		IsSyncing:     m.syncing.Load(),
		PendingCount:  counts[models.StatusPending],
		ConflictCount: counts[models.StatusConflict] + counts[models.StatusResolving],
		FailedCount:   counts[models.StatusFailed],
		LastSyncAt:    m.lastSyncAt,
		LastResult:    m.lastResult,
	}, nil
}

// IsSyncing reports whether a pass is running.
func (m *Manager) IsSyncing() bool {
	return m.syncing.Load()
}

func busy() *SyncResult {
	return &SyncResult{Status: PassBusy}
}

// pass syncs table, or every table with pending work when table is empty.
func (m *Manager) pass(ctx context.Context, table string, force bool) (*SyncResult, error) {
	result := &SyncResult{Status: PassCompleted, StartTime: m.store.Now()}
	m.emit(Event{Type: EventSyncStarted, Table: table})

	tables, err := m.prepare(ctx, table, force)
	if err == nil {
		err = m.run(ctx, tables, force, result)
	}

	result.EndTime = m.store.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	metrics.SyncPassDurationSeconds.Observe(result.Duration.Seconds())

	if err != nil {
		result.Status = PassFailed
		result.Errors = append(result.Errors, err.Error())
		metrics.SyncPassesTotal.WithLabelValues(string(PassFailed)).Inc()
		m.log.Error("sync pass failed", err, map[string]interface{}{"table": table})
		m.record(result, false)
		m.emit(Event{Type: EventSyncFailed, Table: table, Result: result, Error: err.Error()})
		return result, err
	}

	metrics.SyncPassesTotal.WithLabelValues(string(PassCompleted)).Inc()
	m.log.Info("sync pass completed", map[string]interface{}{
		"table":       table,
		"synced":      result.Synced,
		"failed":      result.Failed,
		"conflicts":   result.Conflicts,
		"resolved":    result.Resolved,
		"superseded":  result.Superseded,
		"duration_ms": result.Duration.Milliseconds(),
	})
	m.record(result, true)
	m.emit(Event{Type: EventSyncCompleted, Table: table, Result: result})

	// Refresh the queue gauges.
	if _, err := m.queue.Counts(ctx); err != nil {
		m.log.Warn("queue counts unavailable", map[string]interface{}{"error": err.Error()})
	}
	return result, nil
}

// prepare requeues failed entries when forced and lists the tables to sync.
func (m *Manager) prepare(ctx context.Context, table string, force bool) ([]string, error) {
	if force {
		if _, err := m.queue.RetryFailed(ctx, table); err != nil {
			return nil, err
		}
	}
	if table != "" {
		return []string{table}, nil
	}

	pending, err := m.queue.GetPendingOperations(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	if len(m.cfg.Tables) > 0 {
		allowed := make(map[string]bool, len(m.cfg.Tables))
		for _, t := range m.cfg.Tables {
			allowed[t] = true
		}
		for _, e := range pending {
			if !allowed[e.TableName] {
				seen[e.TableName] = true
			}
		}
	}
	var tables []string
	for _, e := range pending {
		if !seen[e.TableName] {
			seen[e.TableName] = true
			tables = append(tables, e.TableName)
		}
	}
	return tables, nil
}

// run syncs tables with at most TableConcurrency at once. Each table is
// handled by exactly one goroutine.
func (m *Manager) run(ctx context.Context, tables []string, force bool, result *SyncResult) error {
	results := make([]*TableResult, len(tables))

	var g errgroup.Group
	g.SetLimit(m.cfg.TableConcurrency)
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			r, err := m.syncTable(ctx, table, force)
			results[i] = r
			return err
		})
	}
	err := g.Wait()

	for _, r := range results {
		if r != nil {
			result.add(r)
		}
	}
	return err
}

func (m *Manager) syncTable(ctx context.Context, table string, force bool) (*TableResult, error) {
	superseded := 0
	if m.cfg.CompactQueue {
		n, err := m.queue.Compact(ctx, table)
		if err != nil {
			return &TableResult{Table: table}, err
		}
		superseded = n
	}

	r, err := m.batch.SyncTable(ctx, table, force)
	r.Superseded += superseded
	if err != nil {
		return r, err
	}

	for _, c := range r.Detected {
		m.emit(Event{Type: EventConflictDetected, Table: table, Conflict: c})
	}
	if m.resolver.Strategy() != conflict.ResolutionStrategyLastWriteWins {
		return r, nil
	}
	for _, c := range r.Detected {
		if _, err := m.resolver.AutoResolveConflict(ctx, c); err != nil {
			m.log.Warn("automatic resolution skipped", map[string]interface{}{
				"queue_id":  c.QueueID,
				"table":     c.TableName,
				"record_id": c.RecordID,
				"error":     err.Error(),
			})
			r.Errors = append(r.Errors, err.Error())
			continue
		}
		r.Resolved++
	}
	return r, nil
}

func (m *Manager) record(result *SyncResult, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastResult = result
	if ok {
		at := result.EndTime
		m.lastSyncAt = &at
	}
}

func (m *Manager) emit(e Event) {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = m.store.Now()
	}
	handler(e)
}
