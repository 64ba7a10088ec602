// Package queue manages the persisted log of writes awaiting remote
// application, including retry backoff and compaction.
package queue

import (
	"context"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/uuid"
)

// DefaultMaxAttempts is the transient failure budget of an entry.
const DefaultMaxAttempts = 5

// Queue is the sync queue stored in the local cache.
type Queue struct {
	store       db.RecordStore
	repo        db.QueueRepository
	log         *logging.Logger
	now         func() time.Time
	maxAttempts int
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets how many transient failures an entry survives.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithRepository replaces the queue persistence. The store's own
// repository is used by default.
func WithRepository(repo db.QueueRepository) Option {
	return func(q *Queue) {
		if repo != nil {
			q.repo = repo
		}
	}
}

// WithClock overrides the time source used for backoff scheduling.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over store.
func New(store *db.LocalStore, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		repo:        store.Repository(),
		log:         logging.WithComponent("queue"),
		now:         store.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxAttempts returns the configured failure budget.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// AddOperation appends a pending entry and returns its id.
func (q *Queue) AddOperation(ctx context.Context, table, recordID string, op models.Operation, local, remote models.Record) (string, error) {
	if table == "" || recordID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "table and record id are required")
	}
	if !op.Valid() {
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", op)
	}

	entry := &models.SyncQueueEntry{
		ID:         uuid.New(),
		TableName:  table,
		RecordID:   recordID,
		Operation:  op,
		LocalData:  local.Clean(),
		RemoteData: remote,
		Status:     models.StatusPending,
		CreatedAt:  q.now().UTC(),
	}
	if err := q.repo.InsertQueueEntry(ctx, q.repo.DB(), entry); err != nil {
		return "", err
	}

	q.log.Debug("enqueued operation", map[string]interface{}{
		"queue_id": entry.ID, "table": table, "record_id": recordID, "operation": string(op),
	})
	return entry.ID, nil
}

// GetPendingOperations returns pending entries in enqueue order. An empty
// table means every table and limit <= 0 means no limit.
func (q *Queue) GetPendingOperations(ctx context.Context, table string, limit int) ([]*models.SyncQueueEntry, error) {
	return q.repo.ListQueueEntries(ctx, db.QueueFilter{
		Table:    table,
		Statuses: []models.QueueStatus{models.StatusPending},
		Limit:    limit,
	})
}

// Blocking returns the entries that hold back later writes to the same
// record: conflicts awaiting or undergoing resolution and failed entries
// awaiting an operator.
func (q *Queue) Blocking(ctx context.Context, table string) ([]*models.SyncQueueEntry, error) {
	return q.repo.ListQueueEntries(ctx, db.QueueFilter{
		Table:    table,
		Statuses: []models.QueueStatus{models.StatusConflict, models.StatusResolving, models.StatusFailed},
	})
}

// Claim reserves a conflict entry for one resolver. It reports false when
// the entry is no longer in conflict.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	return q.repo.ClaimQueueConflict(ctx, id)
}

// Release hands a claimed entry back to conflict.
func (q *Queue) Release(ctx context.Context, id string) error {
	_, err := q.repo.ReleaseQueueClaims(ctx, id)
	return err
}

// ReleaseAll returns every claimed entry to conflict. Claims only survive a
// process that stopped in the middle of a resolution.
func (q *Queue) ReleaseAll(ctx context.Context) (int64, error) {
	n, err := q.repo.ReleaseQueueClaims(ctx, "")
	if err == nil && n > 0 {
		q.log.Warn("released interrupted conflict resolutions", map[string]interface{}{"count": n})
	}
	return n, err
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id string) (*models.SyncQueueEntry, error) {
	return q.repo.GetQueueEntry(ctx, id)
}

// MarkSynced settles an entry. It reports false when the entry was already
// terminal, so a synced entry never changes again.
func (q *Queue) MarkSynced(ctx context.Context, id string, at time.Time) (bool, error) {
	return q.repo.MarkQueueSynced(ctx, q.repo.DB(), id, at)
}

// MarkConflict parks a pending entry with the remote snapshot attached.
func (q *Queue) MarkConflict(ctx context.Context, id string, remote models.Record) (bool, error) {
	ok, err := q.repo.MarkQueueConflict(ctx, id, remote)
	if err == nil && ok {
		q.log.Info("queue entry in conflict", map[string]interface{}{"queue_id": id})
	}
	return ok, err
}

// MarkFailed records a failed attempt. Transient failures are retried with
// exponential backoff until the attempt budget is spent. Anything else
// fails the entry at once. It returns the resulting status.
func (q *Queue) MarkFailed(ctx context.Context, entry *models.SyncQueueEntry, cause error) (models.QueueStatus, error) {
	attempts := entry.Attempts + 1
	status := models.StatusPending
	var next *time.Time

	if !apperrors.IsRetryable(cause) || attempts >= q.maxAttempts {
		status = models.StatusFailed
	} else {
		at := q.now().UTC().Add(calculateBackoff(attempts))
		next = &at
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := q.repo.RecordQueueFailure(ctx, entry.ID, attempts, msg, next, status)
	if err != nil {
		return entry.Status, err
	}
	if !ok {
		return entry.Status, nil
	}

	fields := map[string]interface{}{
		"queue_id":  entry.ID,
		"table":     entry.TableName,
		"record_id": entry.RecordID,
		"attempts":  attempts,
		"error":     msg,
	}
	if status == models.StatusFailed {
		q.log.Warn("queue entry failed permanently", fields)
	} else {
		fields["next_retry_at"] = models.FormatTime(*next)
		q.log.Info("queue entry scheduled for retry", fields)
	}

	entry.Attempts = attempts
	entry.LastError = msg
	entry.NextRetryAt = next
	entry.Status = status
	return status, nil
}

// calculateBackoff returns 60s * 2^(attempts-1), capped at one hour.
func calculateBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 7 {
		return time.Hour
	}
	backoff := time.Duration(1<<uint(attempts-1)) * time.Minute
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}

// RemoveOperation deletes an entry. Only completed deletes are removed.
func (q *Queue) RemoveOperation(ctx context.Context, id string) error {
	ok, err := q.repo.DeleteQueueEntry(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "queue entry %s not found", id)
	}
	return nil
}

// GetConflicts returns every entry awaiting resolution.
func (q *Queue) GetConflicts(ctx context.Context) ([]*models.SyncQueueEntry, error) {
	return q.repo.ListQueueEntries(ctx, db.QueueFilter{
		Statuses: []models.QueueStatus{models.StatusConflict},
	})
}

// GetFailed returns every entry that exhausted its retries.
func (q *Queue) GetFailed(ctx context.Context) ([]*models.SyncQueueEntry, error) {
	return q.repo.ListQueueEntries(ctx, db.QueueFilter{
		Statuses: []models.QueueStatus{models.StatusFailed},
	})
}

// RetryFailed moves failed entries of table (all tables when empty) back to
// pending with a fresh attempt budget.
func (q *Queue) RetryFailed(ctx context.Context, table string) (int64, error) {
	n, err := q.repo.RequeueFailed(ctx, table)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("requeued failed entries", map[string]interface{}{"count": n, "table": table})
	}
	return n, nil
}

// Counts returns entry totals per status and refreshes the queue gauge.
func (q *Queue) Counts(ctx context.Context) (map[models.QueueStatus]int, error) {
	counts, err := q.repo.CountQueueByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range []models.QueueStatus{
		models.StatusPending, models.StatusSynced, models.StatusConflict,
		models.StatusResolving, models.StatusSuperseded, models.StatusFailed,
	} {
		metrics.QueueEntries.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return counts, nil
}
