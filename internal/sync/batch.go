package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/conflict"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/queue"
)

// TableResult is the outcome of one pass over a table.
type TableResult struct {
	Table      string   `json:"table"`
	Synced     int      `json:"synced"`
	Failed     int      `json:"failed"`
	Conflicts  int      `json:"conflicts"`
	Resolved   int      `json:"resolved"`
	Superseded int      `json:"superseded"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`

	// Detected holds the conflicts found in this pass.
	Detected []*conflict.Conflict `json:"-"`
}

func (r *TableResult) fail(e *models.SyncQueueEntry, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s %s/%s: %v", e.Operation, e.TableName, e.RecordID, err))
}

// BatchSynchronizer replays the pending queue entries of one table against
// the remote store.
type BatchSynchronizer struct {
	store    *db.LocalStore
	queue    *queue.Queue
	remote   remote.Store
	detector *conflict.Detector
	limit    int
	timeout  time.Duration
	log      *logging.Logger
}

// NewBatchSynchronizer creates a synchronizer. limit caps the entries read
// per table and pass (0 means all). timeout bounds every remote call.
func NewBatchSynchronizer(store *db.LocalStore, q *queue.Queue, rs remote.Store, detector *conflict.Detector, limit int, timeout time.Duration) *BatchSynchronizer {
	return &BatchSynchronizer{
		store:    store,
		queue:    q,
		remote:   rs,
		detector: detector,
		limit:    limit,
		timeout:  timeout,
		log:      logging.WithComponent("sync"),
	}
}

// outcome of a single entry.
type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeConflict
)

func (o outcome) String() string {
	switch o {
	case outcomeSynced:
		return "synced"
	case outcomeConflict:
		return "conflict"
	default:
		return "failed"
	}
}

// SyncTable runs one pass over table. Creates go first, then updates, then
// deletes, each group in queue order. A record is skipped when an earlier
// entry for it has not been applied in this pass, so per-record order is
// kept across the groups. With force, retry backoff is ignored.
//
// The returned error reports a local store failure that stopped the pass;
// the result is valid either way.
func (b *BatchSynchronizer) SyncTable(ctx context.Context, table string, force bool) (*TableResult, error) {
	result := &TableResult{Table: table}

	entries, err := b.queue.GetPendingOperations(ctx, table, b.limit)
	if err != nil {
		return result, err
	}
	if len(entries) == 0 {
		return result, nil
	}

	blockers, err := b.queue.Blocking(ctx, table)
	if err != nil {
		return result, err
	}
	blocked := make(map[string]bool, len(blockers))
	for _, e := range blockers {
		blocked[e.Key()] = true
	}

	// Position of every entry per record, in queue order.
	byKey := make(map[string][]int)
	for i, e := range entries {
		byKey[e.Key()] = append(byKey[e.Key()], i)
	}

	now := b.store.Now()
	done := make([]bool, len(entries))
	visited := make([]bool, len(entries))

	waiting := func(i int) bool {
		e := entries[i]
		if blocked[e.Key()] {
			return true
		}
		for _, j := range byKey[e.Key()] {
			if j < i && !done[j] {
				return true
			}
		}
		return !force && !e.Ready(now)
	}

	for _, op := range []models.Operation{models.OpCreate, models.OpUpdate, models.OpDelete} {
		for i, e := range entries {
			if e.Operation != op {
				continue
			}
			visited[i] = true
			if waiting(i) {
				result.Skipped++
				metrics.SyncOpsTotal.WithLabelValues(table, string(e.Operation), "skipped").Inc()
				continue
			}

			o, err := b.apply(ctx, e, result, last(byKey[e.Key()]) == i)
			if err != nil {
				// The local store is unusable; nothing after this point can be
				// recorded, so the rest of the pass counts as failed.
				result.fail(e, err)
				for j := range entries {
					if !visited[j] {
						visited[j] = true
						result.fail(entries[j], apperrors.Wrap(apperrors.ErrLocalStore, "pass aborted", err))
					}
				}
				b.log.Error("sync pass aborted", err, map[string]interface{}{"table": table})
				return result, err
			}
			metrics.SyncOpsTotal.WithLabelValues(table, string(e.Operation), o.String()).Inc()
			if o == outcomeSynced {
				done[i] = true
			}
		}
	}

	b.log.Info("table synced", map[string]interface{}{
		"table":     table,
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"skipped":   result.Skipped,
	})
	return result, nil
}

// apply sends one entry. Remote failures are recorded on the entry and in
// result; only local store failures are returned.
func (b *BatchSynchronizer) apply(ctx context.Context, e *models.SyncQueueEntry, result *TableResult, lastForRecord bool) (outcome, error) {
	var err error
	switch e.Operation {
	case models.OpCreate:
		err = b.create(ctx, e)
	case models.OpUpdate:
		var c *conflict.Conflict
		c, err = b.update(ctx, e)
		if err == nil && c != nil {
			if _, err := b.queue.MarkConflict(ctx, e.ID, c.RemoteData); err != nil {
				return outcomeFailed, err
			}
			result.Conflicts++
			result.Detected = append(result.Detected, c)
			return outcomeConflict, nil
		}
	case models.OpDelete:
		err = b.delete(ctx, e)
		if err == nil {
			if err := b.queue.RemoveOperation(ctx, e.ID); err != nil && !apperrors.IsNotFound(err) {
				return outcomeFailed, err
			}
			result.Synced++
			return outcomeSynced, nil
		}
	default:
		err = apperrors.Newf(apperrors.ErrPermanent, "unknown operation %q", e.Operation)
	}

	if err != nil {
		if _, ferr := b.queue.MarkFailed(ctx, e, err); ferr != nil {
			return outcomeFailed, ferr
		}
		result.fail(e, err)
		return outcomeFailed, nil
	}

	if err := b.settle(ctx, e, lastForRecord); err != nil {
		return outcomeFailed, err
	}
	result.Synced++
	return outcomeSynced, nil
}

func (b *BatchSynchronizer) create(ctx context.Context, e *models.SyncQueueEntry) error {
	row, err := snapshot(e)
	if err != nil {
		return err
	}

	rctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err = b.remote.Insert(rctx, e.TableName, row)
	if !apperrors.IsDuplicate(err) {
		return err
	}

	// A replayed create is already applied when the remote holds the record.
	if _, gerr := b.remote.Get(rctx, e.TableName, e.RecordID); gerr != nil {
		if apperrors.IsNotFound(gerr) {
			return err
		}
		return gerr
	}
	b.log.Debug("create already applied", map[string]interface{}{
		"queue_id": e.ID, "table": e.TableName, "record_id": e.RecordID,
	})
	return nil
}

// update returns a conflict when the remote copy moved past the snapshot.
func (b *BatchSynchronizer) update(ctx context.Context, e *models.SyncQueueEntry) (*conflict.Conflict, error) {
	row, err := snapshot(e)
	if err != nil {
		return nil, err
	}

	rctx, cancel := b.withTimeout(ctx)
	defer cancel()

	c, remoteRow, err := b.detector.Detect(rctx, e)
	if err != nil || c != nil {
		return c, err
	}
	if remoteRow == nil {
		_, err = b.remote.Insert(rctx, e.TableName, row)
		return nil, err
	}
	_, err = b.remote.Update(rctx, e.TableName, e.RecordID, row)
	return nil, err
}

func (b *BatchSynchronizer) delete(ctx context.Context, e *models.SyncQueueEntry) error {
	rctx, cancel := b.withTimeout(ctx)
	defer cancel()

	err := b.remote.Delete(rctx, e.TableName, e.RecordID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	return err
}

// settle marks the entry synced, and the local row too when no later write
// to the record is still queued.
func (b *BatchSynchronizer) settle(ctx context.Context, e *models.SyncQueueEntry, markRow bool) error {
	return b.store.WithTx(ctx, func(tx *db.Tx) error {
		if markRow {
			if err := tx.MarkSynced(e.TableName, e.RecordID); err != nil {
				return err
			}
		}
		_, err := tx.MarkEntrySynced(e.ID, b.store.Now())
		return err
	})
}

func (b *BatchSynchronizer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

func snapshot(e *models.SyncQueueEntry) (models.Record, error) {
	if len(e.LocalData) == 0 {
		return nil, apperrors.Newf(apperrors.ErrPermanent, "%s entry %s has no local snapshot", e.Operation, e.ID)
	}
	row := e.LocalData.Clean()
	row[models.ColID] = e.RecordID
	return row, nil
}

func last(xs []int) int {
	return xs[len(xs)-1]
}
