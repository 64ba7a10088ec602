package conflict

import (
	"context"
	"reflect"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/queue"
	"github.com/cowebsLB/dental-clinic-software-system/internal/uuid"
)

// ResolutionStrategy defines how conflicts found during a pass are settled.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
)

// AuditLogger records every resolution.
type AuditLogger interface {
	LogConflict(ctx context.Context, entry *models.ConflictAuditEntry) error
}

// Resolver applies resolutions to queue entries in conflict.
type Resolver struct {
	store    *db.LocalStore
	queue    *queue.Queue
	remote   remote.Store
	audit    AuditLogger
	strategy ResolutionStrategy
	log      *logging.Logger
	now      func() time.Time

	onResolved func(*models.ConflictAuditEntry)
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(store *db.LocalStore, q *queue.Queue, rs remote.Store, audit AuditLogger, strategy ResolutionStrategy) *Resolver {
	if strategy != ResolutionStrategyLastWriteWins {
		strategy = ResolutionStrategyManual
	}
	return &Resolver{
		store:    store,
		queue:    q,
		remote:   rs,
		audit:    audit,
		strategy: strategy,
		log:      logging.WithComponent("conflict"),
		now:      store.Now,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// OnResolved registers fn to receive every audit entry written.
func (r *Resolver) OnResolved(fn func(*models.ConflictAuditEntry)) {
	r.onResolved = fn
}

// ResolveConflict settles the conflict held by queue entry queueID.
//
//   - local pushes the local snapshot to the remote.
//   - remote overwrites the local row with the remote record.
//   - merge pushes merged to the remote and overwrites the local row with it.
//
// The entry is claimed before the remote is touched, so concurrent calls for
// one entry resolve it once. Writes queued for the record after the conflict
// are rebased onto the resolved row and stay pending. resolvedBy is empty
// for automatic resolutions. On error the entry stays in conflict.
func (r *Resolver) ResolveConflict(ctx context.Context, queueID string, resolution models.Resolution, merged models.Record, resolvedBy string) (_ *models.ConflictAuditEntry, err error) {
	if !resolution.Valid() {
		return nil, apperrors.Newf(apperrors.ErrResolution, "unknown resolution %q", resolution)
	}
	if resolution == models.ResolutionMerge && len(merged) == 0 {
		return nil, apperrors.New(apperrors.ErrResolution, "merge requires merged data")
	}

	entry, err := r.queue.Get(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.StatusConflict {
		return nil, apperrors.Newf(apperrors.ErrResolution, "queue entry %s is %s, not in conflict", queueID, entry.Status)
	}
	claimed, err := r.queue.Claim(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperrors.Newf(apperrors.ErrResolution, "queue entry %s is already being resolved", queueID)
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := r.queue.Release(context.WithoutCancel(ctx), queueID); rerr != nil {
			r.log.Error("failed to release queue entry", rerr, map[string]interface{}{"queue_id": queueID})
		}
	}()

	audit := &models.ConflictAuditEntry{
		ID:           uuid.New(),
		TableName:    entry.TableName,
		RecordID:     entry.RecordID,
		ConflictType: conflictType(entry),
		LocalData:    entry.LocalData,
		RemoteData:   entry.RemoteData,
		Resolution:   resolution,
		ResolvedBy:   resolvedBy,
	}

	switch resolution {
	case models.ResolutionLocal:
		err = r.resolveLocal(ctx, entry)
	case models.ResolutionRemote:
		err = r.resolveRemote(ctx, entry, audit)
	case models.ResolutionMerge:
		err = r.resolveMerge(ctx, entry, merged)
	}
	if err != nil {
		r.log.Error("conflict resolution failed", err, map[string]interface{}{
			"queue_id": queueID, "resolution": string(resolution),
		})
		return nil, err
	}
	if err := r.audit.LogConflict(ctx, audit); err != nil {
		// The resolution is committed; only the history entry is missing.
		r.log.Error("failed to record conflict resolution", err, map[string]interface{}{
			"queue_id": queueID, "resolution": string(resolution),
		})
	}

	mode := "manual"
	if audit.Automatic() {
		mode = "auto"
	}
	metrics.ConflictsResolvedTotal.WithLabelValues(string(resolution), mode).Inc()
	r.log.Info("conflict resolved", map[string]interface{}{
		"queue_id":    queueID,
		"table":       entry.TableName,
		"record_id":   entry.RecordID,
		"resolution":  string(resolution),
		"resolved_by": resolvedBy,
	})
	if r.onResolved != nil {
		r.onResolved(audit)
	}
	return audit, nil
}

// AutoResolveConflict applies last-write-wins to c and returns the chosen
// resolution. Conflicts without comparable timestamps are left for a person.
func (r *Resolver) AutoResolveConflict(ctx context.Context, c *Conflict) (models.Resolution, error) {
	if c == nil {
		return "", apperrors.New(apperrors.ErrResolution, "no conflict to resolve")
	}
	if !c.Comparable() {
		return "", apperrors.Newf(apperrors.ErrResolution, "%s/%s has no comparable timestamps", c.TableName, c.RecordID)
	}
	resolution := ChooseLastWriteWins(c)
	if _, err := r.ResolveConflict(ctx, c.QueueID, resolution, nil, ""); err != nil {
		return "", err
	}
	return resolution, nil
}

// ChooseLastWriteWins picks remote iff the remote edit is strictly newer.
func ChooseLastWriteWins(c *Conflict) models.Resolution {
	if c.RemoteUpdated.After(c.LocalUpdated) {
		return models.ResolutionRemote
	}
	return models.ResolutionLocal
}

func (r *Resolver) resolveLocal(ctx context.Context, entry *models.SyncQueueEntry) error {
	if entry.LocalData == nil {
		return apperrors.Newf(apperrors.ErrResolution, "queue entry %s has no local snapshot", entry.ID)
	}
	pushed, err := r.push(ctx, entry, entry.LocalData)
	if err != nil {
		return err
	}
	return r.settle(ctx, entry, entry.LocalData.Merge(pushed), false)
}

func (r *Resolver) resolveRemote(ctx context.Context, entry *models.SyncQueueEntry, audit *models.ConflictAuditEntry) error {
	row, err := r.remote.Get(ctx, entry.TableName, entry.RecordID)
	if apperrors.IsNotFound(err) {
		return apperrors.Wrap(apperrors.ErrResolution, "remote record no longer exists", err)
	}
	if err != nil {
		return err
	}
	if audit.RemoteData == nil {
		audit.RemoteData = row
	}
	return r.settle(ctx, entry, row, true)
}

func (r *Resolver) resolveMerge(ctx context.Context, entry *models.SyncQueueEntry, merged models.Record) error {
	row := merged.Clean()
	row[models.ColID] = entry.RecordID
	row[models.ColUpdatedAt] = models.FormatTime(r.now())

	pushed, err := r.push(ctx, entry, row)
	if err != nil {
		return err
	}
	return r.settle(ctx, entry, row.Merge(pushed), true)
}

// settle commits a resolution locally. The claimed entry becomes synced and
// the pending writes queued after it are rebased onto resolved. With
// overwrite the local row takes the resolved value, plus any rebased edits.
// The row is only marked synced when nothing is left to push for it.
func (r *Resolver) settle(ctx context.Context, entry *models.SyncQueueEntry, resolved models.Record, overwrite bool) error {
	return r.store.WithTx(ctx, func(tx *db.Tx) error {
		changed, err := tx.MarkEntrySynced(entry.ID, r.now())
		if err != nil {
			return err
		}
		if !changed {
			return apperrors.Newf(apperrors.ErrResolution, "queue entry %s changed while it was being resolved", entry.ID)
		}

		later, err := tx.QueueEntries(db.QueueFilter{
			Table:    entry.TableName,
			RecordID: entry.RecordID,
			Statuses: []models.QueueStatus{models.StatusPending},
		})
		if err != nil {
			return err
		}

		row := resolved.Clean()
		row[models.ColID] = entry.RecordID
		prev := entry.LocalData
		rebased := 0
		for _, e := range later {
			if e.Operation != models.OpUpdate {
				break
			}
			row = rebase(row, prev, e.LocalData)
			if err := tx.ReplaceSnapshot(e.ID, row); err != nil {
				return err
			}
			prev = e.LocalData
			rebased++
		}

		switch {
		case len(later) == 0:
			if !overwrite {
				return tx.MarkSynced(entry.TableName, entry.RecordID)
			}
			_, err := tx.Insert(entry.TableName, row, false)
			return err
		case rebased < len(later):
			// A queued delete or recreate owns the local row.
			return nil
		default:
			r.log.Info("rebased queued writes onto resolution", map[string]interface{}{
				"queue_id": entry.ID, "table": entry.TableName, "record_id": entry.RecordID, "rebased": rebased,
			})
			if overwrite {
				if _, err := tx.Insert(entry.TableName, row, false); err != nil {
					return err
				}
			}
			return tx.MarkPending(entry.TableName, entry.RecordID)
		}
	})
}

// rebase applies the fields next changed relative to prev on top of base.
// The result carries the later of the two updated_at values, so the rebased
// write does not conflict with the resolution it sits on.
func rebase(base, prev, next models.Record) models.Record {
	out := base.Clone()
	for k, v := range next.Clean() {
		if k == models.ColID || k == models.ColCreatedAt || k == models.ColUpdatedAt {
			continue
		}
		if old, ok := prev[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		out[k] = v
	}
	bt, bok := base.UpdatedAt()
	nt, nok := next.UpdatedAt()
	if nok && (!bok || nt.After(bt)) {
		out[models.ColUpdatedAt] = next[models.ColUpdatedAt]
	}
	return out
}

// push writes row to the remote, recreating it when the remote copy is gone.
func (r *Resolver) push(ctx context.Context, entry *models.SyncQueueEntry, row models.Record) (models.Record, error) {
	out, err := r.remote.Update(ctx, entry.TableName, entry.RecordID, row.Clean())
	if apperrors.IsNotFound(err) {
		return r.remote.Insert(ctx, entry.TableName, row.Clean())
	}
	return out, err
}

// conflictType classifies a stored conflict from its snapshots.
func conflictType(entry *models.SyncQueueEntry) string {
	if c := Compare(entry.LocalData, entry.RemoteData, PolicyFailClosed); c != nil {
		return c.Type
	}
	return models.ConflictTimestamp
}
