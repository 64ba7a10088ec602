// Package audit keeps the append-only history of conflict resolutions. The
// remote conflict_audit table is the primary sink; the local cache holds
// entries the remote could not take yet.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/uuid"
)

// Log writes and reads conflict audit entries.
type Log struct {
	remote remote.Store
	store  *db.LocalStore
	log    *logging.Logger
	now    func() time.Time
}

// New creates a Log writing to rs with store as fallback.
func New(rs remote.Store, store *db.LocalStore) *Log {
	return &Log{
		remote: rs,
		store:  store,
		log:    logging.WithComponent("audit"),
		now:    store.Now,
	}
}

// LogConflict appends entry. When the remote sink refuses it, the entry is
// inserted locally as pending so the next sync pass delivers it. An error
// means neither sink accepted it.
func (l *Log) LogConflict(ctx context.Context, entry *models.ConflictAuditEntry) error {
	if !entry.Resolution.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid resolution %q", entry.Resolution)
	}
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	now := l.now().UTC()
	if entry.ResolvedAt.IsZero() {
		entry.ResolvedAt = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	row := toRecord(entry)

	_, err := l.remote.Insert(ctx, models.ConflictAuditTable, row)
	if err == nil || apperrors.IsDuplicate(err) {
		l.log.Debug("audit entry written", map[string]interface{}{"audit_id": entry.ID})
		return nil
	}

	l.log.Warn("remote audit sink unavailable, queueing locally", map[string]interface{}{
		"audit_id": entry.ID,
		"error":    err.Error(),
	})
	if _, ferr := l.store.Insert(ctx, models.ConflictAuditTable, row, true); ferr != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to record conflict audit entry", ferr)
	}
	metrics.AuditFallbackTotal.Inc()
	return nil
}

// GetConflictHistory returns entries for table (every table when empty),
// newest first. Remote and local entries are merged by id. When the remote
// cannot be read, only local entries are returned. limit <= 0 means no limit.
func (l *Log) GetConflictHistory(ctx context.Context, table string, limit int) ([]*models.ConflictAuditEntry, error) {
	var eq map[string]any
	if table != "" {
		eq = map[string]any{"table_name": table}
	}

	byID := make(map[string]*models.ConflictAuditEntry)

	remoteRows, err := l.remote.Select(ctx, models.ConflictAuditTable, remote.Query{
		Eq:      eq,
		OrderBy: models.ColCreatedAt,
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		l.log.Warn("remote audit history unavailable, using local entries", map[string]interface{}{
			"error": err.Error(),
		})
	}
	for _, r := range remoteRows {
		e := fromRecord(r)
		byID[e.ID] = e
	}

	localRows, err := l.store.Query(ctx, models.ConflictAuditTable, db.Filter{
		Eq:      eq,
		OrderBy: models.ColCreatedAt,
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	for _, r := range localRows {
		e := fromRecord(r)
		if _, ok := byID[e.ID]; !ok {
			byID[e.ID] = e
		}
	}

	out := make([]*models.ConflictAuditEntry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func toRecord(e *models.ConflictAuditEntry) models.Record {
	r := models.Record{
		models.ColID:        e.ID,
		"table_name":        e.TableName,
		"record_id":         e.RecordID,
		"conflict_type":     e.ConflictType,
		"resolution":        string(e.Resolution),
		"resolved_at":       models.FormatTime(e.ResolvedAt),
		models.ColCreatedAt: models.FormatTime(e.CreatedAt),
		models.ColUpdatedAt: models.FormatTime(e.CreatedAt),
	}
	if e.LocalData != nil {
		r["local_data"] = e.LocalData.Clean()
	}
	if e.RemoteData != nil {
		r["remote_data"] = e.RemoteData.Clean()
	}
	if e.ResolvedBy != "" {
		r["resolved_by"] = e.ResolvedBy
	}
	return r
}

func fromRecord(r models.Record) *models.ConflictAuditEntry {
	e := &models.ConflictAuditEntry{
		ID:           r.ID(),
		TableName:    r.String("table_name"),
		RecordID:     r.String("record_id"),
		ConflictType: r.String("conflict_type"),
		LocalData:    snapshot(r["local_data"]),
		RemoteData:   snapshot(r["remote_data"]),
		Resolution:   models.Resolution(r.String("resolution")),
		ResolvedBy:   r.String("resolved_by"),
	}
	e.ResolvedAt, _ = models.ParseTime(r.String("resolved_at"))
	e.CreatedAt, _ = models.ParseTime(r.String(models.ColCreatedAt))
	return e
}

// snapshot decodes a stored snapshot, which may arrive as JSON text or as an
// already decoded object.
func snapshot(v any) models.Record {
	switch x := v.(type) {
	case models.Record:
		return x
	case map[string]any:
		return models.Record(x)
	case string:
		if x == "" {
			return nil
		}
		var out models.Record
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}
