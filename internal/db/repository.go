package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository holds the sync_queue SQL. Methods taking a Querier may run
// inside a caller's transaction.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for the hot read queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// DB returns the connection the repository runs on when no transaction is given.
func (r *Repository) DB() *sql.DB {
	return r.db
}

const queueColumns = `id, table_name, record_id, operation, local_data, remote_data, status,
	attempts, last_error, next_retry_at, created_at, synced_at`

// =====================================================
// SyncQueue Operations
// =====================================================

// InsertQueueEntry appends entry to the queue.
func (r *Repository) InsertQueueEntry(ctx context.Context, q Querier, entry *models.SyncQueueEntry) error {
	local, err := encodeRecord(entry.LocalData)
	if err != nil {
		return err
	}
	remote, err := encodeRecord(entry.RemoteData)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO sync_queue (` + queueColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		entry.ID, entry.TableName, entry.RecordID, string(entry.Operation), local, remote,
		string(entry.Status), entry.Attempts, nullString(entry.LastError), nullTime(entry.NextRetryAt),
		models.FormatTime(entry.CreatedAt), nullTime(entry.SyncedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to insert queue entry", err)
	}
	return nil
}

// GetQueueEntry retrieves a queue entry by ID.
func (r *Repository) GetQueueEntry(ctx context.Context, id string) (*models.SyncQueueEntry, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to read queue entry", err)
	}
	entries, err := scanQueueEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue entry %s not found", id)
	}
	return entries[0], nil
}

// QueueFilter narrows ListQueueEntries.
type QueueFilter struct {
	Table    string
	RecordID string
	Statuses []models.QueueStatus
	Limit    int
}

// ListQueueEntries returns entries in enqueue order.
func (r *Repository) ListQueueEntries(ctx context.Context, f QueueFilter) ([]*models.SyncQueueEntry, error) {
	return r.listQueueEntries(ctx, r.db, f)
}

func (r *Repository) listQueueEntries(ctx context.Context, q Querier, f QueueFilter) ([]*models.SyncQueueEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, f.Table)
	}
	if f.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, f.RecordID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to list queue entries", err)
	}
	return scanQueueEntries(rows)
}

// MarkQueueSynced moves an entry to synced. Entries already synced or
// superseded are left alone and reported as unchanged.
func (r *Repository) MarkQueueSynced(ctx context.Context, q Querier, id string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
	UPDATE sync_queue SET status = ?, synced_at = ?, last_error = NULL, next_retry_at = NULL
	WHERE id = ? AND status IN (?, ?, ?, ?)
	`, string(models.StatusSynced), models.FormatTime(at), id,
		string(models.StatusPending), string(models.StatusConflict), string(models.StatusResolving),
		string(models.StatusFailed))
	return affected(res, err, "failed to mark queue entry synced")
}

// ClaimQueueConflict moves an entry from conflict to resolving. Only one
// caller wins the claim; the others see false.
func (r *Repository) ClaimQueueConflict(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?`,
		string(models.StatusResolving), id, string(models.StatusConflict))
	return affected(res, err, "failed to claim queue entry")
}

// ReleaseQueueClaims puts resolving entries back in conflict. An empty id
// releases every claim, which is how a restart recovers from a crash in the
// middle of a resolution.
func (r *Repository) ReleaseQueueClaims(ctx context.Context, id string) (int64, error) {
	query := `UPDATE sync_queue SET status = ? WHERE status = ?`
	args := []any{string(models.StatusConflict), string(models.StatusResolving)}
	if id != "" {
		query += " AND id = ?"
		args = append(args, id)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "failed to release queue claims", err)
	}
	return res.RowsAffected()
}

// MarkQueueConflict parks a pending entry with the authoritative remote snapshot.
func (r *Repository) MarkQueueConflict(ctx context.Context, id string, remote models.Record) (bool, error) {
	data, err := encodeRecord(remote)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
	UPDATE sync_queue SET status = ?, remote_data = ? WHERE id = ? AND status = ?
	`, string(models.StatusConflict), data, id, string(models.StatusPending))
	return affected(res, err, "failed to mark queue entry conflicted")
}

// RecordQueueFailure stores a failed attempt on a pending entry.
// status is pending for a scheduled retry or failed when giving up.
func (r *Repository) RecordQueueFailure(ctx context.Context, id string, attempts int, lastErr string, next *time.Time, status models.QueueStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE sync_queue SET status = ?, attempts = ?, last_error = ?, next_retry_at = ?
	WHERE id = ? AND status = ?
	`, string(status), attempts, nullString(lastErr), nullTime(next), id, string(models.StatusPending))
	return affected(res, err, "failed to record queue failure")
}

// MarkQueueSuperseded retires pending entries replaced by a later one.
func (r *Repository) MarkQueueSuperseded(ctx context.Context, q Querier, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := make([]string, len(ids))
	args := []any{string(models.StatusSuperseded)}
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	args = append(args, string(models.StatusPending))
	res, err := q.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE id IN (`+strings.Join(marks, ", ")+`) AND status = ?`, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "failed to supersede queue entries", err)
	}
	return res.RowsAffected()
}

// ReplaceQueueSnapshot swaps the local snapshot of a pending entry.
func (r *Repository) ReplaceQueueSnapshot(ctx context.Context, q Querier, id string, local models.Record) error {
	data, err := encodeRecord(local)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `UPDATE sync_queue SET local_data = ? WHERE id = ? AND status = ?`,
		data, id, string(models.StatusPending))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to update queue snapshot", err)
	}
	return nil
}

// RequeueFailed moves failed entries back to pending with a fresh attempt budget.
func (r *Repository) RequeueFailed(ctx context.Context, table string) (int64, error) {
	query := `UPDATE sync_queue SET status = ?, attempts = 0, next_retry_at = NULL WHERE status = ?`
	args := []any{string(models.StatusPending), string(models.StatusFailed)}
	if table != "" {
		query += " AND table_name = ?"
		args = append(args, table)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "failed to requeue failed entries", err)
	}
	return res.RowsAffected()
}

// DeleteQueueEntry removes an entry.
func (r *Repository) DeleteQueueEntry(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return affected(res, err, "failed to remove queue entry")
}

// CountQueueByStatus returns the number of entries per status.
func (r *Repository) CountQueueByStatus(ctx context.Context) (map[models.QueueStatus]int, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to count queue entries", err)
	}
	defer rows.Close()

	counts := make(map[models.QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanQueueEntries(rows *sql.Rows) ([]*models.SyncQueueEntry, error) {
	defer rows.Close()

	var out []*models.SyncQueueEntry
	for rows.Next() {
		var (
			e                      models.SyncQueueEntry
			op, status, createdAt  string
			local, remote, lastErr sql.NullString
			nextRetry, syncedAt    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &op, &local, &remote, &status,
			&e.Attempts, &lastErr, &nextRetry, &createdAt, &syncedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to scan queue entry", err)
		}
		e.Operation = models.Operation(op)
		e.Status = models.QueueStatus(status)
		e.LastError = lastErr.String

		var err error
		if e.LocalData, err = decodeRecord(local); err != nil {
			return nil, err
		}
		if e.RemoteData, err = decodeRecord(remote); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = models.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if e.NextRetryAt, err = parseNullTime(nextRetry); err != nil {
			return nil, err
		}
		if e.SyncedAt, err = parseNullTime(syncedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error, msg string) (bool, error) {
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrLocalStore, msg, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrLocalStore, msg, err)
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
