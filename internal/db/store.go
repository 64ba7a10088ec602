package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/uuid"
)

// Tables never addressed through the generic record API.
var reservedTables = map[string]bool{
	"schema_migrations":   true,
	models.SyncQueueTable: true,
}

// Filter narrows Query results. Eq keys must be real columns.
type Filter struct {
	Eq          map[string]any
	OrderBy     string
	Desc        bool
	Limit       int
	PendingOnly bool
}

// LocalStore provides transactional CRUD over the clinic tables with sync
// bookkeeping. A mutation called with markPending also enqueues the matching
// sync queue entry inside the same transaction.
type LocalStore struct {
	db   *DB
	repo *Repository
	log  *logging.Logger
	now  func() time.Time

	mu      sync.RWMutex
	columns map[string]map[string]bool
}

// StoreOption configures a LocalStore.
type StoreOption func(*LocalStore)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *LocalStore) { s.now = now }
}

// NewLocalStore wraps an opened and migrated database.
func NewLocalStore(db *DB, opts ...StoreOption) *LocalStore {
	s := &LocalStore{
		db:      db,
		repo:    NewRepository(db.DB),
		log:     logging.WithComponent("local_store"),
		now:     time.Now,
		columns: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository exposes the queue SQL bound to this store's database.
func (s *LocalStore) Repository() *Repository {
	return s.repo
}

// DB returns the underlying database.
func (s *LocalStore) DB() *DB {
	return s.db
}

// Now returns the store clock reading.
func (s *LocalStore) Now() time.Time {
	return s.now().UTC()
}

// Close releases cached statements. The database itself is owned by the caller.
func (s *LocalStore) Close() error {
	return s.repo.Close()
}

// Tx is a LocalStore transaction. All of its writes commit or roll back together.
type Tx struct {
	store *LocalStore
	tx    *sql.Tx
	ctx   context.Context
}

// WithTx runs fn inside begin, mutate, commit. Any error from fn rolls back.
func (s *LocalStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{store: s, tx: sqlTx, ctx: ctx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to commit transaction", err)
	}
	return nil
}

// Insert writes a new row (or replaces one with the same id) and returns its id.
func (s *LocalStore) Insert(ctx context.Context, table string, data models.Record, markPending bool) (string, error) {
	var id string
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Insert(table, data, markPending)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update merges data into an existing row. It returns false when no row matched.
func (s *LocalStore) Update(ctx context.Context, table, id string, data models.Record, markPending bool) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.Update(table, id, data, markPending)
		return err
	})
	return ok, err
}

// Delete removes a row. It returns false, enqueuing nothing, when no row matched.
func (s *LocalStore) Delete(ctx context.Context, table, id string, markPending bool) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.Delete(table, id, markPending)
		return err
	})
	return ok, err
}

// MarkSynced clears the pending bookkeeping of a row. updated_at is untouched.
func (s *LocalStore) MarkSynced(ctx context.Context, table, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkSynced(table, id)
	})
}

// Get returns one row or a NOT_FOUND error.
func (s *LocalStore) Get(ctx context.Context, table, id string) (models.Record, error) {
	return s.get(ctx, s.db, table, id)
}

// Query lists rows matching f.
func (s *LocalStore) Query(ctx context.Context, table string, f Filter) ([]models.Record, error) {
	cols, err := s.tableColumns(ctx, s.db, table)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	for col, v := range f.Eq {
		if !cols[col] {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown column %s.%s", table, col)
		}
		val, err := columnValue(v)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "bad filter value", err)
		}
		where = append(where, quoteIdent(col)+" = ?")
		args = append(args, val)
	}
	if f.PendingOnly {
		if !cols[models.ColPendingSync] {
			return nil, nil
		}
		where = append(where, quoteIdent(models.ColPendingSync)+" = 1")
	}

	query := "SELECT * FROM " + quoteIdent(table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OrderBy != "" {
		if !cols[f.OrderBy] {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown column %s.%s", table, f.OrderBy)
		}
		query += " ORDER BY " + quoteIdent(f.OrderBy)
		if f.Desc {
			query += " DESC"
		}
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to query "+table, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// =====================================================
// Transaction operations
// =====================================================

// Insert writes a row inside the transaction.
func (t *Tx) Insert(table string, data models.Record, markPending bool) (string, error) {
	s := t.store
	cols, err := s.tableColumns(t.ctx, t.tx, table)
	if err != nil {
		return "", err
	}

	row := s.project(table, cols, data)
	id := uuid.EnsureID(row.ID())
	row[models.ColID] = id

	now := models.FormatTime(s.Now())
	if row.String(models.ColCreatedAt) == "" {
		row[models.ColCreatedAt] = now
	}

	if markPending {
		row[models.ColUpdatedAt] = now
	} else if row.String(models.ColUpdatedAt) == "" {
		row[models.ColUpdatedAt] = now
	}

	snapshot := row.Clean()
	if cols[models.ColPendingSync] {
		if markPending {
			original, err := encodeRecord(snapshot)
			if err != nil {
				return "", err
			}
			row[models.ColPendingSync] = 1
			row[models.ColSyncStatus] = string(models.StatusPending)
			row[models.ColOriginalData] = original.String
			row[models.ColLastSyncedAt] = nil
		} else {
			row[models.ColPendingSync] = 0
			row[models.ColSyncStatus] = string(models.StatusSynced)
			row[models.ColOriginalData] = nil
			row[models.ColLastSyncedAt] = now
		}
	}

	row = onlyColumns(cols, row)
	names, marks, args, err := insertArgs(row)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", "))
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		return "", apperrors.Wrap(apperrors.ErrLocalStore, "failed to insert into "+table, err)
	}

	if markPending {
		if err := t.Enqueue(table, id, models.OpCreate, snapshot, nil); err != nil {
			return "", err
		}
	}
	return id, nil
}

// Update merges data into the row inside the transaction.
func (t *Tx) Update(table, id string, data models.Record, markPending bool) (bool, error) {
	s := t.store
	cols, err := s.tableColumns(t.ctx, t.tx, table)
	if err != nil {
		return false, err
	}

	existing, err := s.get(t.ctx, t.tx, table, id)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	patch := s.project(table, cols, data)
	delete(patch, models.ColID)
	delete(patch, models.ColCreatedAt)
	for _, col := range models.BookkeepingColumns {
		delete(patch, col)
	}
	patch[models.ColUpdatedAt] = models.FormatTime(s.Now())

	if markPending && cols[models.ColPendingSync] {
		original, err := encodeRecord(existing.Clean())
		if err != nil {
			return false, err
		}
		patch[models.ColPendingSync] = 1
		patch[models.ColSyncStatus] = string(models.StatusPending)
		patch[models.ColOriginalData] = original.String
	}
	patch = onlyColumns(cols, patch)

	var (
		sets []string
		args []any
	)
	for col, v := range patch {
		val, err := columnValue(v)
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrInvalid, "bad value for "+col, err)
		}
		sets = append(sets, quoteIdent(col)+" = ?")
		args = append(args, val)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quoteIdent(table), strings.Join(sets, ", "))
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	ok, err := affected(res, err, "failed to update "+table)
	if err != nil || !ok {
		return false, err
	}

	if markPending {
		after := existing.Merge(patch).Clean()
		if err := t.Enqueue(table, id, models.OpUpdate, after, nil); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Delete removes the row inside the transaction. With markPending the delete
// entry is enqueued first, because afterwards there is no row left to diff.
func (t *Tx) Delete(table, id string, markPending bool) (bool, error) {
	s := t.store
	if _, err := s.tableColumns(t.ctx, t.tx, table); err != nil {
		return false, err
	}

	if _, err := s.get(t.ctx, t.tx, table, id); err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if markPending {
		if err := t.Enqueue(table, id, models.OpDelete, nil, nil); err != nil {
			return false, err
		}
	}

	res, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdent(table)), id)
	ok, err := affected(res, err, "failed to delete from "+table)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errNoRow
	}
	return true, nil
}

// MarkSynced clears the pending bookkeeping of a row inside the transaction.
// Tables without bookkeeping columns are ignored.
func (t *Tx) MarkSynced(table, id string) error {
	cols, err := t.store.tableColumns(t.ctx, t.tx, table)
	if err != nil {
		return err
	}
	if !cols[models.ColPendingSync] {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET pending_sync = 0, sync_status = ?, original_data = NULL, last_synced_at = ? WHERE id = ?`,
		quoteIdent(table))
	_, err = t.tx.ExecContext(t.ctx, query, string(models.StatusSynced), models.FormatTime(t.store.Now()), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to mark "+table+" row synced", err)
	}
	return nil
}

// MarkPending flags a row as holding writes the remote has not seen.
func (t *Tx) MarkPending(table, id string) error {
	cols, err := t.store.tableColumns(t.ctx, t.tx, table)
	if err != nil {
		return err
	}
	if !cols[models.ColPendingSync] {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET pending_sync = 1, sync_status = ? WHERE id = ?`, quoteIdent(table))
	if _, err := t.tx.ExecContext(t.ctx, query, string(models.StatusPending), id); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to mark "+table+" row pending", err)
	}
	return nil
}

// Get reads a row inside the transaction.
func (t *Tx) Get(table, id string) (models.Record, error) {
	return t.store.get(t.ctx, t.tx, table, id)
}

// Enqueue appends a pending sync queue entry inside the transaction.
func (t *Tx) Enqueue(table, recordID string, op models.Operation, local, remote models.Record) error {
	entry := &models.SyncQueueEntry{
		ID:         uuid.New(),
		TableName:  table,
		RecordID:   recordID,
		Operation:  op,
		LocalData:  local,
		RemoteData: remote,
		Status:     models.StatusPending,
		CreatedAt:  t.store.Now(),
	}
	return t.store.repo.InsertQueueEntry(t.ctx, t.tx, entry)
}

// MarkEntrySynced marks a queue entry synced inside the transaction.
func (t *Tx) MarkEntrySynced(queueID string, at time.Time) (bool, error) {
	return t.store.repo.MarkQueueSynced(t.ctx, t.tx, queueID, at)
}

// QueueEntries lists queue entries inside the transaction.
func (t *Tx) QueueEntries(f QueueFilter) ([]*models.SyncQueueEntry, error) {
	return t.store.repo.listQueueEntries(t.ctx, t.tx, f)
}

// ReplaceSnapshot swaps the local snapshot of a pending queue entry.
func (t *Tx) ReplaceSnapshot(queueID string, local models.Record) error {
	return t.store.repo.ReplaceQueueSnapshot(t.ctx, t.tx, queueID, local)
}

// Querier exposes the raw transaction for repository calls.
func (t *Tx) Querier() Querier {
	return t.tx
}

// =====================================================
// Helpers
// =====================================================

var errNoRow = apperrors.New(apperrors.ErrLocalStore, "row vanished inside transaction")

func (s *LocalStore) get(ctx context.Context, q Querier, table, id string) (models.Record, error) {
	if _, err := s.tableColumns(ctx, q, table); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = ?", quoteIdent(table)), id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to read "+table, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to scan "+table, err)
	}
	if len(recs) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", table, id)
	}
	return recs[0], nil
}

// tableColumns returns the column set of a user table, caching PRAGMA results.
func (s *LocalStore) tableColumns(ctx context.Context, q Querier, table string) (map[string]bool, error) {
	if table == "" || reservedTables[table] || !isIdent(table) {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid table %q", table)
	}

	s.mu.RLock()
	cols, ok := s.columns[table]
	s.mu.RUnlock()
	if ok {
		return cols, nil
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to inspect "+table, err)
	}
	defer rows.Close()

	info, err := scanRecords(rows)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to inspect "+table, err)
	}
	if len(info) == 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown table %q", table)
	}

	cols = make(map[string]bool, len(info))
	for _, col := range info {
		cols[col.String("name")] = true
	}

	s.mu.Lock()
	s.columns[table] = cols
	s.mu.Unlock()
	return cols, nil
}

// project drops keys that are not columns of table.
func (s *LocalStore) project(table string, cols map[string]bool, r models.Record) models.Record {
	out := make(models.Record, len(r))
	for k, v := range r {
		if !cols[k] {
			s.log.Debug("dropping unknown column", map[string]interface{}{"table": table, "column": k})
			continue
		}
		out[k] = v
	}
	return out
}

func onlyColumns(cols map[string]bool, r models.Record) models.Record {
	for k := range r {
		if !cols[k] {
			delete(r, k)
		}
	}
	return r
}

func insertArgs(row models.Record) (names, marks []string, args []any, err error) {
	for col, v := range row {
		val, err := columnValue(v)
		if err != nil {
			return nil, nil, nil, apperrors.Wrap(apperrors.ErrInvalid, "bad value for "+col, err)
		}
		names = append(names, quoteIdent(col))
		marks = append(marks, "?")
		args = append(args, val)
	}
	return names, marks, args, nil
}

func isIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// IsNoRow reports whether err came from a row disappearing mid-transaction.
func IsNoRow(err error) bool {
	return stderrors.Is(err, errNoRow)
}
