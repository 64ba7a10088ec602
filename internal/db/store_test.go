package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// stepClock advances one second per reading so timestamps are strictly ordered.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func createTestStore(t *testing.T) *LocalStore {
	t.Helper()
	db, err := OpenMigrated(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewLocalStore(db, WithClock(clock.Now))
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func pendingEntries(t *testing.T, s *LocalStore) []*models.SyncQueueEntry {
	t.Helper()
	entries, err := s.Repository().ListQueueEntries(context.Background(), QueueFilter{
		Statuses: []models.QueueStatus{models.StatusPending},
	})
	require.NoError(t, err)
	return entries
}

func TestInsert_offlineEnqueuesCreate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane", "last_name": "Doe"}, true)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	row, err := s.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.Equal(t, "Jane", row["first_name"])
	assert.EqualValues(t, 1, row[models.ColPendingSync])
	assert.Equal(t, "pending", row[models.ColSyncStatus])
	assert.NotEmpty(t, row[models.ColOriginalData])
	assert.NotEmpty(t, row.String(models.ColCreatedAt))
	assert.Equal(t, row.String(models.ColCreatedAt), row.String(models.ColUpdatedAt))

	entries := pendingEntries(t, s)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, models.OpCreate, e.Operation)
	assert.Equal(t, models.TableClients, e.TableName)
	assert.Equal(t, id, e.RecordID)
	assert.Equal(t, "Jane", e.LocalData["first_name"])
	for _, col := range models.BookkeepingColumns {
		assert.NotContains(t, e.LocalData, col)
	}
}

func TestInsert_onlineKeepsRemoteTimestamps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	remote := models.Record{
		"id":         "11111111-1111-4111-8111-111111111111",
		"first_name": "Remote",
		"created_at": "2023-05-01T00:00:00.000000Z",
		"updated_at": "2023-06-01T00:00:00.000000Z",
	}
	id, err := s.Insert(ctx, models.TableClients, remote, false)
	require.NoError(t, err)
	assert.Equal(t, remote["id"], id)

	row, err := s.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.Equal(t, "2023-06-01T00:00:00.000000Z", row[models.ColUpdatedAt])
	assert.EqualValues(t, 0, row[models.ColPendingSync])
	assert.Equal(t, "synced", row[models.ColSyncStatus])
	assert.Empty(t, pendingEntries(t, s))
}

func TestInsert_dropsUnknownColumns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, models.TableClients, models.Record{"first_name": "A", "favourite_colour": "blue"}, true)
	require.NoError(t, err)

	row, err := s.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.NotContains(t, row, "favourite_colour")
	assert.NotContains(t, pendingEntries(t, s)[0].LocalData, "favourite_colour")
}

func TestInsert_rejectsInvalidTables(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"", "sync_queue", "schema_migrations", "clients; DROP TABLE x", "nope"} {
		_, err := s.Insert(ctx, table, models.Record{"a": 1}, true)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "table %q: %v", table, err)
	}
	assert.Empty(t, pendingEntries(t, s))
}

func TestUpdate_capturesPreImage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane", "phone": "111"}, false)
	require.NoError(t, err)
	before, err := s.Get(ctx, models.TableClients, id)
	require.NoError(t, err)

	ok, err := s.Update(ctx, models.TableClients, id, models.Record{"phone": "222"}, true)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := s.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.Equal(t, "222", after["phone"])
	assert.Equal(t, "Jane", after["first_name"])
	assert.Greater(t, after.String(models.ColUpdatedAt), before.String(models.ColUpdatedAt))
	assert.Contains(t, after.String(models.ColOriginalData), `"phone":"111"`)

	entries := pendingEntries(t, s)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpUpdate, entries[0].Operation)
	assert.Equal(t, "222", entries[0].LocalData["phone"])
	assert.Equal(t, "Jane", entries[0].LocalData["first_name"])
	assert.Equal(t, after[models.ColUpdatedAt], entries[0].LocalData[models.ColUpdatedAt])
}

func TestUpdate_missingRow(t *testing.T) {
	s := createTestStore(t)

	ok, err := s.Update(context.Background(), models.TableClients, "missing", models.Record{"phone": "1"}, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, pendingEntries(t, s))
}

func TestDelete_enqueuesBeforeRemoving(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, models.TableRooms, models.Record{"room_number": "101"}, false)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, models.TableRooms, id, true)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Get(ctx, models.TableRooms, id)
	assert.True(t, apperrors.IsNotFound(err))

	entries := pendingEntries(t, s)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpDelete, entries[0].Operation)
	assert.Nil(t, entries[0].LocalData)

	ok, err = s.Delete(ctx, models.TableRooms, id, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, pendingEntries(t, s), 1)
}

func TestWithTx_rollsBackRowAndQueueTogether(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var id string
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Insert(models.TableClients, models.Record{"first_name": "Ghost"}, true)
		require.NoError(t, err)
		// Second write fails: conflict_audit requires resolution.
		_, err = tx.Insert(models.ConflictAuditTable, models.Record{"table_name": "clients"}, false)
		return err
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrLocalStore))

	_, err = s.Get(ctx, models.TableClients, id)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, pendingEntries(t, s))
}

func TestMarkSynced_keepsUpdatedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, true)
	require.NoError(t, err)
	before, err := s.Get(ctx, models.TableClients, id)
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, models.TableClients, id))

	after, err := s.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, after[models.ColPendingSync])
	assert.Equal(t, "synced", after[models.ColSyncStatus])
	assert.Nil(t, after[models.ColOriginalData])
	assert.NotEmpty(t, after[models.ColLastSyncedAt])
	assert.Equal(t, before[models.ColUpdatedAt], after[models.ColUpdatedAt])
}

func TestTx_rewritesQueuedSnapshots(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, false)
	require.NoError(t, err)
	_, err = s.Update(ctx, models.TableClients, id, models.Record{"phone": "111"}, true)
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		entries, err := tx.QueueEntries(QueueFilter{Table: models.TableClients, RecordID: id})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		if err := tx.ReplaceSnapshot(entries[0].ID, models.Record{"id": id, "first_name": "Janet", "phone": "111"}); err != nil {
			return err
		}
		if _, err := tx.Insert(models.TableClients, models.Record{"id": id, "first_name": "Janet", "phone": "111"}, false); err != nil {
			return err
		}
		return tx.MarkPending(models.TableClients, id)
	})
	require.NoError(t, err)

	row, err := s.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.Equal(t, "Janet", row["first_name"])
	assert.EqualValues(t, 1, row[models.ColPendingSync])
	assert.Equal(t, "pending", row[models.ColSyncStatus])

	entries := pendingEntries(t, s)
	require.Len(t, entries, 1)
	assert.Equal(t, "Janet", entries[0].LocalData["first_name"])
}

func TestQuery_filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Ann", "Bob", "Cid"} {
		_, err := s.Insert(ctx, models.TableClients, models.Record{"first_name": name, "last_name": "Lee"}, name == "Bob")
		require.NoError(t, err)
	}

	all, err := s.Query(ctx, models.TableClients, Filter{Eq: map[string]any{"last_name": "Lee"}, OrderBy: "first_name", Desc: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Cid", all[0]["first_name"])

	pending, err := s.Query(ctx, models.TableClients, Filter{PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Bob", pending[0]["first_name"])

	limited, err := s.Query(ctx, models.TableClients, Filter{OrderBy: "first_name", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = s.Query(ctx, models.TableClients, Filter{OrderBy: "1; DROP TABLE clients"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestConflictAudit_isAppendOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, models.ConflictAuditTable, models.Record{
		"table_name":    "clients",
		"record_id":     "r1",
		"conflict_type": models.ConflictTimestamp,
		"resolution":    "remote",
		"resolved_at":   "2024-01-02T00:00:00.000000Z",
	}, true)
	require.NoError(t, err)

	_, err = s.DB().Exec("UPDATE conflict_audit SET resolution = 'local' WHERE id = ?", id)
	assert.Error(t, err)
	_, err = s.DB().Exec("DELETE FROM conflict_audit WHERE id = ?", id)
	assert.Error(t, err)

	// Bookkeeping columns stay writable so the queue can settle the row.
	require.NoError(t, s.MarkSynced(ctx, models.ConflictAuditTable, id))
	row, err := s.Get(ctx, models.ConflictAuditTable, id)
	require.NoError(t, err)
	assert.Equal(t, "remote", row["resolution"])
	assert.EqualValues(t, 0, row[models.ColPendingSync])
}
