package sync

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/audit"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/conflict"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/queue"
)

// testClock advances one second per reading.
type testClock struct {
	mu stdsync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store    *db.LocalStore
	queue    *queue.Queue
	remote   *remote.MemoryStore
	audit    *audit.Log
	resolver *conflict.Resolver
	manager  *Manager
	clock    *testClock

	mu     stdsync.Mutex
	events []Event
}

func newHarness(t *testing.T, strategy conflict.ResolutionStrategy, cfg Config) *harness {
	t.Helper()
	database, err := db.OpenMigrated(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := db.NewLocalStore(database, db.WithClock(clock.Now))
	t.Cleanup(func() {
		store.Close()
		database.Close()
	})

	rs := remote.NewMemoryStore()
	q := queue.New(store)
	al := audit.New(rs, store)
	resolver := conflict.NewResolver(store, q, rs, al, strategy)
	detector := conflict.NewDetector(rs, conflict.PolicyFailClosed)

	h := &harness{
		store:    store,
		queue:    q,
		remote:   rs,
		audit:    al,
		resolver: resolver,
		clock:    clock,
	}
	h.manager = NewManager(store, q, rs, detector, resolver, cfg)
	h.manager.SetEventHandler(func(e Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	return h
}

func (h *harness) eventTypes() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) pending(t *testing.T) []*models.SyncQueueEntry {
	t.Helper()
	entries, err := h.queue.GetPendingOperations(context.Background(), "", 0)
	require.NoError(t, err)
	return entries
}

// seedSynced creates a client that exists both locally and remotely.
func (h *harness) seedSynced(t *testing.T, data models.Record) models.Record {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.Insert(ctx, models.TableClients, data, false)
	require.NoError(t, err)
	row, err := h.store.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	h.remote.Put(models.TableClients, row.Clean())
	return row
}

// Offline create reaches the remote and leaves nothing pending.
func TestSyncAll_offlineCreate(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	id, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane", "last_name": "Doe"}, true)
	require.NoError(t, err)

	entries := h.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpCreate, entries[0].Operation)
	assert.Equal(t, models.StatusPending, entries[0].Status)

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, PassCompleted, result.Status)
	assert.Equal(t, 1, result.Synced)
	assert.Zero(t, result.Failed)

	e, err := h.queue.Get(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, e.Status)

	row, err := h.store.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, row[models.ColPendingSync])

	got, err := h.remote.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.Equal(t, "Jane", got["first_name"])
	assert.NotContains(t, got, models.ColPendingSync)

	assert.Equal(t, []EventType{EventSyncStarted, EventSyncCompleted}, h.eventTypes())
}

// Two offline updates are applied in order.
func TestSyncAll_updatesInOrder(t *testing.T) {
	for _, compact := range []bool{false, true} {
		t.Run(map[bool]string{false: "strict", true: "compacted"}[compact], func(t *testing.T) {
			h := newHarness(t, conflict.ResolutionStrategyManual, Config{CompactQueue: compact})
			ctx := context.Background()
			row := h.seedSynced(t, models.Record{"first_name": "Jane"})

			_, err := h.store.Update(ctx, models.TableClients, row.ID(), models.Record{"first_name": "A", "phone": "1"}, true)
			require.NoError(t, err)
			_, err = h.store.Update(ctx, models.TableClients, row.ID(), models.Record{"first_name": "B"}, true)
			require.NoError(t, err)
			require.Len(t, h.pending(t), 2)

			result, err := h.manager.SyncAll(ctx, false)
			require.NoError(t, err)
			assert.Zero(t, result.Conflicts)
			if compact {
				assert.Equal(t, 1, result.Synced)
				assert.Equal(t, 1, result.Superseded)
			} else {
				assert.Equal(t, 2, result.Synced)
			}

			got, err := h.remote.Get(ctx, models.TableClients, row.ID())
			require.NoError(t, err)
			assert.Equal(t, "B", got["first_name"])
			assert.Equal(t, "1", got["phone"])
			assert.Empty(t, h.pending(t))
		})
	}
}

// A stale local update becomes a conflict that a person resolves.
func TestSyncAll_conflictResolvedRemote(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()
	row := h.seedSynced(t, models.Record{"first_name": "Jane"})

	_, err := h.store.Update(ctx, models.TableClients, row.ID(), models.Record{"first_name": "Local"}, true)
	require.NoError(t, err)
	h.remote.Put(models.TableClients, models.Record{
		"id": row.ID(), "first_name": "Remote", "updated_at": "2024-01-02T00:00:00Z",
	})

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	assert.Zero(t, result.Synced)

	conflicts, err := h.queue.GetConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "Remote", conflicts[0].RemoteData["first_name"])
	assert.Contains(t, h.eventTypes(), EventConflictDetected)

	audited, err := h.resolver.ResolveConflict(ctx, conflicts[0].ID, models.ResolutionRemote, nil, "reception")
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionRemote, audited.Resolution)

	local, err := h.store.Get(ctx, models.TableClients, row.ID())
	require.NoError(t, err)
	assert.Equal(t, "Remote", local["first_name"])

	history, err := h.audit.GetConflictHistory(ctx, models.TableClients, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ResolutionRemote, history[0].Resolution)
	assert.Contains(t, h.eventTypes(), EventConflictResolved)

	status, err := h.manager.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.ConflictCount)
}

// An edit queued behind a conflict survives a remote resolution and the
// next pass leaves both sides equal.
func TestSyncAll_editBehindConflictSurvivesResolution(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()
	row := h.seedSynced(t, models.Record{"first_name": "Jane", "phone": "000"})

	_, err := h.store.Update(ctx, models.TableClients, row.ID(), models.Record{"first_name": "Local"}, true)
	require.NoError(t, err)
	h.remote.Put(models.TableClients, models.Record{
		"id": row.ID(), "first_name": "Remote", "phone": "999", "updated_at": "2024-01-02T00:00:00Z",
	})
	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)

	_, err = h.store.Update(ctx, models.TableClients, row.ID(), models.Record{"phone": "111"}, true)
	require.NoError(t, err)

	conflicts, err := h.queue.GetConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	_, err = h.resolver.ResolveConflict(ctx, conflicts[0].ID, models.ResolutionRemote, nil, "reception")
	require.NoError(t, err)

	local, err := h.store.Get(ctx, models.TableClients, row.ID())
	require.NoError(t, err)
	assert.EqualValues(t, 1, local[models.ColPendingSync])

	result, err = h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Zero(t, result.Conflicts)

	got, err := h.remote.Get(ctx, models.TableClients, row.ID())
	require.NoError(t, err)
	local, err = h.store.Get(ctx, models.TableClients, row.ID())
	require.NoError(t, err)
	for _, col := range []string{"first_name", "phone"} {
		assert.Equal(t, got[col], local[col], col)
	}
	assert.Equal(t, "Remote", local["first_name"])
	assert.Equal(t, "111", local["phone"])
	assert.EqualValues(t, 0, local[models.ColPendingSync])
	assert.Empty(t, h.pending(t))
}

// A second pass while one runs returns busy without reading the queue.
func TestSyncAll_busy(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	_, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, true)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	h.remote.SetFailure(func(op, table, id string) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	done := make(chan *SyncResult)
	go func() {
		r, _ := h.manager.SyncAll(ctx, false)
		done <- r
	}()
	<-entered

	second, err := h.manager.SyncAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, PassBusy, second.Status)
	assert.Zero(t, second.Synced)

	table, err := h.manager.SyncTable(ctx, models.TableClients, false)
	require.NoError(t, err)
	assert.Equal(t, PassBusy, table.Status)

	status, err := h.manager.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsSyncing)
	assert.Equal(t, 1, status.PendingCount)

	close(release)
	first := <-done
	assert.Equal(t, PassCompleted, first.Status)
	assert.Equal(t, 1, first.Synced)
	assert.False(t, h.manager.IsSyncing())
	assert.Equal(t, 1, h.remote.Calls(remote.OpInsert))
}

func TestSyncAll_createReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	id, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, true)
	require.NoError(t, err)
	entries := h.pending(t)
	require.Len(t, entries, 1)

	// The remote got the insert but the acknowledgement was lost.
	h.remote.Put(models.TableClients, entries[0].LocalData)

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Zero(t, result.Failed)

	row, err := h.store.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, row[models.ColPendingSync])
	assert.Len(t, h.remote.Rows(models.TableClients), 1)

	// Once synced an entry is never replayed again.
	ok, err := h.queue.MarkSynced(ctx, entries[0].ID, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	result, err = h.manager.SyncAll(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, result.Synced)
	assert.Empty(t, h.pending(t))
}

func TestSyncAll_transientFailureBacksOff(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	_, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, true)
	require.NoError(t, err)

	h.remote.SetOffline(true)
	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)

	entries := h.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	require.NotNil(t, entries[0].NextRetryAt)

	h.remote.SetOffline(false)
	result, err = h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Synced)

	result, err = h.manager.SyncAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
}

func TestSyncAll_permanentFailureBlocksRecord(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	id, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, true)
	require.NoError(t, err)
	h.remote.SetFailure(func(op, table, rid string) error {
		if op == remote.OpInsert {
			return apperrors.New(apperrors.ErrPermanent, "rejected")
		}
		return nil
	})

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	failed, err := h.queue.GetFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	_, err = h.store.Update(ctx, models.TableClients, id, models.Record{"first_name": "Janet"}, true)
	require.NoError(t, err)

	result, err = h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, h.remote.Calls(remote.OpUpdate))

	// Forcing requeues the failed create ahead of the update.
	h.remote.SetFailure(nil)
	result, err = h.manager.SyncAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)

	got, err := h.remote.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.Equal(t, "Janet", got["first_name"])
}

func TestSyncAll_delete(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()
	row := h.seedSynced(t, models.Record{"first_name": "Jane"})

	ok, err := h.store.Delete(ctx, models.TableClients, row.ID(), true)
	require.NoError(t, err)
	require.True(t, ok)
	entries := h.pending(t)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].LocalData)

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Empty(t, h.remote.Rows(models.TableClients))

	_, err = h.queue.Get(ctx, entries[0].ID)
	assert.True(t, apperrors.IsNotFound(err))
}

// A record deleted and created again keeps its order across the
// create-update-delete grouping.
func TestSyncAll_recreateWaitsForDelete(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()
	row := h.seedSynced(t, models.Record{"first_name": "Jane"})

	_, err := h.store.Delete(ctx, models.TableClients, row.ID(), true)
	require.NoError(t, err)
	_, err = h.store.Insert(ctx, models.TableClients, models.Record{"id": row.ID(), "first_name": "Again"}, true)
	require.NoError(t, err)

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, h.remote.Rows(models.TableClients))

	result, err = h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	got, err := h.remote.Get(ctx, models.TableClients, row.ID())
	require.NoError(t, err)
	assert.Equal(t, "Again", got["first_name"])
}

func TestSyncAll_lastWriteWins(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyLastWriteWins, Config{})
	ctx := context.Background()
	row := h.seedSynced(t, models.Record{"first_name": "Jane"})

	_, err := h.store.Update(ctx, models.TableClients, row.ID(), models.Record{"first_name": "Local"}, true)
	require.NoError(t, err)
	h.remote.Put(models.TableClients, models.Record{
		"id": row.ID(), "first_name": "Remote", "updated_at": "2025-06-01T00:00:00Z",
	})

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.Resolved)

	local, err := h.store.Get(ctx, models.TableClients, row.ID())
	require.NoError(t, err)
	assert.Equal(t, "Remote", local["first_name"])

	history, err := h.audit.GetConflictHistory(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Automatic())

	conflicts, err := h.queue.GetConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestSyncAll_tablesInParallel(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{TableConcurrency: 3, CompactQueue: true})
	ctx := context.Background()

	for _, table := range []string{models.TableClients, models.TableRooms, models.TableDoctors} {
		for i := 0; i < 3; i++ {
			_, err := h.store.Insert(ctx, table, models.Record{"last_modified_by": "test"}, true)
			require.NoError(t, err)
		}
	}

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 9, result.Synced)
	assert.Len(t, result.Tables, 3)
	assert.Len(t, h.remote.Rows(models.TableRooms), 3)

	status, err := h.manager.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
	require.NotNil(t, status.LastSyncAt)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 9, status.LastResult.Synced)
}

func TestSyncTable(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	_, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, true)
	require.NoError(t, err)
	_, err = h.store.Insert(ctx, models.TableRooms, models.Record{"room_number": "2"}, true)
	require.NoError(t, err)

	result, err := h.manager.SyncTable(ctx, models.TableRooms, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Len(t, h.pending(t), 1)

	_, err = h.manager.SyncTable(ctx, "patients", false)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.False(t, h.manager.IsSyncing())
}

func TestSyncAll_configuredTablesOnly(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{Tables: []string{models.TableRooms}})
	ctx := context.Background()

	_, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, true)
	require.NoError(t, err)
	_, err = h.store.Insert(ctx, models.TableRooms, models.Record{"room_number": "3"}, true)
	require.NoError(t, err)

	result, err := h.manager.SyncAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Empty(t, h.remote.Rows(models.TableClients))

	pending := h.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, models.TableClients, pending[0].TableName)
}
