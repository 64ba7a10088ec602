package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/conflict"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/queue"
)

func TestBatch_updateOfMissingRemoteInserts(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	id, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, false)
	require.NoError(t, err)
	_, err = h.store.Update(ctx, models.TableClients, id, models.Record{"phone": "555"}, true)
	require.NoError(t, err)

	result, err := h.manager.batch.SyncTable(ctx, models.TableClients, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	got, err := h.remote.Get(ctx, models.TableClients, id)
	require.NoError(t, err)
	assert.Equal(t, "Jane", got["first_name"])
	assert.Equal(t, "555", got["phone"])
}

func TestBatch_entryWithoutSnapshotFails(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	_, err := h.queue.AddOperation(ctx, models.TableClients, "c-1", models.OpUpdate, nil, nil)
	require.NoError(t, err)

	result, err := h.manager.batch.SyncTable(ctx, models.TableClients, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no local snapshot")

	failed, err := h.queue.GetFailed(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestBatch_emptyTable(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})

	result, err := h.manager.batch.SyncTable(context.Background(), models.TableRooms, false)
	require.NoError(t, err)
	assert.Zero(t, result.Synced+result.Failed+result.Skipped)
	assert.Zero(t, h.remote.Calls("insert"))
}

func TestBatch_localStoreLostMidPass(t *testing.T) {
	h := newHarness(t, conflict.ResolutionStrategyManual, Config{})
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"Ann", "Ben", "Cat"} {
		id, err := h.store.Insert(ctx, models.TableClients, models.Record{"first_name": name}, true)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// The cache goes away while the first create is on the wire.
	path := h.store.DB().Path()
	h.remote.SetFailure(func(op, table, id string) error {
		if op == remote.OpInsert {
			h.store.DB().Close()
		}
		return nil
	})

	result, err := h.manager.batch.SyncTable(ctx, models.TableClients, false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrLocalStore))
	assert.Equal(t, 3, result.Failed)
	assert.Zero(t, result.Synced)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[1], "pass aborted")
	assert.Contains(t, result.Errors[2], "pass aborted")
	assert.Equal(t, 1, h.remote.Calls(remote.OpInsert))

	reopened, err := db.Open(path)
	require.NoError(t, err)
	store := db.NewLocalStore(reopened)
	t.Cleanup(func() {
		store.Close()
		reopened.Close()
	})

	pending, err := queue.New(store).GetPendingOperations(ctx, models.TableClients, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, e := range pending {
		assert.Equal(t, ids[i], e.RecordID)
		assert.Equal(t, models.StatusPending, e.Status)
		assert.Zero(t, e.Attempts)
	}
}
