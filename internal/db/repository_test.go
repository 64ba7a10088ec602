package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

func insertEntry(t *testing.T, r *Repository, id, table, record string, op models.Operation, at time.Time) {
	t.Helper()
	err := r.InsertQueueEntry(context.Background(), r.DB(), &models.SyncQueueEntry{
		ID:        id,
		TableName: table,
		RecordID:  record,
		Operation: op,
		LocalData: models.Record{"id": record, "n": id},
		Status:    models.StatusPending,
		CreatedAt: at,
	})
	require.NoError(t, err)
}

func TestListQueueEntries_ordering(t *testing.T) {
	s := createTestStore(t)
	r := s.Repository()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Same timestamp for q2 and q3: insertion order breaks the tie.
	insertEntry(t, r, "q3", "clients", "a", models.OpUpdate, t0.Add(time.Second))
	insertEntry(t, r, "q1", "clients", "a", models.OpCreate, t0)
	insertEntry(t, r, "q2", "clients", "b", models.OpCreate, t0.Add(time.Second))
	insertEntry(t, r, "q4", "rooms", "c", models.OpCreate, t0.Add(2*time.Second))

	all, err := r.ListQueueEntries(ctx, QueueFilter{})
	require.NoError(t, err)
	var ids []string
	for _, e := range all {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"q1", "q3", "q2", "q4"}, ids)

	clients, err := r.ListQueueEntries(ctx, QueueFilter{Table: "clients", Limit: 2})
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "q1", clients[0].ID)
	assert.Equal(t, "q1", clients[0].LocalData["n"])

	byRecord, err := r.ListQueueEntries(ctx, QueueFilter{Table: "clients", RecordID: "a"})
	require.NoError(t, err)
	assert.Len(t, byRecord, 2)
}

func TestMarkQueueSynced_isMonotonic(t *testing.T) {
	s := createTestStore(t)
	r := s.Repository()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertEntry(t, r, "q1", "clients", "a", models.OpCreate, now)

	ok, err := r.MarkQueueSynced(ctx, r.DB(), "q1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.MarkQueueSynced(ctx, r.DB(), "q1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second transition must be a no-op")

	// Every other transition requires pending.
	ok, err = r.MarkQueueConflict(ctx, "q1", models.Record{"id": "a"})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.RecordQueueFailure(ctx, "q1", 1, "boom", nil, models.StatusPending)
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := r.MarkQueueSuperseded(ctx, r.DB(), []string{"q1"})
	require.NoError(t, err)
	assert.Zero(t, n)

	e, err := r.GetQueueEntry(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, e.Status)
	require.NotNil(t, e.SyncedAt)
	assert.True(t, e.SyncedAt.Equal(now))
}

func TestClaimQueueConflict_singleWinner(t *testing.T) {
	s := createTestStore(t)
	r := s.Repository()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertEntry(t, r, "q1", "clients", "a", models.OpUpdate, now)
	_, err := r.MarkQueueConflict(ctx, "q1", models.Record{"id": "a"})
	require.NoError(t, err)

	var wins int
	for i := 0; i < 3; i++ {
		ok, err := r.ClaimQueueConflict(ctx, "q1")
		require.NoError(t, err)
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	ok, err := r.MarkQueueSynced(ctx, r.DB(), "q1", now)
	require.NoError(t, err)
	assert.True(t, ok, "a claimed entry settles")

	n, err := r.ReleaseQueueClaims(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n, "a settled entry is not released")
}

func TestMarkQueueConflict_attachesRemote(t *testing.T) {
	s := createTestStore(t)
	r := s.Repository()
	ctx := context.Background()
	insertEntry(t, r, "q1", "clients", "a", models.OpUpdate, time.Now())

	ok, err := r.MarkQueueConflict(ctx, "q1", models.Record{"id": "a", "updated_at": "2024-01-02T00:00:00Z"})
	require.NoError(t, err)
	require.True(t, ok)

	e, err := r.GetQueueEntry(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConflict, e.Status)
	assert.Equal(t, "2024-01-02T00:00:00Z", e.RemoteData["updated_at"])

	// Conflict entries can still be settled.
	ok, err = r.MarkQueueSynced(ctx, r.DB(), "q1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordQueueFailure_andRequeue(t *testing.T) {
	s := createTestStore(t)
	r := s.Repository()
	ctx := context.Background()
	insertEntry(t, r, "q1", "clients", "a", models.OpCreate, time.Now())
	insertEntry(t, r, "q2", "rooms", "b", models.OpCreate, time.Now())

	next := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	ok, err := r.RecordQueueFailure(ctx, "q1", 1, "timeout", &next, models.StatusPending)
	require.NoError(t, err)
	require.True(t, ok)

	e, err := r.GetQueueEntry(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "timeout", e.LastError)
	require.NotNil(t, e.NextRetryAt)
	assert.True(t, e.NextRetryAt.Equal(next))

	_, err = r.RecordQueueFailure(ctx, "q1", 2, "bad row", nil, models.StatusFailed)
	require.NoError(t, err)
	_, err = r.RecordQueueFailure(ctx, "q2", 1, "bad row", nil, models.StatusFailed)
	require.NoError(t, err)

	counts, err := r.CountQueueByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusFailed])

	n, err := r.RequeueFailed(ctx, "clients")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	e, err = r.GetQueueEntry(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Zero(t, e.Attempts)
	assert.Nil(t, e.NextRetryAt)
}

func TestDeleteQueueEntry(t *testing.T) {
	s := createTestStore(t)
	r := s.Repository()
	ctx := context.Background()
	insertEntry(t, r, "q1", "clients", "a", models.OpDelete, time.Now())

	ok, err := r.DeleteQueueEntry(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.GetQueueEntry(ctx, "q1")
	assert.True(t, apperrors.IsNotFound(err))
}
