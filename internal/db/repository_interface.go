package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// RecordStore is the record-access surface domain modules and the sync
// engine depend on.
type RecordStore interface {
	Insert(ctx context.Context, table string, data models.Record, markPending bool) (string, error)
	Update(ctx context.Context, table, id string, data models.Record, markPending bool) (bool, error)
	Delete(ctx context.Context, table, id string, markPending bool) (bool, error)
	Get(ctx context.Context, table, id string) (models.Record, error)
	Query(ctx context.Context, table string, f Filter) ([]models.Record, error)
	MarkSynced(ctx context.Context, table, id string) error
	WithTx(ctx context.Context, fn func(tx *Tx) error) error
	Now() time.Time
}

// QueueRepository defines sync queue persistence. Methods taking a Querier
// run on DB() outside a transaction.
type QueueRepository interface {
	DB() *sql.DB
	InsertQueueEntry(ctx context.Context, q Querier, entry *models.SyncQueueEntry) error
	GetQueueEntry(ctx context.Context, id string) (*models.SyncQueueEntry, error)
	ListQueueEntries(ctx context.Context, f QueueFilter) ([]*models.SyncQueueEntry, error)
	MarkQueueSynced(ctx context.Context, q Querier, id string, at time.Time) (bool, error)
	MarkQueueConflict(ctx context.Context, id string, remote models.Record) (bool, error)
	ClaimQueueConflict(ctx context.Context, id string) (bool, error)
	ReleaseQueueClaims(ctx context.Context, id string) (int64, error)
	RecordQueueFailure(ctx context.Context, id string, attempts int, lastErr string, next *time.Time, status models.QueueStatus) (bool, error)
	MarkQueueSuperseded(ctx context.Context, q Querier, ids []string) (int64, error)
	ReplaceQueueSnapshot(ctx context.Context, q Querier, id string, local models.Record) error
	RequeueFailed(ctx context.Context, table string) (int64, error)
	DeleteQueueEntry(ctx context.Context, id string) (bool, error)
	CountQueueByStatus(ctx context.Context) (map[models.QueueStatus]int, error)
}

// Ensure implementations satisfy the interfaces at compile time.
var (
	_ RecordStore     = (*LocalStore)(nil)
	_ QueueRepository = (*Repository)(nil)
)
