// Package remote defines the row-oriented contract of the authoritative
// remote datastore and its implementations: an HTTP table API client, a
// GORM-backed server store and an in-memory store.
package remote

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// Query narrows a Select. Eq compares column values for equality.
type Query struct {
	Eq      map[string]any
	OrderBy string
	Desc    bool
	Limit   int
}

// Store is the remote table API the sync engine writes through.
//
// Errors carry an apperrors kind: NOT_FOUND for a missing row, DUPLICATE for
// an insert whose id exists, TRANSIENT for anything worth retrying and
// PERMANENT or INVALID_INPUT for rejected input.
type Store interface {
	Select(ctx context.Context, table string, q Query) ([]models.Record, error)
	Get(ctx context.Context, table, id string) (models.Record, error)
	Insert(ctx context.Context, table string, row models.Record) (models.Record, error)
	Update(ctx context.Context, table, id string, row models.Record) (models.Record, error)
	Delete(ctx context.Context, table, id string) error
	Ping(ctx context.Context) error
}

// Tables lists the tables a remote store serves.
func Tables() []string {
	return models.SyncedTables()
}

// ValidTable reports whether table is served remotely.
func ValidTable(table string) bool {
	for _, t := range Tables() {
		if t == table {
			return true
		}
	}
	return false
}

func checkTable(table string) error {
	if !ValidTable(table) {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown table %q", table)
	}
	return nil
}

// normalizeRow prepares a row for storage: bookkeeping columns are removed
// and nested values become JSON text.
func normalizeRow(row models.Record) (models.Record, error) {
	out := make(models.Record, len(row))
	for k, v := range row.Clean() {
		switch v.(type) {
		case models.Record, map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "bad value for "+k, err)
			}
			out[k] = string(data)
		case []byte:
			out[k] = string(v.([]byte))
		default:
			out[k] = v
		}
	}
	return out, nil
}

// matches reports whether r satisfies every equality condition.
func matches(r models.Record, eq map[string]any) bool {
	for col, want := range eq {
		if r.String(col) != valueString(want) {
			return false
		}
	}
	return true
}

func valueString(v any) string {
	return models.Record{"v": v}.String("v")
}

// sortRecords orders rows by col, then by id for stability.
func sortRecords(rows []models.Record, col string, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].String(col), rows[j].String(col)
		if a == b {
			a, b = rows[i].ID(), rows[j].ID()
		}
		if desc {
			return strings.Compare(a, b) > 0
		}
		return strings.Compare(a, b) < 0
	})
}
