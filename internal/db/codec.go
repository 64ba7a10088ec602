package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// encodeRecord serializes a snapshot into a nullable JSON text column.
func encodeRecord(r models.Record) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeRecord parses a JSON text column back into a snapshot.
func decodeRecord(s sql.NullString) (models.Record, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var r models.Record
	if err := json.Unmarshal([]byte(s.String), &r); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return r, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: models.FormatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := models.ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// columnValue converts a record value into something the SQLite driver accepts.
// Nested values are stored as JSON text.
func columnValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, []byte, int, int32, int64, float32, float64:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return models.FormatTime(x), nil
	case json.Number:
		return x.String(), nil
	case models.Record, map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return fmt.Sprint(x), nil
	}
}

// scanRecords reads every row into a Record keyed by column name.
func scanRecords(rows *sql.Rows) ([]models.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []models.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(models.Record, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
				continue
			}
			rec[col] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
