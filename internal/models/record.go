// Package models provides data model definitions for the clinic sync core.
package models

import (
	"fmt"
	"time"
)

// Record is a generic domain row keyed by column name.
type Record map[string]any

// Column names every synchronized record carries.
const (
	ColID        = "id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
)

// Local-only bookkeeping columns. They never leave the device.
const (
	ColPendingSync  = "pending_sync"
	ColSyncStatus   = "sync_status"
	ColOriginalData = "original_data"
	ColLastSyncedAt = "last_synced_at"
)

// BookkeepingColumns lists the local-only columns stripped before a remote write.
var BookkeepingColumns = []string{ColPendingSync, ColSyncStatus, ColOriginalData, ColLastSyncedAt}

// IsBookkeeping reports whether col is a local-only column.
func IsBookkeeping(col string) bool {
	for _, c := range BookkeepingColumns {
		if c == col {
			return true
		}
	}
	return false
}

// ID returns the record id as a string, or "" when absent.
func (r Record) ID() string {
	return r.String(ColID)
}

// String returns the value under key formatted as a string.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// UpdatedAt parses the updated_at column.
// ok is false when the column is missing or not a recognizable timestamp.
func (r Record) UpdatedAt() (time.Time, bool) {
	s := r.String(ColUpdatedAt)
	if s == "" {
		return time.Time{}, false
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Clone returns a shallow copy. A nil record clones to nil.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Clean returns a copy without the local bookkeeping columns.
func (r Record) Clean() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if IsBookkeeping(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every key of patch applied on top.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
