package models

import "time"

// Resolution names how a conflict was settled.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionLocal, ResolutionRemote, ResolutionMerge:
		return true
	}
	return false
}

// Conflict types recorded in the audit log.
const (
	ConflictTimestamp  = "timestamp_conflict"
	ConflictUnparsable = "unparsable_timestamp"
)

// ConflictAuditEntry is an immutable record of a conflict and its outcome.
type ConflictAuditEntry struct {
	ID           string     `json:"id"`
	TableName    string     `json:"table_name"`
	RecordID     string     `json:"record_id"`
	ConflictType string     `json:"conflict_type"`
	LocalData    Record     `json:"local_data,omitempty"`
	RemoteData   Record     `json:"remote_data,omitempty"`
	Resolution   Resolution `json:"resolution"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
	ResolvedAt   time.Time  `json:"resolved_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Automatic reports whether no user chose the resolution.
func (e *ConflictAuditEntry) Automatic() bool {
	return e.ResolvedBy == ""
}
