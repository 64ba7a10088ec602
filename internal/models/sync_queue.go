package models

import "time"

// Operation is the kind of write replayed against the remote store.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Rank orders operations the way a batch pass processes them.
func (op Operation) Rank() int {
	switch op {
	case OpCreate:
		return 0
	case OpUpdate:
		return 1
	default:
		return 2
	}
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusSynced     QueueStatus = "synced"
	StatusConflict   QueueStatus = "conflict"
	StatusResolving  QueueStatus = "resolving"
	StatusSuperseded QueueStatus = "superseded"
	StatusFailed     QueueStatus = "failed"
)

// Terminal reports whether the status never changes again.
func (s QueueStatus) Terminal() bool {
	return s == StatusSynced || s == StatusSuperseded
}

// SyncQueueEntry is one pending write awaiting remote application.
type SyncQueueEntry struct {
	ID          string      `json:"id"`
	TableName   string      `json:"table_name"`
	RecordID    string      `json:"record_id"`
	Operation   Operation   `json:"operation"`
	LocalData   Record      `json:"local_data,omitempty"`
	RemoteData  Record      `json:"remote_data,omitempty"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	SyncedAt    *time.Time  `json:"synced_at,omitempty"`
}

// Key identifies the record the entry targets.
func (e *SyncQueueEntry) Key() string {
	return e.TableName + "/" + e.RecordID
}

// Ready reports whether the entry may be attempted at now.
func (e *SyncQueueEntry) Ready(now time.Time) bool {
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}
