package sync

import (
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/conflict"
)

// EventType names a sync notification.
type EventType string

const (
	EventSyncStarted      EventType = "sync.started"
	EventSyncCompleted    EventType = "sync.completed"
	EventSyncFailed       EventType = "sync.failed"
	EventConflictDetected EventType = "sync.conflict_detected"
	EventConflictResolved EventType = "sync.conflict_resolved"
)

// Event is delivered to the EventHandler during and after a pass.
type Event struct {
	Type     EventType                  `json:"type"`
	Table    string                     `json:"table,omitempty"`
	Result   *SyncResult                `json:"result,omitempty"`
	Conflict *conflict.Conflict         `json:"conflict,omitempty"`
	Audit    *models.ConflictAuditEntry `json:"audit,omitempty"`
	Error    string                     `json:"error,omitempty"`
	Time     time.Time                  `json:"time"`
}

// EventHandler receives sync events. It is called synchronously from the
// syncing goroutine and must not block.
type EventHandler func(Event)
