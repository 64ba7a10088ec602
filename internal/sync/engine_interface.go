// Package sync replays the local write queue against the remote store and
// coordinates conflict handling around each pass.
package sync

import (
	"context"
)

// Engine is the sync surface used by the scheduler and the API layers.
// It allows for mocking in tests and alternative implementations.
type Engine interface {
	// SyncAll runs one pass over every table with pending work. A call made
	// while another pass is running returns a result with status busy.
	SyncAll(ctx context.Context, force bool) (*SyncResult, error)

	// SyncTable runs one pass over a single table under the same guard.
	SyncTable(ctx context.Context, table string, force bool) (*SyncResult, error)

	// GetSyncStatus reports progress and queue totals without waiting for
	// a running pass.
	GetSyncStatus(ctx context.Context) (*Status, error)

	// SetEventHandler sets the handler for sync notifications.
	SetEventHandler(handler EventHandler)
}
