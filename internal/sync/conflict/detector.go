// Package conflict detects divergent edits between a queued local write and
// the authoritative remote record, and applies resolutions to them.
package conflict

import (
	"context"
	"time"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
)

// TimestampPolicy decides what a missing or unparsable updated_at means.
type TimestampPolicy string

const (
	// PolicyFailClosed reports a conflict so a person or LWW looks at it.
	PolicyFailClosed TimestampPolicy = "fail_closed"
	// PolicyFailOpen lets the local write through.
	PolicyFailOpen TimestampPolicy = "fail_open"
)

// Conflict describes a local snapshot that lost the race to a remote edit.
type Conflict struct {
	Type          string
	QueueID       string
	TableName     string
	RecordID      string
	LocalData     models.Record
	RemoteData    models.Record
	LocalUpdated  time.Time // zero when unparsable
	RemoteUpdated time.Time // zero when unparsable
	DetectedAt    time.Time
}

// Comparable reports whether both timestamps parsed.
func (c *Conflict) Comparable() bool {
	return c.Type != models.ConflictUnparsable
}

// Detector gates queued updates against the remote store.
type Detector struct {
	remote remote.Store
	policy TimestampPolicy
	log    *logging.Logger
	now    func() time.Time
}

// NewDetector creates a detector. An unknown policy falls back to fail closed.
func NewDetector(store remote.Store, policy TimestampPolicy) *Detector {
	if policy != PolicyFailOpen {
		policy = PolicyFailClosed
	}
	return &Detector{
		remote: store,
		policy: policy,
		log:    logging.WithComponent("conflict"),
		now:    time.Now,
	}
}

// Policy returns the active timestamp policy.
func (d *Detector) Policy() TimestampPolicy {
	return d.policy
}

// Detect fetches the remote copy of the entry's record. It returns the
// remote row (nil when absent) and a conflict when the remote moved past the
// local snapshot. Lookup failures are returned as errors, never as "no
// conflict".
func (d *Detector) Detect(ctx context.Context, entry *models.SyncQueueEntry) (*Conflict, models.Record, error) {
	c, remoteRow, err := d.Check(ctx, entry.TableName, entry.RecordID, entry.LocalData)
	if c != nil {
		c.QueueID = entry.ID
	}
	return c, remoteRow, err
}

// Check compares local, the copy of table/id a write is based on, with the
// remote record. It behaves like Detect for writes that are not queued.
func (d *Detector) Check(ctx context.Context, table, id string, local models.Record) (*Conflict, models.Record, error) {
	remoteRow, err := d.remote.Get(ctx, table, id)
	if apperrors.IsNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		if apperrors.KindOf(err) == apperrors.ErrInternal {
			err = apperrors.Wrap(apperrors.ErrTransient, "conflict check failed", err)
		}
		return nil, nil, err
	}

	c := Compare(local, remoteRow, d.policy)
	if c == nil {
		return nil, remoteRow, nil
	}
	c.TableName = table
	c.RecordID = id
	c.DetectedAt = d.now().UTC()

	d.log.Warn("conflict detected", map[string]interface{}{
		"table":          table,
		"record_id":      id,
		"conflict_type":  c.Type,
		"local_updated":  updatedAt(c.LocalData),
		"remote_updated": updatedAt(c.RemoteData),
	})
	return c, remoteRow, nil
}

// Compare decides whether remote supersedes the local snapshot: a conflict
// exists iff remote.updated_at is strictly later than local.updated_at.
// Missing or unparsable timestamps are settled by policy.
func Compare(localData, remoteData models.Record, policy TimestampPolicy) *Conflict {
	lt, lok := localData.UpdatedAt()
	rt, rok := remoteData.UpdatedAt()

	if !lok || !rok {
		if policy == PolicyFailOpen {
			return nil
		}
		return &Conflict{
			Type:       models.ConflictUnparsable,
			LocalData:  localData,
			RemoteData: remoteData,
		}
	}
	if !rt.After(lt) {
		return nil
	}
	return &Conflict{
		Type:          models.ConflictTimestamp,
		LocalData:     localData,
		RemoteData:    remoteData,
		LocalUpdated:  lt,
		RemoteUpdated: rt,
	}
}

func updatedAt(r models.Record) string {
	return r.String(models.ColUpdatedAt)
}
