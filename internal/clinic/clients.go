// Package clinic holds the domain modules that write through the local
// store. Clients is the reference consumer of the sync core.
package clinic

import (
	"context"
	"sort"
	"strings"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/conflict"
	"github.com/cowebsLB/dental-clinic-software-system/internal/uuid"
)

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online() bool
}

// clientFields are the columns callers may set.
var clientFields = []string{
	"first_name", "last_name", "phone", "email",
	"date_of_birth", "address", "medical_history", "notes",
}

// Clients manages client records. Online writes go to the remote first and
// are cached locally as synced; offline writes are queued.
type Clients struct {
	store    db.RecordStore
	remote   remote.Store
	net      Connectivity
	detector *conflict.Detector
	log      *logging.Logger
}

// NewClients creates the clients module. detector gates online updates
// against remote edits the local copy has not seen.
func NewClients(store db.RecordStore, rs remote.Store, net Connectivity, detector *conflict.Detector) *Clients {
	return &Clients{
		store:    store,
		remote:   rs,
		net:      net,
		detector: detector,
		log:      logging.WithComponent("clients"),
	}
}

// Create adds a client and returns its id.
func (c *Clients) Create(ctx context.Context, data models.Record, by string) (string, error) {
	row := pick(data)
	if row.String("first_name") == "" && row.String("last_name") == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "first or last name is required")
	}
	now := models.FormatTime(c.store.Now())
	row[models.ColID] = uuid.New()
	row[models.ColCreatedAt] = now
	row[models.ColUpdatedAt] = now
	if by != "" {
		row["created_by"] = by
		row["last_modified_by"] = by
	}

	if c.online() {
		_, err := c.remote.Insert(ctx, models.TableClients, row)
		if err == nil {
			return c.store.Insert(ctx, models.TableClients, row, false)
		}
		if !apperrors.IsRetryable(err) {
			return "", err
		}
		c.fallback("create", row.ID(), err)
	}

	id, err := c.store.Insert(ctx, models.TableClients, row, true)
	if err != nil {
		return "", err
	}
	c.log.Info("client created offline, queued for sync", map[string]interface{}{"client_id": id})
	return id, nil
}

// Update applies the known fields of data to client id.
//
// Online, the cached copy is first checked against the remote. When the
// remote moved past it the cache is refreshed and ErrConflict is returned,
// so the caller edits the current record. A client with writes still queued
// is updated through the queue to keep them in order.
func (c *Clients) Update(ctx context.Context, id string, data models.Record, by string) error {
	existing, err := c.store.Get(ctx, models.TableClients, id)
	if err != nil {
		return err
	}
	patch := pick(data)
	if by != "" {
		patch["last_modified_by"] = by
	}
	if len(patch) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "nothing to update")
	}

	if c.online() && !pending(existing) {
		err := c.updateRemote(ctx, id, existing, patch)
		if err == nil {
			return nil
		}
		// Not found remotely means the create is still queued.
		if !apperrors.IsRetryable(err) && !apperrors.IsNotFound(err) {
			return err
		}
		c.fallback("update", id, err)
	}

	if _, err := c.store.Update(ctx, models.TableClients, id, patch, true); err != nil {
		return err
	}
	c.log.Info("client updated offline, queued for sync", map[string]interface{}{"client_id": id})
	return nil
}

func (c *Clients) updateRemote(ctx context.Context, id string, existing, patch models.Record) error {
	if c.detector != nil {
		cf, remoteRow, err := c.detector.Check(ctx, models.TableClients, id, existing.Clean())
		if err != nil {
			return err
		}
		if remoteRow == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "client %s not found remotely", id)
		}
		if cf != nil {
			if cf.Comparable() {
				if _, err := c.store.Insert(ctx, models.TableClients, remoteRow, false); err != nil {
					return err
				}
			}
			return apperrors.Newf(apperrors.ErrConflict, "client %s changed remotely, reload before editing", id)
		}
	}

	remotePatch := patch.Clone()
	remotePatch[models.ColUpdatedAt] = models.FormatTime(c.store.Now())
	if _, err := c.remote.Update(ctx, models.TableClients, id, remotePatch); err != nil {
		return err
	}
	_, err := c.store.Insert(ctx, models.TableClients, existing.Clean().Merge(remotePatch), false)
	return err
}

// Delete removes client id.
func (c *Clients) Delete(ctx context.Context, id string) error {
	if c.online() {
		err := c.remote.Delete(ctx, models.TableClients, id)
		if err == nil || apperrors.IsNotFound(err) {
			return c.deleteLocal(ctx, id, false)
		}
		if !apperrors.IsRetryable(err) {
			return err
		}
		c.fallback("delete", id, err)
	}
	return c.deleteLocal(ctx, id, true)
}

func (c *Clients) deleteLocal(ctx context.Context, id string, markPending bool) error {
	ok, err := c.store.Delete(ctx, models.TableClients, id, markPending)
	if err != nil {
		return err
	}
	if !ok && markPending {
		return apperrors.Newf(apperrors.ErrNotFound, "client %s not found", id)
	}
	return nil
}

// Get reads the local cache, then the remote when online. A remote hit is
// cached locally.
func (c *Clients) Get(ctx context.Context, id string) (models.Record, error) {
	row, err := c.store.Get(ctx, models.TableClients, id)
	if err == nil || !apperrors.IsNotFound(err) || !c.online() {
		return row, err
	}

	row, err = c.remote.Get(ctx, models.TableClients, id)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Insert(ctx, models.TableClients, row, false); err != nil {
		c.log.Warn("failed to cache remote client", map[string]interface{}{"client_id": id, "error": err.Error()})
	}
	return row, nil
}

// List returns up to limit clients ordered by last name.
func (c *Clients) List(ctx context.Context, limit int) ([]models.Record, error) {
	return c.store.Query(ctx, models.TableClients, db.Filter{OrderBy: "last_name", Limit: limit})
}

// Search matches query case-insensitively against names, phone and email.
func (c *Clients) Search(ctx context.Context, query string, limit int) ([]models.Record, error) {
	all, err := c.store.Query(ctx, models.TableClients, db.Filter{})
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))

	var out []models.Record
	for _, r := range all {
		for _, f := range []string{"first_name", "last_name", "phone", "email"} {
			if strings.Contains(strings.ToLower(r.String(f)), q) {
				out = append(out, r)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].String("last_name") < out[j].String("last_name")
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// pending reports whether row holds writes the remote has not seen.
func pending(row models.Record) bool {
	return row.String(models.ColPendingSync) == "1"
}

func (c *Clients) online() bool {
	return c.net != nil && c.net.Online()
}

func (c *Clients) fallback(op, id string, err error) {
	c.log.Warn("remote write failed, queuing locally", map[string]interface{}{
		"operation": op, "client_id": id, "error": err.Error(),
	})
}

func pick(data models.Record) models.Record {
	out := make(models.Record)
	for _, f := range clientFields {
		if v, ok := data[f]; ok {
			out[f] = v
		}
	}
	return out
}
