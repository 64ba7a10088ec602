package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	syncpkg "github.com/cowebsLB/dental-clinic-software-system/internal/sync"
	"github.com/cowebsLB/dental-clinic-software-system/internal/sync/scheduler"
)

// Scheduler runs passes on demand and reports background sync state.
type Scheduler interface {
	SyncNow(ctx context.Context, force bool) (*syncpkg.SyncResult, error)
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
}

// Conflicts lists queue entries awaiting a resolution.
type Conflicts interface {
	GetConflicts(ctx context.Context) ([]*models.SyncQueueEntry, error)
}

// Resolver settles a conflict.
type Resolver interface {
	ResolveConflict(ctx context.Context, queueID string, resolution models.Resolution, merged models.Record, resolvedBy string) (*models.ConflictAuditEntry, error)
}

// History reads the conflict audit log.
type History interface {
	GetConflictHistory(ctx context.Context, table string, limit int) ([]*models.ConflictAuditEntry, error)
}

// SyncHandler serves sync status, manual passes and conflict resolution.
type SyncHandler struct {
	engine    syncpkg.Engine
	scheduler Scheduler
	conflicts Conflicts
	resolver  Resolver
	history   History
	log       *logging.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine syncpkg.Engine, sched Scheduler, conflicts Conflicts, resolver Resolver, history History) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		scheduler: sched,
		conflicts: conflicts,
		resolver:  resolver,
		history:   history,
		log:       logging.WithComponent("desktop_sync"),
	}
}

// Routes mounts the handler under r.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Post("/trigger", h.TriggerSync)
	r.Get("/conflicts", h.ListConflicts)
	r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
	r.Get("/history", h.GetHistory)
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.GetStatus(r.Context())
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TriggerSync handles POST /api/sync/trigger?table=&force=. It waits for
// the pass and answers 409 when another one is running.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	force, err := queryBool(r, "force")
	if err != nil {
		fail(h.log, w, r, err)
		return
	}

	var result *syncpkg.SyncResult
	if table := r.URL.Query().Get("table"); table != "" {
		result, err = h.engine.SyncTable(r.Context(), table, force)
		if err == nil && result.Status == syncpkg.PassBusy {
			err = apperrors.New(apperrors.ErrSyncBusy, "sync already in progress")
		}
	} else {
		result, err = h.scheduler.SyncNow(r.Context(), force)
	}

	if apperrors.Is(err, apperrors.ErrSyncBusy) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status": syncpkg.PassBusy,
			"error":  err.Error(),
		})
		return
	}
	if err != nil {
		if result != nil {
			h.log.Warn("sync pass failed", map[string]interface{}{"errors": result.Errors})
		}
		fail(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListConflicts handles GET /api/sync/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.conflicts.GetConflicts(r.Context())
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.SyncQueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": entries})
}

type resolveRequest struct {
	Resolution models.Resolution `json:"resolution"`
	Data       models.Record     `json:"data,omitempty"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		fail(h.log, w, r, err)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = r.Header.Get(UserHeader)
	}
	if req.ResolvedBy == "" {
		fail(h.log, w, r, apperrors.New(apperrors.ErrInvalid, "resolved_by is required"))
		return
	}

	entry, err := h.resolver.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Resolution, req.Data, req.ResolvedBy)
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetHistory handles GET /api/sync/history?table=&limit=.
func (h *SyncHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	entries, err := h.history.GetConflictHistory(r.Context(), r.URL.Query().Get("table"), limit)
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}
