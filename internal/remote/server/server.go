// Package server exposes a remote.Store as the REST table API that
// remote.Client speaks.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/metrics"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
	"github.com/cowebsLB/dental-clinic-software-system/internal/uuid"
)

// Options configures the router.
type Options struct {
	// APIKey, when set, must be presented as a bearer token.
	APIKey string
	// RateLimit is requests per minute per client IP. Zero disables it.
	RateLimit int
}

type handler struct {
	store remote.Store
	log   *logging.Logger
}

// NewRouter builds the table API around store.
func NewRouter(store remote.Store, opts Options) http.Handler {
	h := &handler{store: store, log: logging.WithComponent("remote_server")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(metrics.WithMetrics)
	if opts.RateLimit > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(requireAPIKey(opts.APIKey))
		pr.Route("/tables/{table}/rows", func(tr chi.Router) {
			tr.Get("/", h.list)
			tr.Post("/", h.create)
			tr.Get("/{id}", h.get)
			tr.Patch("/{id}", h.update)
			tr.Delete("/{id}", h.remove)
		})
	})
	return r
}

func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.store.Select(r.Context(), chi.URLParam(r, "table"), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	row, err := h.store.Get(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	row, ok := h.decode(w, r)
	if !ok {
		return
	}
	row[models.ColID] = uuid.EnsureID(row.ID())

	out, err := h.store.Insert(r.Context(), chi.URLParam(r, "table"), row)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	row, ok := h.decode(w, r)
	if !ok {
		return
	}
	out, err := h.store.Update(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id"), row)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request) (models.Record, bool) {
	var row models.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&row); err != nil || row == nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	return row, true
}

// fail writes err with the status its kind maps to.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	fields := map[string]interface{}{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"request_id": chimw.GetReqID(r.Context()),
	}
	if status >= 500 {
		h.log.ErrorWithCode("table request failed", string(apperrors.KindOf(err)), err, fields)
	} else {
		h.log.Debug("table request rejected: "+err.Error(), fields)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrDuplicate:
		return http.StatusConflict
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrPermanent:
		return http.StatusUnprocessableEntity
	case apperrors.ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseQuery reads eq.<col>=v, order=<col>[.desc] and limit=n.
func parseQuery(r *http.Request) (remote.Query, error) {
	var q remote.Query
	for key, vals := range r.URL.Query() {
		if col, ok := strings.CutPrefix(key, "eq."); ok && len(vals) > 0 {
			if q.Eq == nil {
				q.Eq = make(map[string]any)
			}
			q.Eq[col] = vals[0]
		}
	}
	if order := r.URL.Query().Get("order"); order != "" {
		col, dir, _ := strings.Cut(order, ".")
		q.OrderBy = col
		switch dir {
		case "", "asc":
		case "desc":
			q.Desc = true
		default:
			return q, apperrors.Newf(apperrors.ErrInvalid, "bad order direction %q", dir)
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return q, apperrors.Newf(apperrors.ErrInvalid, "bad limit %q", limit)
		}
		q.Limit = n
	}
	return q, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
