package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cowebsLB/dental-clinic-software-system/internal/clinic"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// ClientsHandler exposes the clients module. Writes succeed offline and
// are queued for the next sync pass.
type ClientsHandler struct {
	clients *clinic.Clients
	log     *logging.Logger
}

// NewClientsHandler creates a new ClientsHandler.
func NewClientsHandler(clients *clinic.Clients) *ClientsHandler {
	return &ClientsHandler{clients: clients, log: logging.WithComponent("desktop_clients")}
}

// Routes mounts the handler under r.
func (h *ClientsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
}

// List handles GET /api/clients?q=&limit=.
func (h *ClientsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		fail(h.log, w, r, err)
		return
	}

	var rows []models.Record
	if q := r.URL.Query().Get("q"); q != "" {
		rows, err = h.clients.Search(r.Context(), q, limit)
	} else {
		rows, err = h.clients.List(r.Context(), limit)
	}
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	if rows == nil {
		rows = []models.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": rows})
}

// Create handles POST /api/clients.
func (h *ClientsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var data models.Record
	if err := decodeBody(w, r, &data); err != nil {
		fail(h.log, w, r, err)
		return
	}
	id, err := h.clients.Create(r.Context(), data, r.Header.Get(UserHeader))
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	row, err := h.clients.Get(r.Context(), id)
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// Get handles GET /api/clients/{id}.
func (h *ClientsHandler) Get(w http.ResponseWriter, r *http.Request) {
	row, err := h.clients.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Update handles PATCH /api/clients/{id}.
func (h *ClientsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var data models.Record
	if err := decodeBody(w, r, &data); err != nil {
		fail(h.log, w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.clients.Update(r.Context(), id, data, r.Header.Get(UserHeader)); err != nil {
		fail(h.log, w, r, err)
		return
	}
	row, err := h.clients.Get(r.Context(), id)
	if err != nil {
		fail(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Delete handles DELETE /api/clients/{id}.
func (h *ClientsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.clients.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(h.log, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
