package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
)

func TestRouter_routes(t *testing.T) {
	backend := remote.NewMemoryStore()
	backend.Put(models.TableRooms, models.Record{"id": "r1", "room_number": "1"})
	h := NewRouter(backend, Options{APIKey: "k"})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		auth   bool
		want   int
	}{
		{"health is public", http.MethodGet, "/healthz", "", false, http.StatusOK},
		{"rows need a key", http.MethodGet, "/tables/rooms/rows", "", false, http.StatusUnauthorized},
		{"list", http.MethodGet, "/tables/rooms/rows?eq.room_number=1&order=id.desc&limit=2", "", true, http.StatusOK},
		{"bad order", http.MethodGet, "/tables/rooms/rows?order=id.sideways", "", true, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/tables/rooms/rows?limit=-1", "", true, http.StatusBadRequest},
		{"get", http.MethodGet, "/tables/rooms/rows/r1", "", true, http.StatusOK},
		{"get missing", http.MethodGet, "/tables/rooms/rows/nope", "", true, http.StatusNotFound},
		{"create", http.MethodPost, "/tables/rooms/rows", `{"id":"r2"}`, true, http.StatusCreated},
		{"create duplicate", http.MethodPost, "/tables/rooms/rows", `{"id":"r1"}`, true, http.StatusConflict},
		{"create bad body", http.MethodPost, "/tables/rooms/rows", `[1]`, true, http.StatusBadRequest},
		{"unknown table", http.MethodGet, "/tables/users/rows", "", true, http.StatusBadRequest},
		{"patch", http.MethodPatch, "/tables/rooms/rows/r1", `{"room_type":"xray"}`, true, http.StatusOK},
		{"delete", http.MethodDelete, "/tables/rooms/rows/r1", "", true, http.StatusNoContent},
		{"delete missing", http.MethodDelete, "/tables/rooms/rows/r1", "", true, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.auth {
				req.Header.Set("Authorization", "Bearer k")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_healthReflectsStore(t *testing.T) {
	backend := remote.NewMemoryStore()
	backend.SetOffline(true)
	h := NewRouter(backend, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}
