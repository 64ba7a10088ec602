package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestWithMetrics_usesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(WithMetrics)
	r.Get("/tables/{table}/rows/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/tables/{table}/rows/{id}", "404"))
	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/tables/clients/rows/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/tables/{table}/rows/{id}", "404"))

	assert.Equal(t, before+2, after)
}

func TestMustRegister_isIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegister("test")
		MustRegister("test")
	})
}
