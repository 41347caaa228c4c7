package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/assignments/{id}/results", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(RequestCounter.WithLabelValues(http.MethodGet, "/assignments/{id}/results", "418"))
	for _, id := range []string{"a1", "a2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/assignments/"+id+"/results", nil))
	}
	after := testutil.ToFloat64(RequestCounter.WithLabelValues(http.MethodGet, "/assignments/{id}/results", "418"))
	assert.Equal(t, 2.0, after-before)
}
