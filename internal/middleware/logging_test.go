package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/ecostock/storefront-core/pkg/logger"
)

func TestLogging(t *testing.T) {
	var seen string
	r := mux.NewRouter()
	r.Use(Logging(logger.NewDiscard("admin")))
	r.HandleFunc("/topics/{id}", func(w http.ResponseWriter, req *http.Request) {
		seen = logger.RequestID(req.Context())
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	})

	t.Run("propagates incoming id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/topics/1", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
		assert.Equal(t, "req-42", seen)
	})

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/topics/2", nil))

		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
		assert.Equal(t, rec.Header().Get(RequestIDHeader), seen)
	})
}
