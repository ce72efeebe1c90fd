package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ecostock/storefront-core/internal/metrics"
	"github.com/ecostock/storefront-core/internal/middleware"
	"github.com/ecostock/storefront-core/pkg/logger"
	"github.com/ecostock/storefront-core/realtime"
	"github.com/ecostock/storefront-core/session"
)

type healthResponse struct {
	Status     string `json:"status"`
	Session    string `json:"session"`
	Channel    string `json:"channel"`
	Attempt    int    `json:"attempt"`
	Terminal   string `json:"terminal,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	LiveTopics int    `json:"live_topics"`
}

type topicsResponse struct {
	Desired []string `json:"desired"`
	Live    []string `json:"live"`
}

func newAdminRouter(log *logger.Logger, collector *metrics.Collector, mgr *realtime.Manager, registry *realtime.Registry, store *session.Store) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging(log))
	r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{
			Status:     "ok",
			Session:    store.Status().String(),
			Channel:    mgr.State().String(),
			Attempt:    mgr.Attempt(),
			LiveTopics: len(registry.LiveTopics()),
		}
		if exp, ok := store.ExpiresAt(); ok {
			resp.ExpiresAt = exp.UTC().Format("2006-01-02T15:04:05Z")
		}
		status := http.StatusOK
		if err := mgr.Terminal(); err != nil {
			resp.Status = "degraded"
			resp.Terminal = err.Error()
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/topics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, topicsResponse{
			Desired: registry.Desired(),
			Live:    registry.LiveTopics(),
		})
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
