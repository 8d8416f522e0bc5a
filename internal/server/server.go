// Package server exposes a small read-only HTTP surface for operators:
// liveness and the current in-flight task listing.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/runner"
)

// TaskLister is the backend surface the server reads from.
type TaskLister interface {
	Snapshot() []runner.TaskView
}

// New configures an http.Server with the operational routes mounted.
func New(addr string, backend TaskLister, logger *zap.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/v1/tasks", func(w http.ResponseWriter, req *http.Request) {
		views := backend.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			logger.Error("Failed to encode task listing", zap.Error(err))
		}
	})

	logger.Info("HTTP server configured", zap.String("address", addr))
	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
