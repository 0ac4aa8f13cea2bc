/*
 * Copyright 2025 Clearlake Systems, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package status serves the read-only diagnostics surface: account health,
// cached snapshots and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clearlake/fleetsync/pkg/cache"
	"github.com/clearlake/fleetsync/pkg/logger"
	"github.com/clearlake/fleetsync/pkg/models"
	"github.com/clearlake/fleetsync/pkg/sync"
)

const shutdownTimeout = 5 * time.Second

// Provider is the sync service surface the server reads from.
type Provider interface {
	Health() []sync.Health
	Snapshot(accountID string) (*models.Snapshot, cache.Stats, error)
	RefreshNow(ctx context.Context, accountID string) error
}

// Server is the diagnostics HTTP server.
type Server struct {
	httpServer *http.Server
	logger     logger.Logger
}

// NewServer builds the server. metricsHandler is mounted at /metrics.
func NewServer(addr string, provider Provider, metricsHandler http.Handler, log logger.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/accounts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, provider.Health())
	})

	r.Get("/api/accounts/{id}", func(w http.ResponseWriter, req *http.Request) {
		accountID := chi.URLParam(req, "id")

		snapshot, stats, err := provider.Snapshot(accountID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"snapshot":     snapshot,
			"last_success": stats.LastSuccess,
			"age_seconds":  stats.Age.Seconds(),
			"failures":     stats.Failures,
		})
	})

	r.Post("/api/accounts/{id}/refresh", func(w http.ResponseWriter, req *http.Request) {
		accountID := chi.URLParam(req, "id")

		if err := provider.RefreshNow(req.Context(), accountID); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log,
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(_ context.Context) error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Status server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(payload)
}
