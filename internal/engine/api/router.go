// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the Admin Control Surface — spec.md §4.7: a narrow
// set of HTTP operations over the engine's already-abstracted collaborators
// (worker registry, broker, blacklist, persistent store). Authorization is
// the external layer's problem; this package only wires queries/commands.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowcore/engine/internal/httputil"
	"github.com/flowcore/engine/internal/log"
	"github.com/flowcore/engine/internal/tracing"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string
}

// Router wraps an http.ServeMux with the engine's logging/tracing middleware
// chain, mirroring the daemon's own admin router shape.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	logger *slog.Logger
}

// NewRouter creates a Router with the base health/version/root routes
// registered. Callers register the domain handlers (WorkersHandler,
// QueueHandler, BlacklistHandler, StuckHistoryHandler) via Mux().
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: log.New(log.FromEnv()),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mux.ServeHTTP(w, req)
	})

	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)

	handler.ServeHTTP(w, req)
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "engined",
		"version": r.config.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
