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

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/flowcore/engine/internal/engine/store"
	"github.com/flowcore/engine/internal/httputil"
)

const defaultStuckHistoryWindow = 24 * time.Hour

// StuckHistoryStore is the narrow store surface this handler needs.
type StuckHistoryStore interface {
	StuckHistoryAggregate(ctx context.Context, since time.Time) ([]store.StuckHistoryEntry, error)
}

// StuckHistoryHandler serves spec.md §4.7's "aggregate stuck history"
// operation.
type StuckHistoryHandler struct {
	store StuckHistoryStore
}

// NewStuckHistoryHandler creates a StuckHistoryHandler.
func NewStuckHistoryHandler(store StuckHistoryStore) *StuckHistoryHandler {
	return &StuckHistoryHandler{store: store}
}

// RegisterRoutes registers this handler's routes on mux.
func (h *StuckHistoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stuck-history", h.handleList)
}

func (h *StuckHistoryHandler) handleList(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-defaultStuckHistoryWindow)
	if raw := r.URL.Query().Get("since_minutes"); raw != "" {
		d, err := time.ParseDuration(raw + "m")
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "since_minutes must be an integer")
			return
		}
		since = time.Now().Add(-d)
	}

	entries, err := h.store.StuckHistoryAggregate(r.Context(), since)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to aggregate stuck history: "+err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
