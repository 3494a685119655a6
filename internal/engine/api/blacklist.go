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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flowcore/engine/internal/engine/types"
	"github.com/flowcore/engine/internal/httputil"
)

// BlacklistStore is the narrow store surface this handler needs.
type BlacklistStore interface {
	ListBlacklist(ctx context.Context, activeOnly bool) ([]types.BlacklistEntry, error)
}

// BlacklistBreaker is the narrow breaker surface this handler needs.
type BlacklistBreaker interface {
	AddManual(ctx context.Context, workflowID, note, by string) error
	RemoveManual(ctx context.Context, workflowID, removedBy string) error
}

// BlacklistHandler serves spec.md §4.7's "list blacklist / add / remove"
// operations.
type BlacklistHandler struct {
	store   BlacklistStore
	breaker BlacklistBreaker
}

// NewBlacklistHandler creates a BlacklistHandler.
func NewBlacklistHandler(store BlacklistStore, breaker BlacklistBreaker) *BlacklistHandler {
	return &BlacklistHandler{store: store, breaker: breaker}
}

// RegisterRoutes registers this handler's routes on mux.
func (h *BlacklistHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/blacklist", h.handleList)
	mux.HandleFunc("POST /v1/blacklist", h.handleAdd)
	mux.HandleFunc("DELETE /v1/blacklist/{workflow_id}", h.handleRemove)
}

func (h *BlacklistHandler) handleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if raw := r.URL.Query().Get("active_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "active_only must be a boolean")
			return
		}
		activeOnly = v
	}

	entries, err := h.store.ListBlacklist(r.Context(), activeOnly)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list blacklist: "+err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type addBlacklistRequest struct {
	WorkflowID string `json:"workflow_id"`
	Note       string `json:"note"`
	By         string `json:"by"`
}

func (h *BlacklistHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addBlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.WorkflowID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}

	if err := h.breaker.AddManual(r.Context(), req.WorkflowID, req.Note, req.By); err != nil {
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *BlacklistHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	removedBy := r.URL.Query().Get("removed_by")

	if err := h.breaker.RemoveManual(r.Context(), workflowID, removedBy); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to remove blacklist entry: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
