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
	"fmt"
	"net/http"
	"time"

	"github.com/flowcore/engine/internal/engine/kv"
	"github.com/flowcore/engine/internal/httputil"
)

// WorkersHandler serves the "list workers"/"get worker"/"recycle process"
// operations of spec.md §4.7.
type WorkersHandler struct {
	cache *HeartbeatCache
	kv    kv.Store
}

// NewWorkersHandler creates a WorkersHandler.
func NewWorkersHandler(cache *HeartbeatCache, store kv.Store) *WorkersHandler {
	return &WorkersHandler{cache: cache, kv: store}
}

// RegisterRoutes registers this handler's routes on mux.
func (h *WorkersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/workers", h.handleList)
	mux.HandleFunc("GET /v1/workers/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/workers/{id}/recycle", h.handleRecycle)
}

func (h *WorkersHandler) handleList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workers": h.cache.List()})
}

func (h *WorkersHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := h.cache.Get(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "worker not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// recycleCommand mirrors the admin command envelope published on
// worker:{worker_id}:commands, per spec.md §6.
type recycleCommand struct {
	Action      string `json:"action"`
	PID         int    `json:"pid"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

type recycleRequest struct {
	PID         int    `json:"pid"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (h *WorkersHandler) handleRecycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req recycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.PID == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "pid is required")
		return
	}

	cmd := recycleCommand{Action: "recycle_process", PID: req.PID, Reason: req.Reason, RequestedBy: req.RequestedBy}
	body, err := json.Marshal(cmd)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to encode command: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.kv.Publish(ctx, fmt.Sprintf("worker:%s:commands", id), body); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to publish recycle command: "+err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
