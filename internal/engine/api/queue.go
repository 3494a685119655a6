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
	"net/http"
	"strconv"

	"github.com/flowcore/engine/internal/engine/broker"
	"github.com/flowcore/engine/internal/httputil"
)

const defaultQueuePeekLimit = 50

// QueueHandler serves spec.md §4.7's "list queue" operation: a bounded,
// non-destructive snapshot of pending executions.
type QueueHandler struct {
	br broker.Broker
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(br broker.Broker) *QueueHandler {
	return &QueueHandler{br: br}
}

// RegisterRoutes registers this handler's routes on mux.
func (h *QueueHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/queue", h.handleList)
}

func (h *QueueHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultQueuePeekLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"depth": h.br.Len(),
		"items": h.br.Peek(limit),
	})
}
