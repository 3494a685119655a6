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
	"log/slog"
	"sync"
	"time"

	"github.com/flowcore/engine/internal/engine/kv"
	"github.com/flowcore/engine/internal/engine/registry"
	"github.com/flowcore/engine/internal/engine/telemetry"
	"github.com/flowcore/engine/internal/engine/types"
)

// WorkerSnapshot is the admin surface's view of one worker node: its
// registration plus the most recent heartbeat this process has observed.
type WorkerSnapshot struct {
	WorkerID        string            `json:"worker_id"`
	Online          bool              `json:"online"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	Heartbeat       registry.Snapshot `json:"heartbeat"`
}

// HeartbeatCache subscribes to the shared telemetry channel and keeps the
// latest worker_online/worker_heartbeat/worker_offline event per worker, so
// the admin surface's "list workers"/"get worker" operations (spec.md §4.7)
// don't need to block on a synchronous round-trip to every node.
type HeartbeatCache struct {
	kv     kv.Store
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]WorkerSnapshot
}

// NewHeartbeatCache creates an empty cache. Call Run to start consuming events.
func NewHeartbeatCache(store kv.Store, logger *slog.Logger) *HeartbeatCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatCache{
		kv:      store,
		logger:  logger.With("component", "api.heartbeat_cache"),
		workers: make(map[string]WorkerSnapshot),
	}
}

// Run subscribes to the telemetry channel and updates the cache until ctx is
// cancelled. Run is intended to be launched in its own goroutine.
func (c *HeartbeatCache) Run(ctx context.Context) error {
	msgs, cancel, err := c.kv.Subscribe(ctx, telemetry.Channel)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case body, ok := <-msgs:
			if !ok {
				return nil
			}
			c.apply(body)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *HeartbeatCache) apply(body []byte) {
	var evt types.TelemetryEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		c.logger.Warn("failed to decode telemetry event", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Type {
	case types.EventWorkerOnline:
		c.workers[evt.WorkerID] = WorkerSnapshot{WorkerID: evt.WorkerID, Online: true}
	case types.EventWorkerOffline:
		snap := c.workers[evt.WorkerID]
		snap.WorkerID = evt.WorkerID
		snap.Online = false
		c.workers[evt.WorkerID] = snap
	case types.EventWorkerHeartbeat:
		var hb registry.Snapshot
		if raw, err := json.Marshal(evt.Payload); err == nil {
			_ = json.Unmarshal(raw, &hb)
		}
		c.workers[evt.WorkerID] = WorkerSnapshot{
			WorkerID:        evt.WorkerID,
			Online:          true,
			LastHeartbeatAt: evt.Timestamp,
			Heartbeat:       hb,
		}
	}
}

// List returns a snapshot of every worker this cache has ever observed.
func (c *HeartbeatCache) List() []WorkerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerSnapshot, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	return out
}

// Get returns the snapshot for workerID, if observed.
func (c *HeartbeatCache) Get(workerID string) (WorkerSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[workerID]
	return w, ok
}
