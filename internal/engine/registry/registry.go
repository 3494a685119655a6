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

// Package registry implements the Worker Registry & Heartbeat Publisher: it
// registers a worker node's presence under a TTL'd key-value key, refreshes
// it on a heartbeat cadence, publishes snapshots to the telemetry channel,
// and deregisters on graceful shutdown — spec.md §4.6.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowcore/engine/internal/engine/kv"
	"github.com/flowcore/engine/internal/engine/telemetry"
	"github.com/flowcore/engine/internal/engine/types"
)

const registrationTTL = 30 * time.Second

// ExecutionSnapshot describes one in-flight execution for the heartbeat payload.
type ExecutionSnapshot struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	Status      string `json:"status"` // Running, Cancelling, Stuck
}

// ProcessSnapshot describes one Worker Process for the heartbeat payload.
type ProcessSnapshot struct {
	PID               int                 `json:"pid"`
	State             string              `json:"state"`
	CurrentExecutions []ExecutionSnapshot `json:"current_executions"`
}

// QueueItemSnapshot describes one pending item in the broker queue.
type QueueItemSnapshot struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
}

// Snapshot is the full heartbeat payload published to the telemetry channel.
type Snapshot struct {
	Processes           []ProcessSnapshot   `json:"processes"`
	MemoryBytes         uint64              `json:"memory_bytes"`
	UptimeSeconds       int64               `json:"uptime_seconds"`
	ExecutionsCompleted int64               `json:"executions_completed"`
	Queue               []QueueItemSnapshot `json:"queue"`
}

// SnapshotFunc builds the current Snapshot. Supplied by the caller, which
// owns the Orchestrator and Broker Consumer this node hosts.
type SnapshotFunc func() Snapshot

// Config configures the Registry.
type Config struct {
	WorkerID              string
	Hostname              string
	HeartbeatIntervalSecs int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatIntervalSecs <= 0 {
		c.HeartbeatIntervalSecs = 10
	}
	return c
}

// Registry is the Worker Registry & Heartbeat Publisher for one worker node.
type Registry struct {
	cfg      Config
	kv       kv.Store
	telem    *telemetry.Publisher
	snapshot SnapshotFunc
	logger   *slog.Logger
	started  time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Registry. It does not start the heartbeat loop; call Start.
func New(cfg Config, store kv.Store, snapshot SnapshotFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		kv:       store,
		telem:    telemetry.New(store),
		snapshot: snapshot,
		logger:   logger.With("component", "registry", "worker_id", cfg.WorkerID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func registrationKey(workerID string) string { return fmt.Sprintf("worker:%s", workerID) }
func commandsKey(workerID string) string      { return fmt.Sprintf("worker:%s:commands", workerID) }

// Start registers the worker, publishes worker_online, and launches the
// heartbeat loop.
func (r *Registry) Start(ctx context.Context) error {
	r.started = time.Now()

	if err := r.register(ctx); err != nil {
		return fmt.Errorf("registry: initial registration: %w", err)
	}
	if err := r.telem.Publish(ctx, r.cfg.WorkerID, types.EventWorkerOnline, nil); err != nil {
		r.logger.Warn("failed to publish worker_online", "error", err)
	}

	go r.heartbeatLoop(ctx)
	return nil
}

func (r *Registry) register(ctx context.Context) error {
	return r.kv.HSet(ctx, registrationKey(r.cfg.WorkerID), map[string]string{
		"worker_id":  r.cfg.WorkerID,
		"hostname":   r.cfg.Hostname,
		"started_at": r.started.Format(time.RFC3339),
	}, registrationTTL)
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer close(r.doneCh)

	interval := time.Duration(r.cfg.HeartbeatIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.beat(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) beat(ctx context.Context) {
	if err := r.kv.Expire(ctx, registrationKey(r.cfg.WorkerID), registrationTTL); err != nil {
		// The key may have expired between ticks (e.g. a slow loop); re-register.
		if regErr := r.register(ctx); regErr != nil {
			r.logger.Error("failed to refresh registration", "error", regErr)
			return
		}
	}

	snap := r.snapshot()
	snap.UptimeSeconds = int64(time.Since(r.started).Seconds())

	body, err := json.Marshal(snap)
	if err != nil {
		r.logger.Error("failed to marshal heartbeat snapshot", "error", err)
		return
	}
	if err := r.telem.Publish(ctx, r.cfg.WorkerID, types.EventWorkerHeartbeat, telemetry.RawPayload(body)); err != nil {
		r.logger.Warn("failed to publish heartbeat", "error", err)
	}
}

// Shutdown deregisters the worker and publishes worker_offline. The caller
// is responsible for draining the Orchestrator afterward, per spec.md §4.6.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	select {
	case <-r.stopCh:
		r.mu.Unlock()
		return nil
	default:
		close(r.stopCh)
	}
	r.mu.Unlock()

	<-r.doneCh

	if err := r.kv.Del(ctx, registrationKey(r.cfg.WorkerID)); err != nil {
		return fmt.Errorf("registry: deregister: %w", err)
	}
	return r.telem.Publish(ctx, r.cfg.WorkerID, types.EventWorkerOffline, nil)
}

// Commands returns the channel of admin commands (e.g. recycle requests)
// published on this worker's commands channel, and a cancel func.
func (r *Registry) Commands(ctx context.Context) (<-chan []byte, func(), error) {
	return r.kv.Subscribe(ctx, commandsKey(r.cfg.WorkerID))
}
