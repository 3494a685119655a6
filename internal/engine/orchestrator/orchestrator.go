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

// Package orchestrator implements the Process Pool Manager: it spawns,
// monitors, routes to, drains, and replaces Worker Processes, preserving
// the invariant that at least one Active worker exists whenever the
// service is not shutting down.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowcore/engine/internal/engine/types"
	"github.com/flowcore/engine/internal/engine/worker"
)

const monitorInterval = time.Second

// Spawner creates a new Worker Process on demand. The Orchestrator keys
// its records by the returned handle's PID().
type Spawner func() (worker.ProcessHandle, error)

// Config configures the Orchestrator.
type Config struct {
	MinWorkers int
	MaxWorkers int
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	return c
}

// OnResult is invoked for every terminal ResultMessage a worker reports,
// forwarded to the Broker Consumer.
type OnResult func(types.ResultMessage)

// Orchestrator owns the set of live Worker Process records.
type Orchestrator struct {
	cfg     Config
	spawn   Spawner
	onResult OnResult

	mu       sync.Mutex
	workers  map[int]worker.ProcessHandle
	stopping bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Orchestrator and immediately spawns its first Active
// worker, preserving the >=1-Active invariant from startup.
func New(cfg Config, spawn Spawner, onResult OnResult) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		spawn:    spawn,
		onResult: onResult,
		workers:  make(map[int]worker.ProcessHandle),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	o.mu.Lock()
	err := o.spawnWorkerLocked()
	o.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: initial spawn: %w", err)
	}

	go o.monitorLoop()
	go o.resultLoop()

	return o, nil
}

// spawnWorkerLocked spawns a worker and records it. Caller must hold o.mu.
func (o *Orchestrator) spawnWorkerLocked() error {
	h, err := o.spawn()
	if err != nil {
		return err
	}
	o.workers[h.PID()] = h
	return nil
}

// activeWorkerLocked returns an Active worker if one exists. Caller must
// hold o.mu.
func (o *Orchestrator) activeWorkerLocked() worker.ProcessHandle {
	for _, h := range o.workers {
		if h.State() == types.ProcessActive {
			return h
		}
	}
	return nil
}

// Route implements the Orchestrator's public contract: non-blocking
// dispatch to the current Active worker, spawning one first if none
// exists.
func (o *Orchestrator) Route(req types.ExecutionRequest, workflowOrgID string) error {
	o.mu.Lock()
	h := o.activeWorkerLocked()
	if h == nil {
		if err := o.spawnWorkerLocked(); err != nil {
			o.mu.Unlock()
			return fmt.Errorf("orchestrator: no active worker and spawn failed: %w", err)
		}
		h = o.activeWorkerLocked()
	}
	o.mu.Unlock()

	if h == nil {
		return fmt.Errorf("orchestrator: no active worker available after spawn")
	}
	return h.Dispatch(req, workflowOrgID)
}

// RecycleProcess sends {Recycle, reason} to the matching worker and
// pre-emptively spawns a replacement, so the handoff is never destructive
// to other in-flight work.
func (o *Orchestrator) RecycleProcess(pid int, reason string) error {
	o.mu.Lock()
	h, ok := o.workers[pid]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: no worker with pid %d", pid)
	}

	wasActive := h.State() == types.ProcessActive
	h.Recycle(reason)

	if wasActive {
		o.mu.Lock()
		err := o.spawnWorkerLocked()
		o.mu.Unlock()
		if err != nil {
			return fmt.Errorf("orchestrator: replacement spawn after recycle: %w", err)
		}
	}
	return nil
}

// Stop initiates graceful shutdown: mark all workers for shutdown, wait up
// to deadline for in-flight executions to finish, then stop watching
// residuals (their host process is responsible for its own teardown).
func (o *Orchestrator) Stop(deadline time.Duration) error {
	o.mu.Lock()
	o.stopping = true
	workers := make([]worker.ProcessHandle, 0, len(o.workers))
	for _, h := range o.workers {
		workers = append(workers, h)
	}
	o.mu.Unlock()

	for _, h := range workers {
		h.Shutdown()
	}

	deadlineCh := time.After(deadline)
	for _, h := range workers {
		select {
		case <-h.Done():
		case <-deadlineCh:
			close(o.stopCh)
			close(o.doneCh)
			return fmt.Errorf("orchestrator: stop deadline exceeded with workers still draining")
		}
	}

	close(o.stopCh)
	close(o.doneCh)
	return nil
}

// Done is closed once Stop has finished (successfully or by deadline).
func (o *Orchestrator) Done() <-chan struct{} { return o.doneCh }

// Workers returns a snapshot of tracked Worker Process records, for the
// admin list-workers operation.
func (o *Orchestrator) Workers() []WorkerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(o.workers))
	for pid, h := range o.workers {
		out = append(out, WorkerSnapshot{
			PID:               pid,
			State:             h.State(),
			CurrentExecutions: h.CurrentExecutions(),
		})
	}
	return out
}

// WorkerSnapshot is an immutable view of one Worker Process Record, safe
// to hand to the admin API.
type WorkerSnapshot struct {
	PID               int
	State             types.ProcessState
	CurrentExecutions []worker.ExecutionInfo
}

// monitorLoop checks process liveness, ensures >=1 Active worker, and
// garbage-collects records whose process has exited.
func (o *Orchestrator) monitorLoop() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.monitorTick()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) monitorTick() {
	o.mu.Lock()
	stopping := o.stopping
	for pid, h := range o.workers {
		select {
		case <-h.Done():
			delete(o.workers, pid)
		default:
		}
	}
	hasActive := o.activeWorkerLocked() != nil
	needsSpawn := !stopping && !hasActive && len(o.workers) < o.cfg.MaxWorkers
	if needsSpawn {
		_ = o.spawnWorkerLocked()
	}
	o.mu.Unlock()
}

// resultLoop drains every worker's result channel and forwards each result
// to the Consumer via OnResult.
func (o *Orchestrator) resultLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.drainResultsOnce()
		case <-o.stopCh:
			o.drainResultsOnce()
			return
		}
	}
}

func (o *Orchestrator) drainResultsOnce() {
	o.mu.Lock()
	workers := make([]worker.ProcessHandle, 0, len(o.workers))
	for _, h := range o.workers {
		workers = append(workers, h)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, h := range workers {
		h := h
		g.Go(func() error {
			for {
				select {
				case result := <-h.Results():
					if o.onResult != nil {
						o.onResult(result)
					}
				default:
					return nil
				}
			}
		})
	}
	g.Wait()
}
