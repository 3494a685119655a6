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

package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowcore/engine/internal/engine/runner"
	"github.com/flowcore/engine/internal/engine/types"
)

// tickInterval is the supervisor's polling cadence, per spec.
const tickInterval = 250 * time.Millisecond

// Config configures a Process.
type Config struct {
	ThreadPoolSize   int
	ExecutionTimeout time.Duration
	CancelGraceSecs  time.Duration
	RecycleAfter     int64 // 0 means never
}

func (c Config) withDefaults() Config {
	if c.ThreadPoolSize <= 0 {
		c.ThreadPoolSize = 4
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 300 * time.Second
	}
	if c.CancelGraceSecs <= 0 {
		c.CancelGraceSecs = 10 * time.Second
	}
	return c
}

type execHandle struct {
	req               types.ExecutionRequest
	workflowOrgID     string
	startedAt         time.Time
	cancelRequestedAt *time.Time
	cancelSignal      atomic.Bool
	status            types.HandleStatus
	done              chan types.ResultMessage
}

// Process is an in-process host for a bounded pool of Runners, implementing
// the Worker Process state machine and timeout/stuck protocol directly —
// used by the dev profile and by tests. A real deployment hosts the same
// logic inside a spawned child OS process via ChildProcess.
type Process struct {
	pid int
	cfg Config
	rnr *runner.Runner

	mu           sync.Mutex
	state        types.ProcessState
	handles      map[string]*execHandle
	stuckCount   int
	completedCnt int64

	sem chan struct{}

	resultCh     chan types.ResultMessage
	stateCh      chan StateChange
	execStatusCh chan ExecutionInfo
	doneCh       chan struct{}
	pendingOff   bool // Shutdown requested while executions were in flight

	stopTick chan struct{}
	tickDone chan struct{}
}

// NewProcess creates a Worker Process hosting rnr, with pid used purely as
// a telemetry identifier (a real OS pid for ChildProcess, a synthetic
// counter for in-process use).
func NewProcess(pid int, rnr *runner.Runner, cfg Config) *Process {
	cfg = cfg.withDefaults()
	p := &Process{
		pid:          pid,
		cfg:          cfg,
		rnr:          rnr,
		state:        types.ProcessActive,
		handles:      make(map[string]*execHandle),
		sem:          make(chan struct{}, cfg.ThreadPoolSize),
		resultCh:     make(chan types.ResultMessage, 64),
		stateCh:      make(chan StateChange, 8),
		execStatusCh: make(chan ExecutionInfo, 64),
		doneCh:       make(chan struct{}),
		stopTick:     make(chan struct{}),
		tickDone:     make(chan struct{}),
	}
	go p.superviseLoop()
	return p
}

// PID implements ProcessHandle.
func (p *Process) PID() int { return p.pid }

// State implements ProcessHandle.
func (p *Process) State() types.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Results implements ProcessHandle.
func (p *Process) Results() <-chan types.ResultMessage { return p.resultCh }

// StateChanges implements ProcessHandle.
func (p *Process) StateChanges() <-chan StateChange { return p.stateCh }

// ExecutionStatusChanges reports per-execution status transitions
// (currently only Running -> Cancelling) ahead of their terminal result,
// so a hosting cmd/engine-worker can forward them over the wire protocol.
func (p *Process) ExecutionStatusChanges() <-chan ExecutionInfo { return p.execStatusCh }

// Done implements ProcessHandle.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// CurrentExecutions implements ProcessHandle.
func (p *Process) CurrentExecutions() []ExecutionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]ExecutionInfo, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, ExecutionInfo{
			ExecutionID: h.req.ExecutionID,
			WorkflowID:  h.req.WorkflowID,
			ElapsedMS:   now.Sub(h.startedAt).Milliseconds(),
			Status:      h.status,
		})
	}
	return out
}

// Dispatch implements ProcessHandle. New work is rejected unless the
// process is Active.
func (p *Process) Dispatch(req types.ExecutionRequest, workflowOrgID string) error {
	p.mu.Lock()
	if p.state != types.ProcessActive {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("worker %d not accepting work: state=%s", p.pid, state)
	}
	h := &execHandle{
		req:           req,
		workflowOrgID: workflowOrgID,
		startedAt:     time.Now(),
		status:        types.HandleRunning,
		done:          make(chan types.ResultMessage, 1),
	}
	p.handles[req.ExecutionID] = h
	p.mu.Unlock()

	go p.runHandle(h)
	return nil
}

func (p *Process) runHandle(h *execHandle) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	ctx := context.Background()
	result := p.rnr.Run(ctx, runner.Handle{
		Request:       h.req,
		WorkflowOrgID: h.workflowOrgID,
		Cancelled:     h.cancelSignal.Load,
	})
	h.done <- result
}

// Recycle implements ProcessHandle: Active -> PendingKill.
func (p *Process) Recycle(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != types.ProcessActive {
		return
	}
	p.transitionLocked(types.ProcessPendingKill, reason)
}

// Shutdown implements ProcessHandle: Active -> Exiting immediately if no
// executions are in flight, otherwise the transition happens once the
// current executions drain.
func (p *Process) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == types.ProcessExiting {
		return
	}
	if p.state == types.ProcessActive && len(p.handles) == 0 {
		p.transitionLocked(types.ProcessExiting, "shutdown")
		return
	}
	p.pendingOff = true
}

// transitionLocked must be called with mu held.
func (p *Process) transitionLocked(newState types.ProcessState, reason string) {
	p.state = newState
	select {
	case p.stateCh <- StateChange{NewState: newState, Reason: reason}:
	default:
	}
	if newState == types.ProcessExiting {
		close(p.doneCh)
		close(p.stopTick)
	}
}

// superviseLoop is the single-threaded cooperative supervisor: it never
// blocks on any one execution and polls every tickInterval.
func (p *Process) superviseLoop() {
	defer close(p.tickDone)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-p.stopTick:
			return
		}
	}
}

func (p *Process) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == types.ProcessExiting {
		return
	}

	now := time.Now()
	for id, h := range p.handles {
		select {
		case result := <-h.done:
			delete(p.handles, id)
			p.completedCnt++
			select {
			case p.resultCh <- result:
			default:
			}
			continue
		default:
		}

		if h.cancelRequestedAt == nil && now.Sub(h.startedAt) > p.timeoutFor(h) {
			at := now
			h.cancelRequestedAt = &at
			h.cancelSignal.Store(true)
			h.status = types.HandleCancelling
			select {
			case p.execStatusCh <- ExecutionInfo{
				ExecutionID: h.req.ExecutionID,
				WorkflowID:  h.req.WorkflowID,
				ElapsedMS:   now.Sub(h.startedAt).Milliseconds(),
				Status:      types.HandleCancelling,
			}:
			default:
			}
			continue
		}

		if h.cancelRequestedAt != nil && now.Sub(*h.cancelRequestedAt) > p.cfg.CancelGraceSecs {
			h.status = types.HandleStuck
			p.stuckCount++
			delete(p.handles, id)

			select {
			case p.resultCh <- types.ResultMessage{
				Kind:        types.StatusStuck,
				ExecutionID: id,
				ElapsedMS:   now.Sub(h.startedAt).Milliseconds(),
			}:
			default:
			}

			if p.state == types.ProcessActive {
				p.transitionLocked(types.ProcessDraining, "stuck_execution")
			}
		}
	}

	if p.state == types.ProcessActive && p.cfg.RecycleAfter > 0 && p.completedCnt >= p.cfg.RecycleAfter {
		p.transitionLocked(types.ProcessDraining, "recycle_after_reached")
	}

	if p.state == types.ProcessActive && p.pendingOff && len(p.handles) == 0 {
		p.transitionLocked(types.ProcessExiting, "shutdown")
		return
	}

	if (p.state == types.ProcessDraining || p.state == types.ProcessPendingKill) && len(p.handles) == 0 {
		p.transitionLocked(types.ProcessExiting, "drained")
	}
}

func (p *Process) timeoutFor(h *execHandle) time.Duration {
	if h.req.TimeoutSeconds > 0 {
		return time.Duration(h.req.TimeoutSeconds) * time.Second
	}
	return p.cfg.ExecutionTimeout
}

// StuckCount reports how many executions this process has abandoned as stuck.
func (p *Process) StuckCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stuckCount
}

// CompletedCount reports how many executions have reported a terminal outcome.
func (p *Process) CompletedCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completedCnt
}

var _ ProcessHandle = (*Process)(nil)
