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
	"os/exec"
	"sync"
	"time"

	"github.com/flowcore/engine/internal/engine/types"
	"github.com/flowcore/engine/internal/engine/wire"
)

// childExecution tracks one in-flight execution as observed from the wire
// protocol, so ChildProcess can answer CurrentExecutions without the child
// having to push a dedicated status-update frame for the common case.
type childExecution struct {
	workflowID string
	startedAt  time.Time
	status     types.HandleStatus
}

// ChildProcess hosts a Worker Process as a real child OS process, speaking
// the length-prefixed JSON-lines wire protocol over its stdin/stdout.
// Killing the OS process (on Exiting) takes any stuck goroutines inside it
// down with it, which an in-process Process cannot do on its own.
type ChildProcess struct {
	cmd *exec.Cmd
	w   *wire.Writer
	r   *wire.Reader

	mu      sync.Mutex
	state   types.ProcessState
	current map[string]*childExecution

	resultCh chan types.ResultMessage
	stateCh  chan StateChange
	doneCh   chan struct{}
}

// Spawn starts binaryPath as a child process (conventionally
// cmd/engine-worker) and wires its stdio as the worker's wire protocol
// channel.
func Spawn(ctx context.Context, binaryPath string, args ...string) (*ChildProcess, error) {
	cmd := exec.CommandContext(ctx, binaryPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start: %w", err)
	}

	c := &ChildProcess{
		cmd:      cmd,
		w:        wire.NewWriter(stdin),
		r:        wire.NewReader(stdout),
		state:    types.ProcessActive,
		current:  make(map[string]*childExecution),
		resultCh: make(chan types.ResultMessage, 64),
		stateCh:  make(chan StateChange, 8),
		doneCh:   make(chan struct{}),
	}
	go c.readLoop()
	go c.waitLoop()
	return c, nil
}

func (c *ChildProcess) readLoop() {
	for {
		env, err := c.r.Read()
		if err != nil {
			return
		}

		switch env.Type {
		case wire.TypeResult:
			var rp wire.ResultPayload
			if wire.Decode(env, &rp) != nil {
				continue
			}
			c.mu.Lock()
			if rp.Kind == "stuck" {
				if ce, ok := c.current[rp.ExecutionID]; ok {
					ce.status = types.HandleStuck
				}
			} else {
				delete(c.current, rp.ExecutionID)
			}
			c.mu.Unlock()
			select {
			case c.resultCh <- resultFromWire(rp):
			default:
			}
		case wire.TypeStateChange:
			var sp wire.StateChangePayload
			if wire.Decode(env, &sp) != nil {
				continue
			}
			newState := stateFromWire(sp.NewState)
			c.mu.Lock()
			c.state = newState
			c.mu.Unlock()
			select {
			case c.stateCh <- StateChange{NewState: newState, Reason: sp.Reason}:
			default:
			}
		case wire.TypeExecutionStatus:
			var ep wire.ExecutionStatusPayload
			if wire.Decode(env, &ep) != nil {
				continue
			}
			c.mu.Lock()
			if ce, ok := c.current[ep.ExecutionID]; ok {
				ce.status = statusFromWire(ep.Status)
			}
			c.mu.Unlock()
		case wire.TypeHeartbeat:
			// Heartbeat payloads are consumed by the registry's publisher,
			// not tracked on ChildProcess itself.
		}
	}
}

func (c *ChildProcess) waitLoop() {
	_ = c.cmd.Wait()
	c.mu.Lock()
	c.state = types.ProcessExiting
	c.mu.Unlock()
	close(c.doneCh)
}

// PID implements ProcessHandle.
func (c *ChildProcess) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// State implements ProcessHandle.
func (c *ChildProcess) State() types.ProcessState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentExecutions implements ProcessHandle.
func (c *ChildProcess) CurrentExecutions() []ExecutionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]ExecutionInfo, 0, len(c.current))
	for id, ce := range c.current {
		out = append(out, ExecutionInfo{
			ExecutionID: id,
			WorkflowID:  ce.workflowID,
			ElapsedMS:   now.Sub(ce.startedAt).Milliseconds(),
			Status:      ce.status,
		})
	}
	return out
}

// Dispatch implements ProcessHandle.
func (c *ChildProcess) Dispatch(req types.ExecutionRequest, workflowOrgID string) error {
	c.mu.Lock()
	if c.state != types.ProcessActive {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("worker pid %d not accepting work: state=%s", c.PID(), state)
	}
	c.current[req.ExecutionID] = &childExecution{
		workflowID: req.WorkflowID,
		startedAt:  time.Now(),
		status:     types.HandleRunning,
	}
	c.mu.Unlock()

	return c.w.Write(wire.TypeDispatch, wire.DispatchPayload{
		ExecutionID:   req.ExecutionID,
		WorkflowID:    req.WorkflowID,
		WorkflowOrgID: workflowOrgID,
		CodeRef:       req.CodeRef,
		Params:        req.Params,
		TimeoutSecs:   req.TimeoutSeconds,
	})
}

// Recycle implements ProcessHandle.
func (c *ChildProcess) Recycle(reason string) {
	_ = c.w.Write(wire.TypeRecycle, wire.RecyclePayload{Reason: reason})
}

// Shutdown implements ProcessHandle.
func (c *ChildProcess) Shutdown() {
	_ = c.w.Write(wire.TypeShutdown, struct{}{})
}

// Results implements ProcessHandle.
func (c *ChildProcess) Results() <-chan types.ResultMessage { return c.resultCh }

// StateChanges implements ProcessHandle.
func (c *ChildProcess) StateChanges() <-chan StateChange { return c.stateCh }

// Done implements ProcessHandle.
func (c *ChildProcess) Done() <-chan struct{} { return c.doneCh }

func resultFromWire(rp wire.ResultPayload) types.ResultMessage {
	var kind types.ResultStatus
	switch rp.Kind {
	case "success":
		kind = types.StatusSuccess
	case "stuck":
		kind = types.StatusStuck
	default:
		kind = types.StatusFailed
	}
	return types.ResultMessage{
		Kind:         kind,
		ExecutionID:  rp.ExecutionID,
		Payload:      rp.Payload,
		ErrorKind:    types.ErrorKind(rp.ErrorKind),
		ErrorMessage: rp.ErrorMessage,
		DurationMS:   rp.DurationMS,
		ElapsedMS:    rp.ElapsedMS,
	}
}

func stateFromWire(s string) types.ProcessState {
	switch s {
	case "active":
		return types.ProcessActive
	case "draining":
		return types.ProcessDraining
	case "pending_kill":
		return types.ProcessPendingKill
	default:
		return types.ProcessExiting
	}
}

func statusFromWire(s string) types.HandleStatus {
	switch s {
	case "cancelling":
		return types.HandleCancelling
	case "stuck":
		return types.HandleStuck
	default:
		return types.HandleRunning
	}
}

var _ ProcessHandle = (*ChildProcess)(nil)
