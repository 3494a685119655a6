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

// Package worker implements the Worker Process: a bounded pool of
// Runners, a cooperative supervisor that enforces timeouts and stuck
// detection, and the state machine (Active/Draining/PendingKill/Exiting)
// the Orchestrator drives.
package worker

import (
	"github.com/flowcore/engine/internal/engine/types"
)

// StateChange is emitted whenever a Worker Process transitions state.
type StateChange struct {
	NewState types.ProcessState
	Reason   string
}

// ExecutionInfo describes one in-flight execution for the heartbeat
// payload's per-execution detail: id, workflow name, elapsed, and status.
type ExecutionInfo struct {
	ExecutionID string
	WorkflowID  string
	ElapsedMS   int64
	Status      types.HandleStatus
}

// ProcessHandle is the Orchestrator's view of one Worker Process,
// regardless of whether it is hosted in-process (Process, used by the dev
// profile and tests) or as a real child OS process (ChildProcess).
type ProcessHandle interface {
	// PID identifies the worker for telemetry and recycling.
	PID() int

	// State reports the worker's current lifecycle state.
	State() types.ProcessState

	// Dispatch hands one execution to the worker. It returns an error if
	// the worker is not Active.
	Dispatch(req types.ExecutionRequest, workflowOrgID string) error

	// Recycle requests the worker enter PendingKill: it stops accepting
	// new work and exits once its healthy executions finish.
	Recycle(reason string)

	// Shutdown requests the worker exit once current executions finish.
	Shutdown()

	// Results returns the channel of terminal ResultMessages.
	Results() <-chan types.ResultMessage

	// StateChanges returns the channel of state transitions.
	StateChanges() <-chan StateChange

	// Done is closed once the worker has fully exited.
	Done() <-chan struct{}

	// CurrentExecutions reports in-flight (non-stuck) executions with
	// per-execution detail, for the heartbeat payload.
	CurrentExecutions() []ExecutionInfo
}
