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

// Package runner implements the Execution Runner: it drives one execution
// from a prepared context to a terminal ResultMessage, cooperating with
// cancellation but never enforcing a timeout itself — that is the hosting
// Worker Process's job.
package runner

import (
	"context"
	"time"

	"github.com/flowcore/engine/internal/engine/capability"
	engineerrors "github.com/flowcore/engine/internal/engine/errors"
	"github.com/flowcore/engine/internal/engine/sandbox"
	"github.com/flowcore/engine/internal/engine/scope"
	"github.com/flowcore/engine/internal/engine/types"
)

// Handle is everything the Runner needs to drive one execution: the
// request, the scope inputs, and a cancellation poll hook wired by the
// hosting Worker Process.
type Handle struct {
	Request       types.ExecutionRequest
	WorkflowOrgID string // empty if the workflow is global
	Cancelled     func() bool

	// Capability collaborators; nil fields are handed to the sandbox as nil.
	Storage   capability.Storage
	Config    capability.Config
	Knowledge capability.Knowledge
	Files     capability.Files

	// ScopeOverride, if non-empty, wins over the computed scope per the
	// Runner's override rule.
	ScopeOverride string
}

// Runner drives one Handle to completion using a Sandbox.
type Runner struct {
	sandbox sandbox.Sandbox
}

// New creates a Runner that drives executions through sb.
func New(sb sandbox.Sandbox) *Runner {
	return &Runner{sandbox: sb}
}

// cancelPollInterval governs how often Run checks h.Cancelled while the
// sandbox is executing, so that a cancel_signal set by the Worker Process
// supervisor reaches the sandbox's ctx without the Runner blocking on it.
const cancelPollInterval = 50 * time.Millisecond

// Run implements the Runner's contract: Run(handle) -> ResultMessage.
// It never blocks past the sandbox's own return; a context without a
// deadline is passed in verbatim, since timeout enforcement belongs to the
// Worker Process supervisor, not the Runner. It does, however, derive a
// child context that it cancels the moment h.Cancelled reports true, so
// the one-shot cancel_signal protocol actually reaches the sandbox.
func (r *Runner) Run(ctx context.Context, h Handle) types.ResultMessage {
	started := time.Now()

	resolved := scope.Resolve(h.WorkflowOrgID, h.Request.CallerOrgID)
	resolved = scope.WithOverride(resolved, h.ScopeOverride)

	caps := capability.New(resolved, h.Storage, h.Config, h.Knowledge, h.Files, h.Cancelled)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if h.Cancelled != nil {
		stop := make(chan struct{})
		defer close(stop)
		go pollCancel(runCtx, stop, h.Cancelled, cancel)
	}

	payload, err := r.sandbox.Execute(runCtx, sandbox.Invocation{
		ExecutionID:  h.Request.ExecutionID,
		CodeRef:      h.Request.CodeRef,
		Params:       h.Request.Params,
		Capabilities: caps,
	})
	duration := time.Since(started)

	if err == nil {
		return types.ResultMessage{
			Kind:        types.StatusSuccess,
			ExecutionID: h.Request.ExecutionID,
			Payload:     payload,
			DurationMS:  duration.Milliseconds(),
		}
	}

	return types.ResultMessage{
		Kind:         types.StatusFailed,
		ExecutionID:  h.Request.ExecutionID,
		ErrorKind:    classifyErr(runCtx, err),
		ErrorMessage: err.Error(),
		DurationMS:   duration.Milliseconds(),
	}
}

func classifyErr(ctx context.Context, err error) types.ErrorKind {
	switch err.(type) {
	case *engineerrors.CancelledError:
		return types.ErrorKindCancelled
	case *engineerrors.ValidationError:
		return types.ErrorKindValidation
	}
	return sandbox.Classify(ctx, err)
}

// pollCancel watches cancelled until it reports true or runCtx is done on
// its own (the sandbox returned), calling cancel the moment cancel_signal
// fires so the sandbox observes ctx.Done() without the Runner blocking.
func pollCancel(runCtx context.Context, stop <-chan struct{}, cancelled func() bool, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if cancelled() {
				cancel()
				return
			}
		}
	}
}
