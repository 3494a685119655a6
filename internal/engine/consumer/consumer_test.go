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

package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowcore/engine/internal/engine/broker"
	"github.com/flowcore/engine/internal/engine/store"
	"github.com/flowcore/engine/internal/engine/types"
)

type fakeWorkflows struct {
	defs map[string]store.WorkflowDef
	err  error
}

func (f *fakeWorkflows) LoadWorkflow(ctx context.Context, workflowID string) (*store.WorkflowDef, error) {
	if f.err != nil {
		return nil, f.err
	}
	def, ok := f.defs[workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &def, nil
}

type fakeTerminals struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	records   []types.ExecutionResultRecord
}

func (f *fakeTerminals) WriteExecutionTerminal(ctx context.Context, record types.ExecutionResultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("transient write failure")
	}
	f.records = append(f.records, record)
	return nil
}

func (f *fakeTerminals) last() (types.ExecutionResultRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return types.ExecutionResultRecord{}, false
	}
	return f.records[len(f.records)-1], true
}

type fakeBlacklist struct {
	mu          sync.Mutex
	blacklisted map[string]bool
	stuckCalls  []string
	checkErr    error
}

func (f *fakeBlacklist) IsBlacklisted(ctx context.Context, workflowID string) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.blacklisted[workflowID], nil
}

func (f *fakeBlacklist) RecordStuck(ctx context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuckCalls = append(f.stuckCalls, workflowID)
	return nil
}

type fakeRouter struct {
	mu      sync.Mutex
	routed  []types.ExecutionRequest
	failErr error
}

func (f *fakeRouter) Route(req types.ExecutionRequest, workflowOrgID string) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, req)
	return nil
}

func newAckMessage(executionID, workflowID string, isScript bool) (*broker.Message, *bool, *bool) {
	acked := false
	nacked := false
	msg := &broker.Message{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		IsScript:       isScript,
		TimeoutSeconds: 300,
		EnqueuedAt:     time.Now(),
		AckFunc:        func() { acked = true },
		NackFunc:       func() { nacked = true },
	}
	return msg, &acked, &nacked
}

func TestAdmit_ScriptBypassesBlacklistAndRoutes(t *testing.T) {
	blacklist := &fakeBlacklist{checkErr: errors.New("should never be called for scripts")}
	router := &fakeRouter{}
	c := New(Config{}, nil, &fakeWorkflows{}, &fakeTerminals{}, blacklist, router, nil, nil, nil)

	msg, acked, _ := newAckMessage("exec-1", "", true)
	c.admit(context.Background(), msg)

	if len(router.routed) != 1 {
		t.Fatalf("expected 1 routed request, got %d", len(router.routed))
	}
	if *acked {
		t.Fatal("script should not be acked at admission; ack happens on result")
	}
}

func TestAdmit_BlacklistedWorkflowWritesBlockedAndAcks(t *testing.T) {
	blacklist := &fakeBlacklist{blacklisted: map[string]bool{"wf-1": true}}
	router := &fakeRouter{}
	terminals := &fakeTerminals{}
	c := New(Config{}, nil, &fakeWorkflows{}, terminals, blacklist, router, nil, nil, nil)

	msg, acked, _ := newAckMessage("exec-1", "wf-1", false)
	c.admit(context.Background(), msg)

	if len(router.routed) != 0 {
		t.Fatalf("expected no routed request for a blacklisted workflow, got %d", len(router.routed))
	}
	if !*acked {
		t.Fatal("expected message to be acked after writing the Blocked terminal record")
	}
	rec, ok := terminals.last()
	if !ok {
		t.Fatal("expected a terminal record to be written")
	}
	if rec.Status != types.StatusBlocked {
		t.Fatalf("expected status Blocked, got %s", rec.Status)
	}
	if rec.ErrorType != types.ErrorKindBlacklisted {
		t.Fatalf("expected error type %s, got %s", types.ErrorKindBlacklisted, rec.ErrorType)
	}
}

func TestAdmit_UnknownWorkflowWritesValidationFailureAndAcks(t *testing.T) {
	router := &fakeRouter{}
	terminals := &fakeTerminals{}
	c := New(Config{}, nil, &fakeWorkflows{}, terminals, &fakeBlacklist{}, router, nil, nil, nil)

	msg, acked, _ := newAckMessage("exec-1", "missing-wf", false)
	c.admit(context.Background(), msg)

	if len(router.routed) != 0 {
		t.Fatal("expected no routed request for an unresolvable workflow")
	}
	if !*acked {
		t.Fatal("expected message to be acked after writing the validation-failure terminal record")
	}
	rec, ok := terminals.last()
	if !ok || rec.Status != types.StatusFailed || rec.ErrorType != types.ErrorKindValidation {
		t.Fatalf("expected a Failed/validation terminal record, got %+v (ok=%v)", rec, ok)
	}
}

func TestAdmit_ZeroTimeoutRejectedWithoutLoadingWorkflow(t *testing.T) {
	workflows := &fakeWorkflows{err: errors.New("should never be called for a rejected admission")}
	router := &fakeRouter{}
	terminals := &fakeTerminals{}
	c := New(Config{}, nil, workflows, terminals, &fakeBlacklist{}, router, nil, nil, nil)

	msg, acked, _ := newAckMessage("exec-1", "wf-1", false)
	msg.TimeoutSeconds = 0
	c.admit(context.Background(), msg)

	if len(router.routed) != 0 {
		t.Fatal("expected no routed request for timeout_seconds=0")
	}
	if !*acked {
		t.Fatal("expected message to be acked after writing the validation-failure terminal record")
	}
	rec, ok := terminals.last()
	if !ok || rec.Status != types.StatusFailed || rec.ErrorType != types.ErrorKindValidation {
		t.Fatalf("expected a Failed/validation terminal record, got %+v (ok=%v)", rec, ok)
	}
}

func TestAdmit_RouteFailureWritesRuntimeFailureAndClearsPending(t *testing.T) {
	workflows := &fakeWorkflows{defs: map[string]store.WorkflowDef{"wf-1": {WorkflowID: "wf-1", CodeRef: "ref"}}}
	router := &fakeRouter{failErr: errors.New("no active worker")}
	terminals := &fakeTerminals{}
	c := New(Config{}, nil, workflows, terminals, &fakeBlacklist{}, router, nil, nil, nil)

	msg, acked, _ := newAckMessage("exec-1", "wf-1", false)
	c.admit(context.Background(), msg)

	if !*acked {
		t.Fatal("expected message to be acked after writing the runtime-failure terminal record")
	}
	rec, ok := terminals.last()
	if !ok || rec.Status != types.StatusFailed || rec.ErrorType != types.ErrorKindRuntime {
		t.Fatalf("expected a Failed/runtime terminal record, got %+v (ok=%v)", rec, ok)
	}
	c.mu.Lock()
	_, stillPending := c.pending["exec-1"]
	c.mu.Unlock()
	if stillPending {
		t.Fatal("expected pending entry to be cleared after a route failure")
	}
}

func TestAdmit_PrewarmFailureDoesNotBlockRouting(t *testing.T) {
	workflows := &fakeWorkflows{defs: map[string]store.WorkflowDef{"wf-1": {WorkflowID: "wf-1", CodeRef: "ref"}}}
	router := &fakeRouter{}
	prewarm := prewarmerFunc(func(ctx context.Context, req types.ExecutionRequest) error {
		return errors.New("cache unavailable")
	})
	c := New(Config{}, nil, workflows, &fakeTerminals{}, &fakeBlacklist{}, router, prewarm, nil, nil)

	msg, _, _ := newAckMessage("exec-1", "wf-1", false)
	c.admit(context.Background(), msg)

	if len(router.routed) != 1 {
		t.Fatalf("expected routing to proceed despite prewarm failure, got %d routed", len(router.routed))
	}
}

type prewarmerFunc func(ctx context.Context, req types.ExecutionRequest) error

func (f prewarmerFunc) Prewarm(ctx context.Context, req types.ExecutionRequest) error { return f(ctx, req) }

func TestHandleResult_SuccessWritesRecordAndAcks(t *testing.T) {
	terminals := &fakeTerminals{}
	c := New(Config{}, nil, &fakeWorkflows{}, terminals, &fakeBlacklist{}, &fakeRouter{}, nil, nil, nil)

	msg, acked, _ := newAckMessage("exec-1", "wf-1", false)
	c.mu.Lock()
	c.pending["exec-1"] = pendingExecution{msg: msg, dispatchedAt: time.Now()}
	c.mu.Unlock()

	c.HandleResult(types.ResultMessage{Kind: types.StatusSuccess, ExecutionID: "exec-1", Payload: map[string]any{"ok": true}})

	if !*acked {
		t.Fatal("expected message to be acked after a successful terminal write")
	}
	rec, ok := terminals.last()
	if !ok || rec.Status != types.StatusSuccess {
		t.Fatalf("expected a Success terminal record, got %+v (ok=%v)", rec, ok)
	}
}

func TestHandleResult_TimeoutErrorKindMapsToStatusTimeout(t *testing.T) {
	terminals := &fakeTerminals{}
	c := New(Config{}, nil, &fakeWorkflows{}, terminals, &fakeBlacklist{}, &fakeRouter{}, nil, nil, nil)

	msg, _, _ := newAckMessage("exec-1", "wf-1", false)
	c.mu.Lock()
	c.pending["exec-1"] = pendingExecution{msg: msg, dispatchedAt: time.Now()}
	c.mu.Unlock()

	c.HandleResult(types.ResultMessage{Kind: types.StatusFailed, ExecutionID: "exec-1", ErrorKind: types.ErrorKindTimeout})

	rec, ok := terminals.last()
	if !ok || rec.Status != types.StatusTimeout {
		t.Fatalf("expected status Timeout, got %+v (ok=%v)", rec, ok)
	}
}

func TestHandleResult_CancelledErrorKindMapsToStatusCancelled(t *testing.T) {
	terminals := &fakeTerminals{}
	c := New(Config{}, nil, &fakeWorkflows{}, terminals, &fakeBlacklist{}, &fakeRouter{}, nil, nil, nil)

	msg, _, _ := newAckMessage("exec-1", "wf-1", false)
	c.mu.Lock()
	c.pending["exec-1"] = pendingExecution{msg: msg, dispatchedAt: time.Now()}
	c.mu.Unlock()

	c.HandleResult(types.ResultMessage{Kind: types.StatusFailed, ExecutionID: "exec-1", ErrorKind: types.ErrorKindCancelled})

	rec, ok := terminals.last()
	if !ok || rec.Status != types.StatusCancelled {
		t.Fatalf("expected status Cancelled, got %+v (ok=%v)", rec, ok)
	}
}

func TestHandleResult_StuckNotifiesBreaker(t *testing.T) {
	terminals := &fakeTerminals{}
	blacklist := &fakeBlacklist{}
	c := New(Config{}, nil, &fakeWorkflows{}, terminals, blacklist, &fakeRouter{}, nil, nil, nil)

	msg, _, _ := newAckMessage("exec-1", "wf-1", false)
	c.mu.Lock()
	c.pending["exec-1"] = pendingExecution{msg: msg, dispatchedAt: time.Now()}
	c.mu.Unlock()

	c.HandleResult(types.ResultMessage{Kind: types.StatusStuck, ExecutionID: "exec-1", ElapsedMS: 9000})

	rec, ok := terminals.last()
	if !ok || rec.Status != types.StatusStuck {
		t.Fatalf("expected status Stuck, got %+v (ok=%v)", rec, ok)
	}
	if len(blacklist.stuckCalls) != 1 || blacklist.stuckCalls[0] != "wf-1" {
		t.Fatalf("expected breaker notified for wf-1, got %+v", blacklist.stuckCalls)
	}
}

func TestHandleResult_RetriesThenSucceeds(t *testing.T) {
	terminals := &fakeTerminals{failUntil: 2}
	c := New(Config{RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, nil, &fakeWorkflows{}, terminals, &fakeBlacklist{}, &fakeRouter{}, nil, nil, nil)

	msg, acked, _ := newAckMessage("exec-1", "wf-1", false)
	c.mu.Lock()
	c.pending["exec-1"] = pendingExecution{msg: msg, dispatchedAt: time.Now()}
	c.mu.Unlock()

	c.HandleResult(types.ResultMessage{Kind: types.StatusSuccess, ExecutionID: "exec-1"})

	if !*acked {
		t.Fatal("expected message to be acked once the retried write succeeds")
	}
	if terminals.calls != 3 {
		t.Fatalf("expected 3 write attempts (2 failures + 1 success), got %d", terminals.calls)
	}
}

func TestHandleResult_SurrendersAfterMaxRetriesAndNacks(t *testing.T) {
	terminals := &fakeTerminals{failUntil: 100}
	c := New(Config{MaxRetries: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, nil, &fakeWorkflows{}, terminals, &fakeBlacklist{}, &fakeRouter{}, nil, nil, nil)

	msg, acked, nacked := newAckMessage("exec-1", "wf-1", false)
	c.mu.Lock()
	c.pending["exec-1"] = pendingExecution{msg: msg, dispatchedAt: time.Now()}
	c.mu.Unlock()

	c.HandleResult(types.ResultMessage{Kind: types.StatusSuccess, ExecutionID: "exec-1"})

	if *acked {
		t.Fatal("did not expect an ack after exhausting retries")
	}
	if !*nacked {
		t.Fatal("expected a nack after exhausting retries")
	}
}
