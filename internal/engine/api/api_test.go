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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowcore/engine/internal/engine/broker"
	kvmemory "github.com/flowcore/engine/internal/engine/kv/memory"
	"github.com/flowcore/engine/internal/engine/store"
	storememory "github.com/flowcore/engine/internal/engine/store/memory"
	"github.com/flowcore/engine/internal/engine/types"
)

func TestWorkersHandler_GetUnknownWorker(t *testing.T) {
	cache := NewHeartbeatCache(kvmemory.New(), nil)
	h := NewWorkersHandler(cache, kvmemory.New())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/workers/unknown", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestWorkersHandler_ListReflectsCacheState(t *testing.T) {
	cache := NewHeartbeatCache(kvmemory.New(), nil)
	cache.apply(mustMarshal(t, types.TelemetryEvent{
		Type:      types.EventWorkerOnline,
		WorkerID:  "w1",
		Timestamp: time.Now(),
	}))

	h := NewWorkersHandler(cache, kvmemory.New())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Workers []WorkerSnapshot `json:"workers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Workers) != 1 || body.Workers[0].WorkerID != "w1" || !body.Workers[0].Online {
		t.Fatalf("unexpected workers payload: %+v", body.Workers)
	}
}

func TestWorkersHandler_RecyclePublishesCommand(t *testing.T) {
	store := kvmemory.New()
	sub, cancel, err := store.Subscribe(context.Background(), "worker:w1:commands")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	h := NewWorkersHandler(NewHeartbeatCache(store, nil), store)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(recycleRequest{PID: 42, Reason: "oom", RequestedBy: "admin"})
	req := httptest.NewRequest(http.MethodPost, "/v1/workers/w1/recycle", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	select {
	case msg := <-sub:
		var cmd recycleCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			t.Fatalf("unmarshal command: %v", err)
		}
		if cmd.Action != "recycle_process" || cmd.PID != 42 {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published command")
	}
}

func TestWorkersHandler_RecycleRequiresPID(t *testing.T) {
	store := kvmemory.New()
	h := NewWorkersHandler(NewHeartbeatCache(store, nil), store)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/workers/w1/recycle", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestQueueHandler_ListUsesPeek(t *testing.T) {
	br := newFakeBrokerForQueue([]broker.Message{
		{ExecutionID: "e1", WorkflowID: "wf-1"},
		{ExecutionID: "e2", WorkflowID: "wf-2"},
	})
	h := NewQueueHandler(br)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Depth int              `json:"depth"`
		Items []broker.Message `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Depth != 2 || len(body.Items) != 2 {
		t.Fatalf("unexpected queue payload: %+v", body)
	}
}

func TestQueueHandler_RejectsNonPositiveLimit(t *testing.T) {
	br := newFakeBrokerForQueue(nil)
	h := NewQueueHandler(br)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue?limit=0", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestBlacklistHandler_ListDefaultsToActiveOnly(t *testing.T) {
	s := storememory.New()
	now := time.Now()
	_ = s.UpsertBlacklistEntry(context.Background(), types.BlacklistEntry{WorkflowID: "wf-active", BlacklistedAt: now})
	_ = s.UpsertBlacklistEntry(context.Background(), types.BlacklistEntry{WorkflowID: "wf-removed", BlacklistedAt: now})
	_ = s.MarkBlacklistRemoved(context.Background(), "wf-removed", "admin")

	h := NewBlacklistHandler(s, &fakeBreaker{})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/blacklist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body struct {
		Entries []types.BlacklistEntry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].WorkflowID != "wf-active" {
		t.Fatalf("expected only the active entry, got %+v", body.Entries)
	}
}

func TestBlacklistHandler_AddRequiresWorkflowID(t *testing.T) {
	h := NewBlacklistHandler(storememory.New(), &fakeBreaker{})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/blacklist", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestBlacklistHandler_RemoveDelegatesToBreaker(t *testing.T) {
	fb := &fakeBreaker{}
	h := NewBlacklistHandler(storememory.New(), fb)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodDelete, "/v1/blacklist/wf-1?removed_by=admin", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if fb.removedWorkflowID != "wf-1" || fb.removedBy != "admin" {
		t.Fatalf("unexpected removal call: %+v", fb)
	}
}

func TestStuckHistoryHandler_AggregatesFromStore(t *testing.T) {
	s := storememory.New()
	now := time.Now()
	_ = s.WriteExecutionTerminal(context.Background(), types.ExecutionResultRecord{
		ExecutionID: "e1", WorkflowID: "wf-1", Status: types.StatusStuck, FinishedAt: now,
	})

	h := NewStuckHistoryHandler(s)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/stuck-history", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Entries []store.StuckHistoryEntry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].WorkflowID != "wf-1" || body.Entries[0].Count != 1 {
		t.Fatalf("unexpected stuck history payload: %+v", body.Entries)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

type fakeBreaker struct {
	removedWorkflowID string
	removedBy         string
}

func (f *fakeBreaker) AddManual(ctx context.Context, workflowID, note, by string) error {
	return nil
}

func (f *fakeBreaker) RemoveManual(ctx context.Context, workflowID, removedBy string) error {
	f.removedWorkflowID = workflowID
	f.removedBy = removedBy
	return nil
}

type fakeBrokerForQueue struct {
	messages []broker.Message
}

func newFakeBrokerForQueue(msgs []broker.Message) *fakeBrokerForQueue {
	return &fakeBrokerForQueue{messages: msgs}
}

func (b *fakeBrokerForQueue) Receive(ctx context.Context) (*broker.Message, error) { return nil, nil }
func (b *fakeBrokerForQueue) Len() int                                             { return len(b.messages) }
func (b *fakeBrokerForQueue) Peek(n int) []broker.Message {
	if n > len(b.messages) {
		n = len(b.messages)
	}
	return b.messages[:n]
}
func (b *fakeBrokerForQueue) Close() error { return nil }
