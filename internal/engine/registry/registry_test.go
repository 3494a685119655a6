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

package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowcore/engine/internal/engine/kv/memory"
	"github.com/flowcore/engine/internal/engine/telemetry"
	"github.com/flowcore/engine/internal/engine/types"
)

func waitEvent(t *testing.T, ch <-chan []byte, typ types.TelemetryEventType) types.TelemetryEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case body := <-ch:
			var ev types.TelemetryEvent
			if err := json.Unmarshal(body, &ev); err != nil {
				t.Fatalf("unmarshal telemetry event: %v", err)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %s", typ)
		}
	}
}

func TestStart_RegistersAndPublishesOnline(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	sub, cancel, err := store.Subscribe(ctx, telemetry.Channel)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	r := New(Config{WorkerID: "w-1", Hostname: "host-1"}, store, func() Snapshot { return Snapshot{} }, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Shutdown(ctx)

	waitEvent(t, sub, types.EventWorkerOnline)

	fields, err := store.HGetAll(ctx, registrationKey("w-1"))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["hostname"] != "host-1" {
		t.Fatalf("expected hostname host-1, got %+v", fields)
	}
}

func TestHeartbeat_PublishesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	sub, cancel, err := store.Subscribe(ctx, telemetry.Channel)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	snap := Snapshot{
		ExecutionsCompleted: 42,
		Processes: []ProcessSnapshot{
			{PID: 1, State: "active"},
		},
	}
	r := New(Config{WorkerID: "w-2", HeartbeatIntervalSecs: 1}, store, func() Snapshot { return snap }, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Shutdown(ctx)

	waitEvent(t, sub, types.EventWorkerOnline)
	ev := waitEvent(t, sub, types.EventWorkerHeartbeat)

	raw, ok := ev.Payload["snapshot"]
	if !ok {
		t.Fatalf("expected snapshot key in payload, got %+v", ev.Payload)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("re-marshal snapshot: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if got.ExecutionsCompleted != 42 {
		t.Fatalf("expected executions_completed 42, got %d", got.ExecutionsCompleted)
	}
	if len(got.Processes) != 1 || got.Processes[0].PID != 1 {
		t.Fatalf("expected one process snapshot with pid 1, got %+v", got.Processes)
	}
}

func TestShutdown_DeregistersAndPublishesOffline(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	sub, cancel, err := store.Subscribe(ctx, telemetry.Channel)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	r := New(Config{WorkerID: "w-3"}, store, func() Snapshot { return Snapshot{} }, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, sub, types.EventWorkerOnline)

	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	waitEvent(t, sub, types.EventWorkerOffline)

	if _, err := store.HGetAll(ctx, registrationKey("w-3")); err == nil {
		t.Fatal("expected registration key to be gone after shutdown")
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	r := New(Config{WorkerID: "w-4"}, store, func() Snapshot { return Snapshot{} }, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown should be a no-op, got: %v", err)
	}
}

func TestCommands_ReceivesPublishedCommand(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()

	r := New(Config{WorkerID: "w-5"}, store, func() Snapshot { return Snapshot{} }, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Shutdown(ctx)

	cmds, cancel, err := r.Commands(ctx)
	if err != nil {
		t.Fatalf("Commands: %v", err)
	}
	defer cancel()

	if err := store.Publish(ctx, commandsKey("w-5"), []byte(`{"op":"recycle"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case body := <-cmds:
		if string(body) != `{"op":"recycle"}` {
			t.Fatalf("unexpected command body: %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}
